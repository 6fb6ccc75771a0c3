// Package state persists environment snapshots and serializes access to
// them. A Store keeps one snapshot per environment, guards writes with a
// compare-and-swap on the snapshot serial, and hands out advisory locks
// so only one apply can run against an environment at a time.
package state

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/strata-io/strata/internal/ir"
)

// ErrNotFound is returned by Read when an environment has no snapshot
// yet. Callers usually start from an empty snapshot in that case.
var ErrNotFound = errors.New("snapshot not found")

// ErrChecksumMismatch means the stored payload does not hash to its
// recorded checksum and must not be trusted.
var ErrChecksumMismatch = errors.New("snapshot checksum mismatch")

// DefaultLockTimeout bounds how long AcquireLock waits before giving up
// when no explicit timeout is passed.
const DefaultLockTimeout = 2 * time.Minute

// lockPollInterval is how often a blocked AcquireLock retries.
const lockPollInterval = time.Second

// staleLockAfter is the age past which a lock is considered abandoned
// and may be taken over.
const staleLockAfter = 10 * time.Minute

// Lock proves ownership of an environment for the duration of an apply.
type Lock struct {
	ID          string    `json:"id"`
	Environment string    `json:"environment"`
	Holder      string    `json:"holder"`
	CreatedAt   time.Time `json:"created_at"`
}

// LockHeldError reports who owns the lock that could not be acquired.
// It is never retried automatically once AcquireLock's timeout expired.
type LockHeldError struct {
	Environment string
	Holder      string
	Since       time.Time
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("environment %q is locked by %q (since %s)",
		e.Environment, e.Holder, e.Since.UTC().Format(time.RFC3339))
}

// ConflictError reports a compare-and-swap failure: the snapshot moved
// underneath the writer. It is always fatal for the writing run.
type ConflictError struct {
	Environment string
	Expected    uint64
	Actual      uint64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("snapshot serial conflict for environment %q: expected %d, found %d",
		e.Environment, e.Expected, e.Actual)
}

// Store is the persistence contract shared by the local, sqlite and s3
// backends.
type Store interface {
	// Read returns the latest snapshot for the environment, or
	// ErrNotFound when none has ever been written.
	Read(ctx context.Context, environment string) (*ir.Snapshot, error)

	// Write persists the snapshot if and only if the currently stored
	// serial equals expectedPriorSerial. A mismatch returns a
	// *ConflictError and leaves the stored snapshot untouched.
	Write(ctx context.Context, environment string, snap *ir.Snapshot, expectedPriorSerial uint64) error

	// AcquireLock takes the environment lock for holder, polling until
	// it succeeds or the timeout passes. On timeout it returns a
	// *LockHeldError naming the current holder.
	AcquireLock(ctx context.Context, environment, holder string, timeout time.Duration) (*Lock, error)

	// ReleaseLock gives the lock back. Releasing a lock that is no
	// longer held is an error; locks are not reentrant.
	ReleaseLock(ctx context.Context, lock *Lock) error

	// Environments lists every environment with a stored snapshot,
	// sorted by name.
	Environments(ctx context.Context) ([]string, error)

	// Close releases backend resources.
	Close() error
}

// Encode serializes a snapshot with its content checksum filled in. The
// checksum covers the payload with an empty checksum field, so Decode
// can recompute and compare it.
func Encode(snap *ir.Snapshot) ([]byte, error) {
	c := snap.Clone()
	c.Checksum = ""
	payload, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}
	sum := sha256.Sum256(payload)
	c.Checksum = hex.EncodeToString(sum[:])
	out, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}
	return out, nil
}

// Decode parses a snapshot and verifies its checksum when present.
func Decode(data []byte) (*ir.Snapshot, error) {
	var snap ir.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	if snap.Checksum == "" {
		return &snap, nil
	}
	stored := snap.Checksum
	snap.Checksum = ""
	payload, err := json.MarshalIndent(&snap, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	sum := sha256.Sum256(payload)
	if hex.EncodeToString(sum[:]) != stored {
		return nil, fmt.Errorf("%w: snapshot for %q is corrupt", ErrChecksumMismatch, snap.Environment)
	}
	snap.Checksum = stored
	return &snap, nil
}

// pollLock drives the acquire loop shared by all backends. try must
// return the lock on success, a *LockHeldError while the lock is owned
// by someone else, or any other error to abort immediately.
func pollLock(ctx context.Context, timeout time.Duration, try func(ctx context.Context) (*Lock, error)) (*Lock, error) {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()

	var lastHeld *LockHeldError
	for {
		lock, err := try(ctx)
		if err == nil {
			return lock, nil
		}
		var held *LockHeldError
		if !errors.As(err, &held) {
			return nil, err
		}
		lastHeld = held

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquiring lock: %w", context.Cause(ctx))
		case <-deadline.C:
			return nil, lastHeld
		case <-ticker.C:
		}
	}
}

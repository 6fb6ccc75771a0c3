package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/strata-io/strata/internal/ir"
)

// LocalStore keeps one snapshot file per environment under a base
// directory, with a sibling lock file guarding each. It is meant for
// single-machine use; the lock file only fences processes on the same
// host.
type LocalStore struct {
	dir        string
	staleAfter time.Duration
}

// NewLocalStore returns a store rooted at dir, creating it if needed.
func NewLocalStore(dir string) (*LocalStore, error) {
	if dir == "" {
		dir = ".strata/state"
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}
	return &LocalStore{dir: dir, staleAfter: staleLockAfter}, nil
}

func (s *LocalStore) snapshotPath(env string) string {
	return filepath.Join(s.dir, env+".json")
}

func (s *LocalStore) lockPath(env string) string {
	return filepath.Join(s.dir, env+".lock")
}

func (s *LocalStore) Read(ctx context.Context, environment string) (*ir.Snapshot, error) {
	raw, err := os.ReadFile(s.snapshotPath(environment))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("environment %q: %w", environment, ErrNotFound)
		}
		return nil, fmt.Errorf("reading snapshot for %q: %w", environment, err)
	}
	return openSnapshot(raw)
}

func (s *LocalStore) Write(ctx context.Context, environment string, snap *ir.Snapshot, expectedPriorSerial uint64) error {
	var current uint64
	if prior, err := s.Read(ctx, environment); err == nil {
		current = prior.Serial
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	if current != expectedPriorSerial {
		return &ConflictError{Environment: environment, Expected: expectedPriorSerial, Actual: current}
	}

	data, err := sealSnapshot(snap)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(s.snapshotPath(environment), data); err != nil {
		return fmt.Errorf("writing snapshot for %q: %w", environment, err)
	}
	return nil
}

// writeFileAtomic writes data through a temp file and a rename, so a
// reader never observes a torn snapshot and a crashed writer leaves the
// previous file intact.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (s *LocalStore) AcquireLock(ctx context.Context, environment, holder string, timeout time.Duration) (*Lock, error) {
	return pollLock(ctx, timeout, func(ctx context.Context) (*Lock, error) {
		return s.tryLock(environment, holder)
	})
}

// tryLock creates the lock file exclusively. An existing file means the
// lock is held, unless it is old enough to be considered abandoned.
func (s *LocalStore) tryLock(environment, holder string) (*Lock, error) {
	lock := &Lock{
		ID:          uuid.NewString(),
		Environment: environment,
		Holder:      holder,
		CreatedAt:   time.Now().UTC(),
	}
	content, err := json.Marshal(lock)
	if err != nil {
		return nil, fmt.Errorf("encoding lock: %w", err)
	}

	path := s.lockPath(environment)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err == nil {
		if _, werr := f.Write(content); werr != nil {
			f.Close()
			os.Remove(path)
			return nil, fmt.Errorf("writing lock file: %w", werr)
		}
		return lock, f.Close()
	}
	if !os.IsExist(err) {
		return nil, fmt.Errorf("creating lock file: %w", err)
	}

	existing, rerr := s.readLock(path)
	if rerr != nil {
		// Unreadable or half-written lock file. Treat it as held by an
		// unknown process rather than clobbering it.
		return nil, &LockHeldError{Environment: environment, Holder: "unknown"}
	}
	if time.Since(existing.CreatedAt) > s.staleAfter {
		s.removeIfUnchanged(path, existing.ID)
		return nil, &LockHeldError{Environment: environment, Holder: existing.Holder, Since: existing.CreatedAt}
	}
	return nil, &LockHeldError{Environment: environment, Holder: existing.Holder, Since: existing.CreatedAt}
}

// removeIfUnchanged deletes the lock file only while it still carries
// the given lock ID. A stale lock that was released and re-acquired
// between the staleness check and the removal stays untouched.
func (s *LocalStore) removeIfUnchanged(path, id string) {
	current, err := s.readLock(path)
	if err != nil || current.ID != id {
		return
	}
	os.Remove(path)
}

func (s *LocalStore) readLock(path string) (*Lock, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var lock Lock
	if err := json.Unmarshal(raw, &lock); err != nil {
		return nil, err
	}
	return &lock, nil
}

func (s *LocalStore) ReleaseLock(ctx context.Context, lock *Lock) error {
	path := s.lockPath(lock.Environment)
	existing, err := s.readLock(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("lock for environment %q is not held", lock.Environment)
		}
		return fmt.Errorf("reading lock file: %w", err)
	}
	if existing.ID != lock.ID {
		return fmt.Errorf("lock for environment %q is held by %q, not by this run", lock.Environment, existing.Holder)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("removing lock file: %w", err)
	}
	return nil
}

func (s *LocalStore) Environments(ctx context.Context) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("listing environments: %w", err)
	}
	envs := make([]string, 0, len(matches))
	for _, m := range matches {
		envs = append(envs, strings.TrimSuffix(filepath.Base(m), ".json"))
	}
	sort.Strings(envs)
	return envs, nil
}

func (s *LocalStore) Close() error { return nil }

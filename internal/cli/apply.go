package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/strata-io/strata/internal/engine"
	"github.com/strata-io/strata/internal/ir"
	"github.com/strata-io/strata/internal/telemetry"
)

var (
	applyAutoApprove   bool
	applyParallelism   int
	applyLockTimeout   time.Duration
	applyTelemetryAddr string
)

var applyCmd = &cobra.Command{
	Use:   "apply [path]",
	Short: "Apply the composition to its environment",
	Long: `Plans the composition against the environment's snapshot and executes
the change-set under the environment lock.

Each operation's result lands in an in-progress snapshot buffer, and the
buffer is persisted with an incremented serial whether the run completes,
aborts on a fatal error, or is canceled. A run where nothing was applied
exits 2; a partially applied run exits 3.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runApply,
}

func init() {
	applyCmd.Flags().BoolVar(&applyAutoApprove, "auto-approve", false, "Skip interactive approval of the plan")
	applyCmd.Flags().IntVar(&applyParallelism, "parallelism", 0, "Max concurrent operations (0 uses settings)")
	applyCmd.Flags().DurationVar(&applyLockTimeout, "lock-timeout", 0, "How long to wait for the environment lock (0 uses settings)")
	applyCmd.Flags().StringVar(&applyTelemetryAddr, "telemetry-addr", "", "Serve Prometheus metrics on this address during the run")
}

func runApply(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	comp, defs, err := loadProject(args)
	if err != nil {
		return err
	}

	return executeRun(ctx, comp.Environment, func(eng *engine.Engine, snap *ir.Snapshot) (*ir.ChangeSet, error) {
		return eng.CreatePlan(ctx, comp, defs, snap)
	})
}

// executeRun is the lock/plan/confirm/apply path shared by the apply and
// destroy commands. The plan callback runs against the snapshot read
// under the lock, so the change-set can never be stale.
func executeRun(ctx context.Context, environment string, plan func(*engine.Engine, *ir.Snapshot) (*ir.ChangeSet, error)) error {
	if applyTelemetryAddr != "" {
		go serveTelemetry(applyTelemetryAddr)
	}

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	lockTimeout := applyLockTimeout
	if lockTimeout <= 0 {
		lockTimeout = settings.Apply.LockTimeout
	}

	fmt.Printf("Acquiring lock for environment %q... ", environment)
	lockStart := time.Now()
	lck, err := store.AcquireLock(ctx, environment, lockHolder(), lockTimeout)
	if err != nil {
		fmt.Println("FAILED")
		return err
	}
	fmt.Println("OK")
	telemetry.ObserveLockWait(time.Since(lockStart))
	defer func() {
		if rerr := store.ReleaseLock(context.WithoutCancel(ctx), lck); rerr != nil {
			fmt.Fprintf(os.Stderr, "Warning: %s\n", rerr)
		}
	}()

	snap, err := readSnapshot(ctx, store, environment)
	if err != nil {
		return err
	}

	eng, registry := newEngine()
	if applyParallelism > 0 {
		eng.Parallelism = applyParallelism
	}

	fmt.Print("Calculating plan... ")
	cs, err := plan(eng, snap)
	if err != nil {
		fmt.Println("FAILED")
		return err
	}
	fmt.Println("OK")

	if cs.Summary.Changes() == 0 {
		fmt.Printf("No changes. Environment %q is up to date.\n", environment)
		return nil
	}

	fmt.Printf("\nStrata will perform the following actions in %q:\n", environment)
	renderChangeSet(cs)
	renderPlanSummary(cs)

	if !applyAutoApprove {
		if !confirm("\nDo you want to perform these actions? (y/n): ") {
			fmt.Println("Run cancelled.")
			return nil
		}
	}

	if err := registry.ConfigureAll(ctx, settings.Providers); err != nil {
		return err
	}

	fmt.Printf("\nApplying %d changes...\n", cs.Summary.Changes())
	result, err := eng.Apply(ctx, cs, snap, lck, store, printApplyEvent)
	if result != nil {
		fmt.Printf("\nRun %s: %s (serial %d)\n", result.Status, result.Summary, result.Serial)
	}
	if err != nil {
		if result == nil {
			return err
		}
		switch result.Status {
		case engine.RunFailed:
			return exitCode(exitTotalFailure, err)
		case engine.RunPartial:
			return exitCode(exitPartialFailure, err)
		default:
			return err
		}
	}
	return nil
}

// printApplyEvent renders executor progress, one line per transition.
func printApplyEvent(ev engine.ApplyEvent) {
	verb := strings.ToLower(string(ev.Action))
	switch ev.Status {
	case "started":
		fmt.Printf("%s: %s...\n", ev.Address, verb)
	case "completed":
		attempts := ""
		if ev.Attempts > 1 {
			attempts = fmt.Sprintf(" after %d attempts", ev.Attempts)
		}
		fmt.Printf("%s: %s complete%s (%s)\n", ev.Address, verb, attempts, ev.Duration.Round(time.Millisecond))
	case "failed":
		fmt.Printf("%s%s: %s failed: %s%s\n", colorRed, ev.Address, verb, ev.Error, colorReset)
	case "skipped":
		fmt.Printf("%s: skipped\n", ev.Address)
	}
}

// serveTelemetry exposes the metrics endpoint for the life of the
// process. A broken listener must not stop the run.
func serveTelemetry(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: telemetry listener: %s\n", err)
	}
}

package patching

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/breeze-rmm/provision/internal/audit"
	"github.com/breeze-rmm/provision/internal/executor"
	"github.com/breeze-rmm/provision/internal/logging"
	"github.com/breeze-rmm/provision/internal/marker"
	"github.com/breeze-rmm/provision/internal/retry"
)

// PackageManager is the package manager surface the orchestrator drives.
// *WingetProvider and *WindowsUpdateProvider implement it.
type PackageManager interface {
	Scan(ctx context.Context) (UpgradeReport, error)
	Apply(ctx context.Context, id string) (executor.InvocationResult, error)
	Install(ctx context.Context, id string) (executor.InvocationResult, error)
}

// Options wires the orchestrator's collaborators.
type Options struct {
	Policy   retry.Policy
	Reporter marker.Reporter // nil disables the completion marker
	History  *audit.Logger   // nil disables run history
	Label    string
	Version  string
	Hostname string
	Platform string
	Logger   *slog.Logger
	Progress ProgressCallback
}

// Orchestrator runs a batch: scan, apply each update with retries, tally,
// and report completion on a clean run. Work is strictly sequential.
type Orchestrator struct {
	pm   PackageManager
	opts Options
	log  *slog.Logger

	now   func() time.Time
	newID func() string
}

// NewOrchestrator returns an orchestrator for pm.
func NewOrchestrator(pm PackageManager, opts Options) *Orchestrator {
	return &Orchestrator{
		pm:    pm,
		opts:  opts,
		log:   logging.Or(opts.Logger, "patching"),
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// RunBatch performs one full batch. The returned error is non-nil only when
// the batch aborted: a *FatalInitError when the package manager is unusable, or the
// context error on cancellation. Per-update failures are reported through
// BatchResult, never as an error.
func (o *Orchestrator) RunBatch(ctx context.Context) (BatchResult, error) {
	res := BatchResult{
		RunID:       o.newID(),
		State:       StateScanning,
		FailedNames: []string{},
		StartedAt:   o.now().UTC(),
	}
	log := logging.WithRun(o.log, res.RunID)
	history := o.opts.History

	history.Log(audit.EventBatchStarted, res.RunID, map[string]any{
		"hostname": o.opts.Hostname,
		"label":    o.opts.Label,
	})
	log.Info("scanning for updates")

	report, err := o.pm.Scan(ctx)
	if err != nil {
		return o.abort(res, log, StateScanning, err)
	}
	for _, row := range report.Rejected {
		log.Debug("row rejected", "row", row)
	}
	res.Records = report.Records
	history.Log(audit.EventScanCompleted, res.RunID, map[string]any{
		"records":  len(report.Records),
		"rejected": len(report.Rejected),
	})

	if len(report.Records) == 0 {
		log.Info("no updates available")
		res.State = StateDoneNoOp
		o.complete(ctx, &res, log, nil)
		return res, nil
	}

	log.Info("updates available", "count", len(report.Records))
	res.State = StateInstalling
	tally := NewTally()
	applied := make([]string, 0, len(report.Records))

	for i, rec := range report.Records {
		ev := ProgressEvent{
			Phase:       StateInstalling,
			PackageID:   rec.ID,
			PackageName: rec.Name,
			CurrentItem: i + 1,
			TotalItems:  len(report.Records),
		}
		o.progress(ev)

		recLog := log.With(logging.KeyPackageID, rec.ID)
		recLog.Info("applying update",
			"name", rec.Name,
			"from", rec.CurrentVersion,
			"to", rec.AvailableVersion,
		)

		outcome, attempts, inv, err := o.runWithRetry(ctx, recLog, rec.ID, o.pm.Apply)
		if err != nil {
			var failure *UpdateFailure
			if !errors.As(err, &failure) {
				return o.abort(res, log, StateInstalling, err)
			}
			failure.Name = rec.Name
			tally.Record(rec.Name, failure.Outcome)
			ev.Outcome = &failure.Outcome
			o.progress(ev)
			recLog.Error("update failed", logging.KeyError, failure, "attempts", attempts)
			history.Log(audit.EventUpdateFailed, res.RunID, map[string]any{
				"packageId": rec.ID,
				"exitCode":  failure.Outcome.Code,
				"attempts":  attempts,
				"timedOut":  failure.TimedOut,
			})
			continue
		}

		tally.Record(rec.Name, outcome)
		applied = append(applied, rec.ID)
		ev.Outcome = &outcome
		o.progress(ev)
		if needsReboot(inv.Output) {
			res.RebootRequired = true
		}
		logging.Success(recLog, "update applied",
			"outcome", outcome.Kind.String(),
			"attempts", attempts,
			logging.KeyDurationMs, inv.Duration.Milliseconds(),
		)
		history.Log(audit.EventUpdateApplied, res.RunID, map[string]any{
			"packageId": rec.ID,
			"version":   rec.AvailableVersion,
			"outcome":   outcome.Kind.String(),
			"attempts":  attempts,
		})
	}

	res.State = StateAggregating
	agg := tally.Finalize()
	res.Succeeded = agg.Succeeded
	res.Failed = agg.Failed
	res.FailedNames = agg.FailedNames
	log.Warn(fmt.Sprintf("%d succeeded, %d failed", agg.Succeeded, agg.Failed))

	if agg.ExitCode() == 0 {
		res.State = StateDoneSuccess
		o.complete(ctx, &res, log, applied)
		return res, nil
	}

	res.State = StateDonePartialFailure
	res.ExitCode = agg.ExitCode()
	res.FinishedAt = o.now().UTC()
	history.Log(audit.EventBatchCompleted, res.RunID, batchDetails(res))
	log.Error("batch finished with failures", "failed", strings.Join(agg.FailedNames, ", "))
	return res, nil
}

// InstallPackage runs one package install under the same retry and
// classification rules as a batch update, and writes a marker for label on
// success. It returns the process exit code to use.
func (o *Orchestrator) InstallPackage(ctx context.Context, id, label string) (int, error) {
	runID := o.newID()
	log := logging.WithRun(o.log, runID).With(logging.KeyPackageID, id)
	log.Info("installing package")

	outcome, attempts, _, err := o.runWithRetry(ctx, log, id, o.pm.Install)
	if err != nil {
		var failure *UpdateFailure
		if !errors.As(err, &failure) {
			o.opts.History.Log(audit.EventBatchAborted, runID, map[string]any{"packageId": id, "error": err.Error()})
			if isExecutionError(err) {
				return 1, &FatalInitError{Phase: StateInstalling, Err: err}
			}
			return 1, err
		}
		log.Error("install failed", logging.KeyError, failure, "attempts", attempts)
		o.opts.History.Log(audit.EventInstallResult, runID, map[string]any{
			"packageId": id, "exitCode": failure.Outcome.Code, "attempts": attempts,
		})
		return 1, nil
	}

	logging.Success(log, "package installed", "outcome", outcome.Kind.String(), "attempts", attempts)
	o.opts.History.Log(audit.EventInstallResult, runID, map[string]any{
		"packageId": id, "outcome": outcome.Kind.String(), "attempts": attempts,
	})

	opts := o.opts
	if label != "" {
		opts.Label = label
	}
	o.writeMarker(ctx, log, opts, runID, []string{id})
	return 0, nil
}

type invokeFunc func(ctx context.Context, id string) (executor.InvocationResult, error)

// runWithRetry applies one package under the retry policy. It returns an
// *UpdateFailure when every attempt failed. Only an *executor.ExecutionError
// or a context error stops the batch; other invoke errors are retried and
// tallied as ExitUnspecifiedFailure.
func (o *Orchestrator) runWithRetry(ctx context.Context, log *slog.Logger, id string, invoke invokeFunc) (Outcome, int, executor.InvocationResult, error) {
	var (
		outcome  Outcome
		attempts int
		last     executor.InvocationResult
	)

	policy := o.opts.Policy
	policy.Logger = log
	err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		attempts = attempt
		inv, err := invoke(ctx, id)
		if err != nil {
			if isExecutionError(err) || cancellation(err) != nil {
				return retry.Permanent(err)
			}
			// Any other error belongs to this update alone.
			last = executor.InvocationResult{ExitCode: ExitUnspecifiedFailure, Output: err.Error()}
			outcome = Classify(ExitUnspecifiedFailure)
			log.Warn("attempt failed",
				logging.KeyAttempt, attempt,
				logging.KeyExitCode, FormatExitCode(ExitUnspecifiedFailure),
				logging.KeyError, err,
			)
			return &UpdateFailure{ID: id, Outcome: outcome, Attempts: attempt, Err: err}
		}
		last = inv
		outcome = Classify(inv.ExitCode)
		if outcome.IsSuccess() {
			return nil
		}
		log.Warn("attempt failed",
			logging.KeyAttempt, attempt,
			logging.KeyExitCode, FormatExitCode(inv.ExitCode),
			"timedOut", inv.TimedOut,
		)
		return &UpdateFailure{ID: id, Outcome: outcome, Attempts: attempt, TimedOut: inv.TimedOut}
	})
	return outcome, attempts, last, err
}

func (o *Orchestrator) complete(ctx context.Context, res *BatchResult, log *slog.Logger, applied []string) {
	res.ExitCode = 0
	res.MarkerWritten = o.writeMarker(ctx, log, o.opts, res.RunID, applied)
	res.FinishedAt = o.now().UTC()
	o.opts.History.Log(audit.EventBatchCompleted, res.RunID, batchDetails(*res))
	logging.Success(log, "batch complete", "state", string(res.State))
}

// writeMarker reports completion. A failure is logged and never changes the
// run's exit code.
func (o *Orchestrator) writeMarker(ctx context.Context, log *slog.Logger, opts Options, runID string, applied []string) bool {
	if opts.Reporter == nil {
		return false
	}
	if applied == nil {
		applied = []string{}
	}
	now := o.now()
	m := marker.Marker{
		Label:       opts.Label,
		Version:     marker.VersionStamp(opts.Version, now),
		CompletedAt: now.UTC(),
		Hostname:    opts.Hostname,
		Platform:    opts.Platform,
		RunID:       runID,
		Applied:     applied,
	}
	if err := opts.Reporter.Report(ctx, m); err != nil {
		log.Error("failed to write completion marker", "label", m.Label, logging.KeyError, err)
		return false
	}
	opts.History.Log(audit.EventMarkerWritten, runID, map[string]any{
		"label":   m.Label,
		"version": m.Version,
		"sinks":   opts.Reporter.Name(),
	})
	log.Info("completion marker written", "label", m.Label, "version", m.Version)
	return true
}

func (o *Orchestrator) abort(res BatchResult, log *slog.Logger, phase State, err error) (BatchResult, error) {
	res.State = StateFailed
	res.ExitCode = 1
	res.FinishedAt = o.now().UTC()

	if ctxErr := cancellation(err); ctxErr != nil {
		log.Error("batch cancelled", "phase", string(phase), logging.KeyError, err)
		o.opts.History.Log(audit.EventBatchAborted, res.RunID, map[string]any{"phase": string(phase), "error": err.Error()})
		return res, ctxErr
	}

	fatal := &FatalInitError{Phase: phase, Err: err}
	log.Error("package manager unavailable, aborting batch", "phase", string(phase), logging.KeyError, err)
	o.opts.History.Log(audit.EventBatchAborted, res.RunID, map[string]any{"phase": string(phase), "error": err.Error()})
	return res, fatal
}

// cancellation returns err when it is a context cancellation or deadline.
func cancellation(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

func isExecutionError(err error) bool {
	var execErr *executor.ExecutionError
	return errors.As(err, &execErr)
}

// needsReboot matches the wording winget and the update agent use when an
// installer asks for a restart.
func needsReboot(output string) bool {
	lower := strings.ToLower(output)
	return strings.Contains(lower, "restart") || strings.Contains(lower, "reboot")
}

func batchDetails(res BatchResult) map[string]any {
	return map[string]any{
		"state":          string(res.State),
		"succeeded":      res.Succeeded,
		"failed":         res.Failed,
		"failedNames":    res.FailedNames,
		"exitCode":       res.ExitCode,
		"rebootRequired": res.RebootRequired,
		"markerWritten":  res.MarkerWritten,
	}
}

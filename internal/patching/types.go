package patching

import (
	"fmt"
	"time"
)

// UpdateRecord is one pending update reported by the package manager.
type UpdateRecord struct {
	Name             string `json:"name"`
	ID               string `json:"id"`
	CurrentVersion   string `json:"currentVersion"`
	AvailableVersion string `json:"availableVersion"`
	Source           string `json:"source,omitempty"`
}

// OutcomeKind classifies the exit code of one apply or install.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeAlreadySatisfied
	OutcomeUpdateAvailable
	OutcomeFailure
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeAlreadySatisfied:
		return "already_satisfied"
	case OutcomeUpdateAvailable:
		return "update_available"
	case OutcomeFailure:
		return "failure"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", int(k))
	}
}

// Outcome is the classification of one exit code. Code is kept for every
// kind so log lines can show what the installer actually returned.
type Outcome struct {
	Kind OutcomeKind
	Code int
}

// IsSuccess reports whether the outcome counts toward the succeeded total.
// AlreadySatisfied and UpdateAvailable are success-equivalent.
func (o Outcome) IsSuccess() bool {
	return o.Kind != OutcomeFailure
}

func (o Outcome) String() string {
	if o.Kind == OutcomeFailure {
		return fmt.Sprintf("failure(%s)", FormatExitCode(o.Code))
	}
	return o.Kind.String()
}

// AggregateResult is the final tally of a batch.
type AggregateResult struct {
	Succeeded   int      `json:"succeeded"`
	Failed      int      `json:"failed"`
	FailedNames []string `json:"failedNames"`
}

// ExitCode is 0 when nothing failed and 1 otherwise.
func (a AggregateResult) ExitCode() int {
	if a.Failed == 0 {
		return 0
	}
	return 1
}

// State is a step of the batch state machine.
type State string

const (
	StateScanning           State = "scanning"
	StateInstalling         State = "installing"
	StateAggregating        State = "aggregating"
	StateDoneNoOp           State = "done_noop"
	StateDoneSuccess        State = "done_success"
	StateDonePartialFailure State = "done_partial_failure"
	StateFailed             State = "failed"
)

// BatchResult describes one full orchestrator run.
type BatchResult struct {
	RunID          string         `json:"runId"`
	State          State          `json:"state"`
	Records        []UpdateRecord `json:"records"`
	Succeeded      int            `json:"succeeded"`
	Failed         int            `json:"failed"`
	FailedNames    []string       `json:"failedNames"`
	ExitCode       int            `json:"exitCode"`
	RebootRequired bool           `json:"rebootRequired"`
	MarkerWritten  bool           `json:"markerWritten"`
	StartedAt      time.Time      `json:"startedAt"`
	FinishedAt     time.Time      `json:"finishedAt"`
}

package pipeline

import (
	"errors"
	"time"

	"github.com/emberworks/cascade/internal/validate"
)

// InputKey is the run-context key holding the caller's initial input.
const InputKey = "input"

// Status is a stage lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusValidating Status = "validating"
	StatusRetrying   Status = "retrying"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
)

// ErrConfig marks a workflow rejected before any dispatch.
var ErrConfig = errors.New("pipeline: invalid configuration")

// Participant is one member of a collaborative stage.
type Participant struct {
	// Role resolves the participant's persona and candidate models.
	Role string `koanf:"role"`

	// PrimaryModel optionally replaces the role's primary; the role's
	// backups still apply.
	PrimaryModel string `koanf:"primary_model"`
}

// StageDefinition declares one pipeline stage. A stage with Participants is
// collaborative: every participant answers the same prompt under its own
// role and the outputs are merged.
type StageDefinition struct {
	ID string `koanf:"id"`

	// Task describes what the stage produces. It frames the prompt and is
	// the retrieval query for stages consuming this stage's output.
	Task string `koanf:"task"`

	// Role resolves the persona for a standard stage.
	Role string `koanf:"role"`

	// InputKeys name run-context entries joined into the prompt, in order.
	InputKeys []string `koanf:"input_keys"`

	// OutputKey is where the accepted output lands in the run context.
	OutputKey string `koanf:"output_key"`

	// Models overrides the role's candidate list when set.
	Models []string `koanf:"models"`

	// Validation overrides the role's output spec when non-empty.
	Validation validate.Spec `koanf:"validation"`

	// MaxRetries bounds validation retries (attempts = MaxRetries + 1).
	MaxRetries int `koanf:"max_retries"`

	Participants []Participant `koanf:"participants"`

	Temperature float64 `koanf:"temperature"`
	MaxTokens   int     `koanf:"max_tokens"`
}

// Collaborative reports whether the stage fans out to participants.
func (s StageDefinition) Collaborative() bool {
	return len(s.Participants) > 0
}

// StageStatus is the recorded lifecycle of one stage in a run.
type StageStatus struct {
	Stage string `json:"stage"`

	Status Status `json:"status"`

	// Attempts counts generation attempts including validation retries.
	Attempts int `json:"attempts"`

	// Model is the candidate that produced the accepted output.
	Model string `json:"model,omitempty"`

	// Error is the failure or skip reason, recorded verbatim.
	Error string `json:"error,omitempty"`

	// Warnings are tolerated validation gaps on an accepted output.
	Warnings []string `json:"warnings,omitempty"`

	StartedAt   time.Time `json:"started_at,omitzero"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
}

// ParticipantResult is one participant's outcome within a collaborative
// stage.
type ParticipantResult struct {
	Role   string `json:"role"`
	Model  string `json:"model,omitempty"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Run is the result of executing a workflow. Outputs holds every produced
// value, including partial collaborative output of failed stages; Statuses
// records every stage in declaration order with verbatim failure reasons.
type Run struct {
	ID string `json:"id"`

	Outputs map[string]string `json:"outputs"`

	Statuses []StageStatus `json:"statuses"`

	// Participants holds per-participant results by stage id for
	// collaborative stages.
	Participants map[string][]ParticipantResult `json:"participants,omitempty"`

	// PartiallyFailed is set when any stage failed or was skipped.
	PartiallyFailed bool `json:"partially_failed"`

	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// StageStatus returns the recorded status for a stage id.
func (r *Run) StageStatus(stageID string) (StageStatus, bool) {
	for _, s := range r.Statuses {
		if s.Stage == stageID {
			return s, true
		}
	}
	return StageStatus{}, false
}

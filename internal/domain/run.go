package domain

import "time"

// RunStatus is the run state machine:
// idle -> running -> {paused, done, error, stopped}; paused -> running.
// done, error and stopped are terminal.
type RunStatus string

const (
	RunIdle    RunStatus = "idle"
	RunRunning RunStatus = "running"
	RunPaused  RunStatus = "paused"
	RunDone    RunStatus = "done"
	RunError   RunStatus = "error"
	RunStopped RunStatus = "stopped"
)

// Terminal reports whether no further turns may be scheduled for the run
func (s RunStatus) Terminal() bool {
	return s == RunDone || s == RunError || s == RunStopped
}

// StartMode selects whether a started run keeps turning until a terminal
// state or pauses after exactly one turn
type StartMode string

const (
	StartAuto StartMode = "auto"
	StartStep StartMode = "step"
)

// PauseReason is the machine-readable code attached to a pause
type PauseReason string

const (
	PauseRequested       PauseReason = "PAUSE_REQUESTED"
	PauseStepComplete    PauseReason = "STEP_COMPLETE"
	PauseManagerInvalid  PauseReason = "MANAGER_OUTPUT_INVALID"
	PauseExecutorInvalid PauseReason = "EXECUTOR_OUTPUT_INVALID"
	PauseDangerous       PauseReason = "DANGEROUS_COMMAND"
	PauseGitDirty        PauseReason = "GIT_DIRTY"
	PauseGitStatusFailed PauseReason = "GIT_STATUS_FAILED"
	PauseNoProgress      PauseReason = "NO_PROGRESS"
)

// Terminal error codes recorded in Run.Error
const (
	ErrCodeMaxTurns    = "MAX_TURNS"
	ErrCodeTurnTimeout = "TURN_TIMEOUT"
)

// RunOptions are the per-run knobs persisted alongside the run
type RunOptions struct {
	MaxTurns        int           `json:"maxTurns"`
	TurnTimeout     time.Duration `json:"turnTimeout"`
	GuardDangerous  bool          `json:"guardDangerous"`
	GuardGitClean   bool          `json:"guardGitClean"`
	NoProgressLimit int           `json:"noProgressLimit"` // 0 disables the guard
}

// Run is one negotiation between a manager and an executor session.
// TurnIndex counts completed turns.
type Run struct {
	ID                string
	WorkspaceID       string
	ManagerSessionID  string
	ExecutorSessionID string
	Status            RunStatus
	TurnIndex         int
	Options           RunOptions
	Error             string
	CreatedAt         time.Time
	StartedAt         *time.Time
	EndedAt           *time.Time
}

// RoleMeta captures how one role's provider call went on a turn
type RoleMeta struct {
	ExitCode          int      `json:"exitCode"`
	Signal            string   `json:"signal,omitempty"`
	Strategy          string   `json:"strategy,omitempty"`
	Resumed           bool     `json:"resumed"`
	ProviderSessionID string   `json:"providerSessionId,omitempty"`
	Aborted           bool     `json:"aborted,omitempty"`
	AttemptErrors     []string `json:"attemptErrors,omitempty"`
}

// Turn is one manager-then-executor exchange. Immutable once both roles
// have completed; append-only within a run.
type Turn struct {
	ID                 string
	RunID              string
	Idx                int // 1-based, unique per run
	ManagerPromptPath  string
	ExecutorPromptPath string
	ManagerOutput      string
	ExecutorOutput     string
	ManagerMeta        *RoleMeta
	ExecutorMeta       *RoleMeta
	StartedAt          time.Time
	EndedAt            *time.Time
}

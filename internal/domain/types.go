package domain

import "time"

// Role identifies which side of the negotiation a session plays
type Role string

const (
	RoleManager  Role = "manager"
	RoleExecutor Role = "executor"
)

// Valid reports whether the role is one of the two known roles
func (r Role) Valid() bool {
	return r == RoleManager || r == RoleExecutor
}

// SandboxMode controls how much filesystem/network access the agent
// subprocess is granted
type SandboxMode string

const (
	SandboxReadOnly       SandboxMode = "read-only"
	SandboxWorkspaceWrite SandboxMode = "workspace-write"
	SandboxFullAccess     SandboxMode = "full-access"
)

// ResumeMode controls how a provider may use a captured session handle
type ResumeMode string

const (
	// ResumeAuto tries resume first and falls back to stateless
	ResumeAuto ResumeMode = "auto"
	// ResumeOnly forbids the stateless fallback
	ResumeOnly ResumeMode = "resume-only"
	// ResumeNever always invokes the backend stateless
	ResumeNever ResumeMode = "never"
)

// SessionConfig is the recognized per-session option set.
// It replaces the untyped JSON bag the backends are configured with;
// unknown provider flags go through ExtraArgs verbatim.
type SessionConfig struct {
	Sandbox             SandboxMode `json:"sandbox,omitempty"`
	Resume              ResumeMode  `json:"resume,omitempty"`
	Model               string      `json:"model,omitempty"`
	SystemPromptPath    string      `json:"systemPromptPath,omitempty"`
	RolloverSummaryPath string      `json:"rolloverSummaryPath,omitempty"`
	AllowedTools        []string    `json:"allowedTools,omitempty"`
	DisallowedTools     []string    `json:"disallowedTools,omitempty"`
	// RequireJSON forbids the plain-text fallback attempts. Session id
	// capture only works in structured output mode.
	RequireJSON bool `json:"requireJson,omitempty"`
	// AllowContinueLast permits backend-specific "continue most recent
	// conversation" fallbacks that address state outside our handle
	AllowContinueLast bool     `json:"allowContinueLast,omitempty"`
	ExtraArgs         []string `json:"extraArgs,omitempty"`
}

// Workspace is the root a manager/executor pair works against.
// Doc paths must resolve inside RootDir.
type Workspace struct {
	ID               string
	Name             string
	RootDir          string
	PlanPath         string
	ConventionPath   string
	RequirementsPath string
	CreatedAt        time.Time
}

// Session is the unit of conversational continuity with one agent backend.
// Once ProviderSessionID is captured, later turns must address that backend
// session via its resume mechanism until an explicit rollover clears it.
type Session struct {
	ID                string
	WorkspaceID       string
	Role              Role
	Provider          string
	ProviderSessionID string
	Config            SessionConfig
	LastActiveAt      time.Time
	CreatedAt         time.Time
}

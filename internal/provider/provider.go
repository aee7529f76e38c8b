// Package provider drives external agent backends as subprocesses behind
// a uniform interface. Each adapter owns an ordered resume/fallback
// attempt plan; the caller sees a single Result with every attempt
// accounted for.
package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/duetorch/duet/internal/domain"
)

// Request describes one provider invocation
type Request struct {
	Prompt  string
	Dir     string // agent working directory; never mutated by the provider itself
	OutDir  string // artifact capture root for this call
	Sandbox domain.SandboxMode
	Config  domain.SessionConfig
	// ProviderSessionID is the resume handle, empty for a seed call
	ProviderSessionID string
	// RequireSessionID demands a fresh session id be captured from the
	// stream (used the first time a session is seeded)
	RequireSessionID bool
	OnPartial        func(text string)
	OnStderrLine     func(line string)
}

// AttemptError records one failed attempt in the fallback chain
type AttemptError struct {
	Strategy string `json:"strategy"`
	ExitCode int    `json:"exitCode"`
	Signal   string `json:"signal,omitempty"`
	Message  string `json:"message"`
}

// Result is the outcome of a provider call after the attempt chain ran
type Result struct {
	ExitCode          int
	Signal            string
	LastMessage       string
	ProviderSessionID string
	UsedResume        bool
	UsedJSON          bool
	Strategy          string
	Aborted           bool
	Errors            []AttemptError
	Paths             []string // per-attempt artifact directories
}

// Provider launches an external agent and streams its output
type Provider interface {
	Name() string
	Run(ctx context.Context, req Request) (*Result, error)
}

var (
	regMu    sync.RWMutex
	registry = make(map[string]Provider)
)

// Register makes a provider available under its name. Later
// registrations with the same name replace earlier ones, which lets
// tests swap in the fake.
func Register(p Provider) {
	regMu.Lock()
	defer regMu.Unlock()
	registry[p.Name()] = p
}

// Get returns the provider registered under name
func Get(name string) (Provider, error) {
	regMu.RLock()
	defer regMu.RUnlock()
	p, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unsupported provider %q", name)
	}
	return p, nil
}

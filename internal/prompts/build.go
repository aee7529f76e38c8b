package prompts

// TurnData holds template variables for manager and executor prompts.
// Builders are pure: no side effects, no I/O beyond template loading.
type TurnData struct {
	TurnIndex       int
	Plan            string
	Conventions     string
	RepoContext     string
	RolloverSummary string
	LastPacket      string
	LastExecLog     string
	ManagerPacket   string
	Injected        []string
}

// BuildManagerSeedPrompt renders the full-context manager prompt for the
// first turn of a resumable session. A non-empty RolloverSummary stands
// in for the plan when the session was just rolled over.
func (l *Loader) BuildManagerSeedPrompt(data TurnData) (string, error) {
	return l.Execute("turn/manager_seed.md", data)
}

// BuildManagerDeltaPrompt renders the cheap follow-up manager prompt for
// later turns of a resumed session: digest-sized repo context, no
// restated plan.
func (l *Loader) BuildManagerDeltaPrompt(data TurnData) (string, error) {
	return l.Execute("turn/manager_delta.md", data)
}

// BuildExecutorSeedPrompt renders the executor prompt for the first turn
// of a resumable executor session, including plan and conventions.
func (l *Loader) BuildExecutorSeedPrompt(data TurnData) (string, error) {
	return l.Execute("turn/executor_seed.md", data)
}

// BuildExecutorPrompt renders the ordinary executor prompt.
func (l *Loader) BuildExecutorPrompt(data TurnData) (string, error) {
	return l.Execute("turn/executor.md", data)
}

// AskData holds template variables for ask-thread sends.
type AskData struct {
	Question    string
	Plan        string
	RepoContext string
}

// BuildAskPrompt renders a one-shot ask-thread prompt.
func (l *Loader) BuildAskPrompt(data AskData) (string, error) {
	return l.Execute("ask/question.md", data)
}

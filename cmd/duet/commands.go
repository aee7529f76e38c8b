package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/duetorch/duet/internal/domain"
	"github.com/duetorch/duet/internal/store"
)

var (
	wsName         string
	wsRoot         string
	wsPlan         string
	wsConventions  string
	wsRequirements string

	sessWorkspace string
	sessRole      string
	sessProvider  string
	sessModel     string
	sessSandbox   string
	sessResume    string

	runWorkspace  string
	runManager    string
	runExecutor   string
	runMaxTurns   int
	runTimeoutSec int
	runGuards     bool
	runNoProgress int

	startStep  bool
	injectRole string

	askWorkspace string
	askThread    string

	tailSince  int64
	tailFollow bool
)

func init() {
	// workspace commands
	workspaceCmd := &cobra.Command{
		Use:   "workspace",
		Short: "Manage workspaces",
	}
	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Register a workspace",
		RunE:  runWorkspaceAdd,
	}
	addCmd.Flags().StringVar(&wsName, "name", "", "display name")
	addCmd.Flags().StringVar(&wsRoot, "root", "", "absolute root directory")
	addCmd.Flags().StringVar(&wsPlan, "plan", "", "plan document path (relative to root)")
	addCmd.Flags().StringVar(&wsConventions, "conventions", "", "conventions document path")
	addCmd.Flags().StringVar(&wsRequirements, "requirements", "", "requirements document path")
	addCmd.MarkFlagRequired("name")
	addCmd.MarkFlagRequired("root")
	workspaceCmd.AddCommand(addCmd)
	workspaceCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List workspaces",
		RunE:  runWorkspaceList,
	})
	rootCmd.AddCommand(workspaceCmd)

	// session commands
	sessionCmd := &cobra.Command{
		Use:   "session",
		Short: "Manage agent sessions",
	}
	sessAddCmd := &cobra.Command{
		Use:   "add",
		Short: "Create a session",
		RunE:  runSessionAdd,
	}
	sessAddCmd.Flags().StringVar(&sessWorkspace, "workspace", "", "workspace id")
	sessAddCmd.Flags().StringVar(&sessRole, "role", "", "manager or executor")
	sessAddCmd.Flags().StringVar(&sessProvider, "provider", "claude", "provider name")
	sessAddCmd.Flags().StringVar(&sessModel, "model", "", "model override")
	sessAddCmd.Flags().StringVar(&sessSandbox, "sandbox", "workspace-write", "sandbox mode")
	sessAddCmd.Flags().StringVar(&sessResume, "resume", "auto", "resume mode: auto, resume-only, never")
	sessAddCmd.MarkFlagRequired("workspace")
	sessAddCmd.MarkFlagRequired("role")
	sessionCmd.AddCommand(sessAddCmd)
	sessRolloverCmd := &cobra.Command{
		Use:   "rollover SESSION [SUMMARY_PATH]",
		Short: "Reset a session's resume handle, seeding next turn from a summary",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runSessionRollover,
	}
	sessionCmd.AddCommand(sessRolloverCmd)
	rootCmd.AddCommand(sessionCmd)

	// run commands
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Manage runs",
	}
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a run",
		RunE:  runRunCreate,
	}
	createCmd.Flags().StringVar(&runWorkspace, "workspace", "", "workspace id")
	createCmd.Flags().StringVar(&runManager, "manager", "", "manager session id")
	createCmd.Flags().StringVar(&runExecutor, "executor", "", "executor session id")
	createCmd.Flags().IntVar(&runMaxTurns, "max-turns", 0, "turn budget (0 = configured default)")
	createCmd.Flags().IntVar(&runTimeoutSec, "turn-timeout", 0, "per-turn timeout in seconds")
	createCmd.Flags().BoolVar(&runGuards, "guards", true, "enable dangerous-command and git-clean guards")
	createCmd.Flags().IntVar(&runNoProgress, "no-progress-limit", 3, "pause after N stalled turns (0 disables)")
	createCmd.MarkFlagRequired("workspace")
	createCmd.MarkFlagRequired("manager")
	createCmd.MarkFlagRequired("executor")
	runCmd.AddCommand(createCmd)

	startCmd := &cobra.Command{
		Use:   "start RUN",
		Short: "Start or resume a run",
		Args:  cobra.ExactArgs(1),
		RunE:  runRunStart,
	}
	startCmd.Flags().BoolVar(&startStep, "step", false, "pause after exactly one turn")
	runCmd.AddCommand(startCmd)

	runCmd.AddCommand(&cobra.Command{
		Use:   "pause RUN",
		Short: "Pause a run at the next turn boundary",
		Args:  cobra.ExactArgs(1),
		RunE:  runRunPause,
	})
	runCmd.AddCommand(&cobra.Command{
		Use:   "stop RUN",
		Short: "Stop a run, cancelling any in-flight provider call",
		Args:  cobra.ExactArgs(1),
		RunE:  runRunStop,
	})
	injectCmd := &cobra.Command{
		Use:   "inject RUN MESSAGE",
		Short: "Queue an operator message for the next prompt",
		Args:  cobra.ExactArgs(2),
		RunE:  runRunInject,
	}
	injectCmd.Flags().StringVar(&injectRole, "role", "manager", "target role")
	runCmd.AddCommand(injectCmd)

	runCmd.AddCommand(&cobra.Command{
		Use:   "status RUN",
		Short: "Show a run and its turns",
		Args:  cobra.ExactArgs(1),
		RunE:  runRunStatus,
	})
	listRunsCmd := &cobra.Command{
		Use:   "list",
		Short: "List runs in a workspace",
		RunE:  runRunList,
	}
	listRunsCmd.Flags().StringVar(&runWorkspace, "workspace", "", "workspace id")
	listRunsCmd.MarkFlagRequired("workspace")
	runCmd.AddCommand(listRunsCmd)
	rootCmd.AddCommand(runCmd)

	// ask commands
	askCmd := &cobra.Command{
		Use:   "ask QUESTION",
		Short: "Ask a one-shot question against a workspace",
		Args:  cobra.ExactArgs(1),
		RunE:  runAsk,
	}
	askCmd.Flags().StringVar(&askWorkspace, "workspace", "", "workspace id")
	askCmd.Flags().StringVar(&askThread, "thread", "default", "thread id")
	askCmd.MarkFlagRequired("workspace")
	rootCmd.AddCommand(askCmd)

	// events command
	tailCmd := &cobra.Command{
		Use:   "events RUN",
		Short: "Print a run's event log",
		Args:  cobra.ExactArgs(1),
		RunE:  runEventsTail,
	}
	tailCmd.Flags().Int64Var(&tailSince, "since", 0, "start after this sequence number")
	tailCmd.Flags().BoolVar(&tailFollow, "follow", false, "keep polling for new events")
	rootCmd.AddCommand(tailCmd)
}

func runWorkspaceAdd(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	var resp struct {
		ID string `json:"id"`
	}
	err = client.post("/api/workspaces", map[string]string{
		"name":              wsName,
		"root_dir":          wsRoot,
		"plan_path":         wsPlan,
		"convention_path":   wsConventions,
		"requirements_path": wsRequirements,
	}, &resp)
	if err != nil {
		return err
	}
	fmt.Printf("Workspace created: %s\n", resp.ID)
	return nil
}

func runWorkspaceList(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	var workspaces []struct {
		ID      string `json:"id"`
		Name    string `json:"name"`
		RootDir string `json:"root_dir"`
	}
	if err := client.get("/api/workspaces", &workspaces); err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tROOT")
	for _, ws := range workspaces {
		fmt.Fprintf(w, "%s\t%s\t%s\n", ws.ID, ws.Name, ws.RootDir)
	}
	return w.Flush()
}

func runSessionAdd(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	var resp struct {
		ID string `json:"id"`
	}
	err = client.post("/api/sessions", map[string]any{
		"workspace_id": sessWorkspace,
		"role":         sessRole,
		"provider":     sessProvider,
		"config": domain.SessionConfig{
			Model:   sessModel,
			Sandbox: domain.SandboxMode(sessSandbox),
			Resume:  domain.ResumeMode(sessResume),
		},
	}, &resp)
	if err != nil {
		return err
	}
	fmt.Printf("Session created: %s\n", resp.ID)
	return nil
}

func runSessionRollover(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	summary := ""
	if len(args) > 1 {
		summary = args[1]
	}
	err = client.post("/api/sessions/"+args[0]+"/rollover", map[string]string{
		"summary_path": summary,
	}, nil)
	if err != nil {
		return err
	}
	fmt.Println("Session rolled over")
	return nil
}

func runRunCreate(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	var resp struct {
		ID string `json:"id"`
	}
	err = client.post("/api/runs", map[string]any{
		"workspace_id":        runWorkspace,
		"manager_session_id":  runManager,
		"executor_session_id": runExecutor,
		"options": domain.RunOptions{
			MaxTurns:        runMaxTurns,
			TurnTimeout:     time.Duration(runTimeoutSec) * time.Second,
			GuardDangerous:  runGuards,
			GuardGitClean:   runGuards,
			NoProgressLimit: runNoProgress,
		},
	}, &resp)
	if err != nil {
		return err
	}
	fmt.Printf("Run created: %s\n", resp.ID)
	return nil
}

func runRunStart(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	mode := string(domain.StartAuto)
	if startStep {
		mode = string(domain.StartStep)
	}
	if err := client.post("/api/runs/"+args[0]+"/start", map[string]string{"mode": mode}, nil); err != nil {
		return err
	}
	fmt.Println("Run started")
	return nil
}

func runRunPause(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	if err := client.post("/api/runs/"+args[0]+"/pause", nil, nil); err != nil {
		return err
	}
	fmt.Println("Pause requested; the in-flight turn will finish first")
	return nil
}

func runRunStop(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	if err := client.post("/api/runs/"+args[0]+"/stop", nil, nil); err != nil {
		return err
	}
	fmt.Println("Run stopping")
	return nil
}

func runRunInject(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	err = client.post("/api/runs/"+args[0]+"/inject", map[string]string{
		"role": injectRole,
		"text": args[1],
	}, nil)
	if err != nil {
		return err
	}
	fmt.Println("Message queued")
	return nil
}

func runRunStatus(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	var run struct {
		ID        string `json:"id"`
		Status    string `json:"status"`
		TurnIndex int    `json:"turn_index"`
		Error     string `json:"error"`
		Active    bool   `json:"active"`
	}
	if err := client.get("/api/runs/"+args[0], &run); err != nil {
		return err
	}
	fmt.Printf("Run %s: %s (turn %d, active=%v)\n", run.ID, run.Status, run.TurnIndex, run.Active)
	if run.Error != "" {
		fmt.Printf("Error: %s\n", run.Error)
	}

	var turns []struct {
		Idx       int     `json:"idx"`
		StartedAt string  `json:"started_at"`
		EndedAt   *string `json:"ended_at"`
	}
	if err := client.get("/api/runs/"+args[0]+"/turns", &turns); err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TURN\tSTARTED\tENDED")
	for _, t := range turns {
		ended := "-"
		if t.EndedAt != nil {
			ended = *t.EndedAt
		}
		fmt.Fprintf(w, "%d\t%s\t%s\n", t.Idx, t.StartedAt, ended)
	}
	return w.Flush()
}

func runRunList(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	var runs []struct {
		ID        string `json:"id"`
		Status    string `json:"status"`
		TurnIndex int    `json:"turn_index"`
		CreatedAt string `json:"created_at"`
	}
	if err := client.get("/api/runs?workspace="+runWorkspace, &runs); err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tTURNS\tCREATED")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", r.ID, r.Status, r.TurnIndex, r.CreatedAt)
	}
	return w.Flush()
}

func runAsk(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	var resp struct {
		ID int64 `json:"id"`
	}
	err = client.post("/api/ask", map[string]string{
		"workspace_id": askWorkspace,
		"thread_id":    askThread,
		"text":         args[0],
	}, &resp)
	if err != nil {
		return err
	}
	fmt.Printf("Queued as message %d on thread %s\n", resp.ID, askThread)

	// Poll for the reply so the command is useful interactively
	for i := 0; i < 120; i++ {
		time.Sleep(2 * time.Second)
		var msgs []struct {
			ID     int64  `json:"id"`
			Status string `json:"status"`
			Reply  string `json:"reply"`
			Error  string `json:"error"`
		}
		if err := client.get(fmt.Sprintf("/api/ask/%s?since=%d", askThread, resp.ID-1), &msgs); err != nil {
			return err
		}
		for _, m := range msgs {
			if m.ID != resp.ID {
				continue
			}
			switch m.Status {
			case "done":
				fmt.Println(m.Reply)
				return nil
			case "failed":
				return fmt.Errorf("ask failed: %s", m.Error)
			}
		}
	}
	return fmt.Errorf("timed out waiting for a reply; message %d is still queued", resp.ID)
}

// runEventsTail reads the event log straight from the database; the
// daemon appends, this only reads, and sqlite handles the concurrency
func runEventsTail(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := store.New(cfg.General.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()

	runID := args[0]
	cursor := tailSince
	for {
		events, err := st.ListEventsAfter(runID, cursor, 0)
		if err != nil {
			return err
		}
		for _, ev := range events {
			fmt.Printf("%6d %s %-8s %-7s %s\n",
				ev.Seq, ev.Ts.Format("15:04:05"), ev.Kind, ev.Role, string(ev.Payload))
			cursor = ev.Seq
		}
		if !tailFollow {
			return nil
		}
		if len(events) == 0 {
			time.Sleep(time.Second)
		}
	}
}

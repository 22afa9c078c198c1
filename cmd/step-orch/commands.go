package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/step-orchestrator/internal/agent"
	"github.com/hochfrequenz/step-orchestrator/internal/approvals"
	"github.com/hochfrequenz/step-orchestrator/internal/config"
	"github.com/hochfrequenz/step-orchestrator/internal/domain"
	"github.com/hochfrequenz/step-orchestrator/internal/engine"
	"github.com/hochfrequenz/step-orchestrator/internal/events"
	"github.com/hochfrequenz/step-orchestrator/internal/github"
	"github.com/hochfrequenz/step-orchestrator/internal/gitops"
	"github.com/hochfrequenz/step-orchestrator/internal/planfile"
	"github.com/hochfrequenz/step-orchestrator/internal/prompts"
	"github.com/hochfrequenz/step-orchestrator/internal/store"
)

var (
	runPlanID    string
	decisionNote string
	serverAddr   string
)

func init() {
	runCmd := &cobra.Command{
		Use:   "run [PLANFILE]",
		Short: "Execute a plan file, or resume a stored plan",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRun,
	}
	runCmd.Flags().StringVar(&runPlanID, "plan", "", "resume a stored plan by ID")
	rootCmd.AddCommand(runCmd)

	plansCmd := &cobra.Command{
		Use:   "plans",
		Short: "List stored plans",
		RunE:  runPlans,
	}
	rootCmd.AddCommand(plansCmd)

	statusCmd := &cobra.Command{
		Use:   "status PLAN",
		Short: "Show the execution state of a plan",
		Args:  cobra.ExactArgs(1),
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)

	watchCmd := &cobra.Command{
		Use:   "watch PLAN",
		Short: "Watch a plan live in the terminal",
		Args:  cobra.ExactArgs(1),
		RunE:  runWatch,
	}
	watchCmd.Flags().StringVar(&serverAddr, "server", "", "watch a remote daemon instead of the local database")
	rootCmd.AddCommand(watchCmd)

	approvalsCmd := &cobra.Command{
		Use:   "approvals",
		Short: "List pending permission requests",
		RunE:  runApprovals,
	}
	rootCmd.AddCommand(approvalsCmd)

	approveCmd := &cobra.Command{
		Use:   "approve REQUEST",
		Short: "Approve a pending permission request",
		Args:  cobra.ExactArgs(1),
		RunE:  decide(true),
	}
	approveCmd.Flags().StringVar(&decisionNote, "note", "", "note for the agent transcript")
	rootCmd.AddCommand(approveCmd)

	denyCmd := &cobra.Command{
		Use:   "deny REQUEST",
		Short: "Deny a pending permission request",
		Args:  cobra.ExactArgs(1),
		RunE:  decide(false),
	}
	denyCmd.Flags().StringVar(&decisionNote, "note", "", "note for the agent transcript")
	rootCmd.AddCommand(denyCmd)

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Ask a running daemon to stop after the current step",
		RunE:  runStop,
	}
	stopCmd.Flags().StringVar(&serverAddr, "server", "", "daemon address (defaults to the configured server)")
	rootCmd.AddCommand(stopCmd)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon: HTTP API plus scheduled plan execution",
		RunE:  runServe,
	}
	rootCmd.AddCommand(serveCmd)
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openStore(cfg *config.Config) (*store.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Paths.DatabasePath), 0755); err != nil {
		return nil, err
	}
	return store.New(cfg.Paths.DatabasePath)
}

// newEngine wires an engine for one plan. The CI client and git reader
// are bound to the plan's working directory.
func newEngine(cfg *config.Config, st *store.Store, hub *events.Hub, plan *domain.Plan) (*engine.Engine, error) {
	spool, err := approvals.NewSpool(cfg.Paths.ApprovalsDir)
	if err != nil {
		return nil, err
	}

	repo := gitops.NewRepo(plan.WorkDir)

	// Plan frontmatter wins; otherwise read the slug off the configured
	// remote.
	owner, name := plan.RepoOwner, plan.RepoName
	if owner == "" || name == "" {
		remoteOwner, remoteName, err := repo.RemoteSlug(cfg.GitHub.Remote)
		if err != nil {
			return nil, fmt.Errorf("resolving repository from remote %q: %w", cfg.GitHub.Remote, err)
		}
		owner, name = remoteOwner, remoteName
	}

	checks := &engine.TrackerChecks{
		Provider: github.NewClient(plan.WorkDir, owner, name),
		Git:      repo,
		MaxWait:  time.Duration(cfg.Agents.BuildTimeoutMinutes) * time.Minute,
		Interval: time.Duration(cfg.GitHub.PollIntervalSeconds) * time.Second,
		Hub:      hub,
	}

	return engine.New(
		st,
		agent.NewClaudeRunner(cfg.Agents.ImplementerCommand),
		agent.NewCodexRunner(cfg.Agents.ReviewerCommand),
		checks,
		repo,
		spool,
		hub,
		prompts.DefaultLoader(plan.WorkDir),
		engine.Options{
			MaxIterations: cfg.Agents.MaxIterations,
			AgentTimeout:  time.Duration(cfg.Agents.AgentTimeoutMinutes) * time.Minute,
			LogsDir:       cfg.Paths.LogsDir,
		},
	), nil
}

// createPlan parses a plan document and stores the plan and its steps.
func createPlan(st *store.Store, path string) (*domain.Plan, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	doc, err := planfile.ParseFile(abs)
	if err != nil {
		return nil, err
	}

	workDir := doc.Meta.WorkDir
	if workDir == "" {
		workDir = filepath.Dir(abs)
	}
	workDir = config.ExpandPath(workDir)

	plan := &domain.Plan{
		ID:        uuid.New().String(),
		PlanPath:  abs,
		WorkDir:   workDir,
		RepoOwner: doc.Meta.RepoOwner,
		RepoName:  doc.Meta.RepoName,
	}
	if err := st.CreatePlan(plan); err != nil {
		return nil, err
	}
	for _, ps := range doc.Steps {
		step := &domain.Step{
			PlanID:  plan.ID,
			Ordinal: ps.Number,
			Title:   ps.Title,
			Status:  domain.StepPending,
		}
		if err := st.CreateStep(step); err != nil {
			return nil, err
		}
	}
	return plan, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	if (len(args) == 0) == (runPlanID == "") {
		return fmt.Errorf("provide either a plan file or --plan")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	var plan *domain.Plan
	if runPlanID != "" {
		plan, err = st.GetPlan(runPlanID)
	} else {
		plan, err = createPlan(st, args[0])
	}
	if err != nil {
		return err
	}

	hub := events.NewHub()
	eng, err := newEngine(cfg, st, hub, plan)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	go printEvents(ctx, hub)

	// First SIGINT requests a stop after the current step; a second
	// aborts immediately.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "stop requested; finishing current step (interrupt again to abort)")
		eng.Stop()
		<-sigCh
		fmt.Fprintln(os.Stderr, "aborting")
		cancel()
	}()

	fmt.Printf("Running plan %s (%s)\n", plan.ID, filepath.Base(plan.PlanPath))
	if err := eng.Run(ctx, plan.ID); err != nil {
		return err
	}
	if eng.StopSignal().Triggered() {
		fmt.Println("Stopped at step boundary; resume with: step-orch run --plan " + plan.ID)
		return nil
	}
	fmt.Println("Plan completed")
	return nil
}

// printEvents mirrors engine progress onto stdout for foreground runs.
func printEvents(ctx context.Context, hub *events.Hub) {
	ch, cancel := hub.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Message != "" {
				fmt.Printf("[%s] %s\n", ev.Type, ev.Message)
			} else {
				fmt.Printf("[%s]\n", ev.Type)
			}
		}
	}
}

func runPlans(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	plans, err := st.ListPlans()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPLAN\tWORKDIR\tCREATED")
	for _, p := range plans {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			p.ID, filepath.Base(p.PlanPath), p.WorkDir, humanize.Time(p.CreatedAt))
	}
	return w.Flush()
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	state, err := st.PlanState(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Plan %s  %s  created %s\n\n",
		state.Plan.ID, state.Plan.PlanPath, humanize.Time(state.Plan.CreatedAt))

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STEP\tTITLE\tSTATUS\tITERATIONS\tLAST")
	for _, ss := range state.Steps {
		last := "-"
		if latest := ss.LatestIteration(); latest != nil {
			it := latest.Iteration
			last = fmt.Sprintf("%s/%s", it.Kind, it.Status)
			if it.BuildOutcome != "" {
				last += " build:" + string(it.BuildOutcome)
			}
			if it.ReviewOutcome != "" {
				last += " review:" + string(it.ReviewOutcome)
			}
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\n",
			ss.Step.Ordinal, ss.Step.Title, ss.Step.Status, len(ss.Iterations), last)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	var openCount int
	for _, ss := range state.Steps {
		for _, issue := range ss.OpenIssues("") {
			if openCount == 0 {
				fmt.Println("\nOpen issues:")
			}
			openCount++
			loc := issue.File
			if issue.Line > 0 {
				loc = fmt.Sprintf("%s:%d", issue.File, issue.Line)
			}
			if loc != "" {
				loc += ": "
			}
			fmt.Printf("  [%s] %s%s\n", issue.Type, loc, issue.Description)
		}
	}
	return nil
}

func runApprovals(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	spool, err := approvals.NewSpool(cfg.Paths.ApprovalsDir)
	if err != nil {
		return err
	}
	pending, err := spool.Pending()
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		fmt.Println("No pending permission requests")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPLAN\tTOOL\tREASON\tAGE")
	for _, req := range pending {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			req.ID, req.PlanID, req.Tool, req.Reason, humanize.Time(req.CreatedAt))
	}
	return w.Flush()
}

func decide(approved bool) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		spool, err := approvals.NewSpool(cfg.Paths.ApprovalsDir)
		if err != nil {
			return err
		}
		if err := spool.Decide(args[0], approved, decisionNote); err != nil {
			return err
		}
		if approved {
			fmt.Printf("Approved %s\n", args[0])
		} else {
			fmt.Printf("Denied %s\n", args[0])
		}
		return nil
	}
}

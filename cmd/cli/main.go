package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cochaviz/petri/arch"
	config "github.com/cochaviz/petri/config"
	"github.com/cochaviz/petri/internal/analysis"
	"github.com/cochaviz/petri/internal/daemon"
	"github.com/cochaviz/petri/internal/evasion"
	"github.com/cochaviz/petri/internal/logging"
	"github.com/cochaviz/petri/internal/models"
	"github.com/cochaviz/petri/internal/scoring"
	"github.com/cochaviz/petri/internal/setup"
)

const defaultLogLevel = "warning"

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	logger := logging.NewCLI(os.Stderr, &levelVar)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(logger, &levelVar)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("command interrupted", "error", err)
			os.Exit(130)
		}
		logger.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// cli carries the state shared by every subcommand.
type cli struct {
	logger     *slog.Logger
	configPath string
}

func (c *cli) loadConfig() (setup.ServiceConfig, error) {
	return setup.LoadOrDefault(c.configPath)
}

func newRootCommand(logger *slog.Logger, levelVar *slog.LevelVar) *cobra.Command {
	setup.SetLogger(logger.With(logging.KeyComponent, "setup"))

	app := &cli{logger: logger}
	logLevel := defaultLogLevel
	logFormat := "cli"

	root := &cobra.Command{
		Use:           "petri",
		Short:         "CLI for 'petri': behavioral analysis of untrusted samples in hardened containers",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "cli", "Log output format (cli, json)")
	root.PersistentFlags().StringVar(&app.configPath, "config", setup.DefaultConfigPath, "Path to the service configuration file")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := parseLogLevel(logLevel)
		if err != nil {
			return err
		}
		if levelVar != nil {
			levelVar.Set(level)
		}
		switch strings.ToLower(logFormat) {
		case "", "cli":
		case "json":
			app.logger = logging.NewJSON(os.Stderr, levelVar)
			slog.SetDefault(app.logger)
			setup.SetLogger(app.logger.With(logging.KeyComponent, "setup"))
		default:
			return fmt.Errorf("unknown log format %q", logFormat)
		}
		return nil
	}

	root.AddCommand(
		newAnalyzeCommand(app),
		newSamplesCommand(app),
		newImageCommand(app),
		newPolicyCommand(),
		newArtifactsCommand(app),
		newHistoryCommand(app),
		newSetupCommand(app),
		newDaemonCommand(app),
	)
	return root
}

func verifySetup(logger *slog.Logger, path string) error {
	logger = logger.With("action", "verify_setup")
	logger.Info("verifying setup state")
	if err := setup.Verify(path); err != nil {
		logger.Error("setup verification failed", "error", err)
		logger.Info("run 'petri setup' to initialize the configuration")
		return err
	}
	logger.Info("setup verification succeeded")
	return nil
}

// executionFlags are the per-run settings shared by 'analyze' and 'daemon start'.
type executionFlags struct {
	timeout     int
	memory      int
	network     bool
	antiEvasion bool
	tier        int
}

func (f *executionFlags) bind(cmd *cobra.Command) {
	d := models.DefaultExecutionConfig()
	cmd.Flags().IntVar(&f.timeout, "timeout", d.TimeoutSecs, fmt.Sprintf("Wall-clock limit in seconds (%d-%d)", models.MinTimeoutSecs, models.MaxTimeoutSecs))
	cmd.Flags().IntVar(&f.memory, "memory", d.MemoryLimitMB, fmt.Sprintf("Memory limit in MB (%d-%d)", models.MinMemoryLimitMB, models.MaxMemoryLimitMB))
	cmd.Flags().BoolVar(&f.network, "network", false, "Attach the sandbox to the isolated capture bridge")
	cmd.Flags().BoolVar(&f.antiEvasion, "anti-evasion", false, "Hide virtualization and analysis markers from the sample")
	cmd.Flags().IntVar(&f.tier, "tier", 0, "Anti-evasion tier (1 markers, 2 markers and behavior)")
}

func (f *executionFlags) config() (models.ExecutionConfig, error) {
	return models.NewExecutionConfig(f.timeout, f.memory, f.network, f.antiEvasion, f.tier)
}

func (f *executionFlags) request(sampleID string) daemon.StartAnalysisRequest {
	return daemon.StartAnalysisRequest{
		SampleID:           sampleID,
		TimeoutSecs:        f.timeout,
		MemoryLimitMB:      f.memory,
		NetworkEnabled:     f.network,
		AntiEvasionEnabled: f.antiEvasion,
		EvasionTier:        f.tier,
	}
}

func newAnalyzeCommand(app *cli) *cobra.Command {
	var (
		flags   executionFlags
		asJSON  bool
		verify  bool
		runtime string
	)

	cmd := &cobra.Command{
		Use:   "analyze <sample>",
		Args:  cobra.ExactArgs(1),
		Short: "Execute a stored sample in a sandbox and report its behavior",
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := strings.TrimSpace(args[0])
			cmdLogger := app.logger.With("command", "analyze", "sample", ref)
			if verify {
				if err := verifySetup(cmdLogger, app.configPath); err != nil {
					return err
				}
			}

			exec, err := flags.config()
			if err != nil {
				return err
			}
			cfg, err := app.loadConfig()
			if err != nil {
				return err
			}
			if runtime != "" {
				cfg.Runtime.Binary = runtime
			}

			result, err := config.RunAnalysis(cmd.Context(), cfg, ref, exec, cmdLogger)
			if result != nil {
				if asJSON {
					if err := printJSON(cmd.OutOrStdout(), result); err != nil {
						return err
					}
				} else {
					printResult(cmd.OutOrStdout(), result)
				}
			}
			return err
		},
	}

	flags.bind(cmd)
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the full result as JSON")
	cmd.Flags().BoolVar(&verify, "verify-setup", false, "Fail unless 'petri setup' has been run")
	cmd.Flags().StringVar(&runtime, "runtime", "", "Container engine binary (overrides the config file)")
	return cmd
}

func newSamplesCommand(app *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "samples",
		Short: "Manage stored samples",
	}

	add := &cobra.Command{
		Use:   "add <path>",
		Args:  cobra.ExactArgs(1),
		Short: "Store a sample file, or every file of an ISO image",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.loadConfig()
			if err != nil {
				return err
			}
			samples, err := config.AddSample(cmd.Context(), cfg, args[0])
			if err != nil {
				return err
			}
			for _, s := range samples {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", s.ID, s.Name, s.Architecture)
			}
			app.logger.Info("samples stored", "count", len(samples))
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List stored samples",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.loadConfig()
			if err != nil {
				return err
			}
			samples, err := config.ListSamples(cfg)
			if err != nil {
				return err
			}
			if len(samples) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no samples")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tARCH\tSIZE\tORIGIN")
			for _, s := range samples {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", shortID(s.ID), s.Name, s.Architecture, s.Size, s.Origin)
			}
			return w.Flush()
		},
	}

	remove := &cobra.Command{
		Use:   "remove <id>",
		Args:  cobra.ExactArgs(1),
		Short: "Delete a stored sample",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.loadConfig()
			if err != nil {
				return err
			}
			return config.RemoveSample(cfg, args[0])
		},
	}

	cmd.AddCommand(add, list, remove)
	return cmd
}

func newImageCommand(app *cli) *cobra.Command {
	var archFlag string
	resolveArch := func() (arch.Architecture, error) {
		if strings.TrimSpace(archFlag) == "" {
			return arch.Host(), nil
		}
		return arch.Parse(archFlag)
	}

	cmd := &cobra.Command{
		Use:   "image",
		Short: "Build and list sandbox container images",
	}
	cmd.PersistentFlags().StringVar(&archFlag, "arch", "", "Target architecture (defaults to the host)")

	var (
		tag        string
		rebuild    bool
		setDefault bool
	)
	build := &cobra.Command{
		Use:   "build <spec-id>",
		Args:  cobra.ExactArgs(1),
		Short: "Build the sandbox image of a specification",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveArch()
			if err != nil {
				return err
			}
			cfg, err := app.loadConfig()
			if err != nil {
				return err
			}
			cmdLogger := app.logger.With("command", "image.build", "specification", args[0])
			img, err := config.BuildImage(cmd.Context(), cfg, strings.TrimSpace(args[0]), a, tag, rebuild, cmdLogger)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), img.Tag)
			if setDefault {
				cfg.Runtime.Image = img.Tag
				if err := setup.Save(app.configPath, cfg); err != nil {
					return err
				}
				cmdLogger.Info("default sandbox image updated", "config", app.configPath)
			}
			return nil
		},
	}
	build.Flags().StringVar(&tag, "tag", "", "Image tag (defaults to petri/sandbox:<spec>, suffixed with the architecture when not the host)")
	build.Flags().BoolVar(&rebuild, "rebuild", false, "Build even when the image already exists")
	build.Flags().BoolVar(&setDefault, "set-default", false, "Write the tag into the configuration as the sandbox image")

	list := &cobra.Command{
		Use:   "list",
		Short: "List image specifications and whether they are built",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveArch()
			if err != nil {
				return err
			}
			cfg, err := app.loadConfig()
			if err != nil {
				return err
			}
			statuses, err := config.ListImages(cmd.Context(), cfg, a, app.logger)
			if err != nil {
				return err
			}
			if len(statuses) == 0 {
				app.logger.Warn("no specifications available", "architecture", a)
				return nil
			}
			for _, s := range statuses {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t(built: %t)\n", s.Specification.ID, s.Tag, s.Built)
			}
			return nil
		},
	}

	cmd.AddCommand(build, list)
	return cmd
}

func newPolicyCommand() *cobra.Command {
	var (
		flags executionFlags
		full  bool
	)

	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Print the seccomp profile (or the full security policy) for a configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			exec, err := flags.config()
			if err != nil {
				return err
			}
			p, profile, err := config.ShowPolicy(exec)
			if err != nil {
				return err
			}
			if full {
				return printJSON(cmd.OutOrStdout(), p)
			}
			_, err = cmd.OutOrStdout().Write(append(profile, '\n'))
			return err
		},
	}

	flags.bind(cmd)
	cmd.Flags().BoolVar(&full, "full", false, "Print the whole security policy instead of the seccomp profile")
	return cmd
}

func newArtifactsCommand(app *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "artifacts",
		Short: "Inspect run artifacts and the hidden virtualization markers",
	}

	export := &cobra.Command{
		Use:   "export <session-id> <image.iso>",
		Args:  cobra.ExactArgs(2),
		Short: "Pack the artifacts of a session into an ISO image",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.loadConfig()
			if err != nil {
				return err
			}
			files, err := config.ExportArtifacts(cfg, args[0], args[1])
			if err != nil {
				return err
			}
			for _, f := range files {
				fmt.Fprintln(cmd.OutOrStdout(), f)
			}
			return nil
		},
	}

	hidden := &cobra.Command{
		Use:   "hidden",
		Short: "List the virtualization artifacts the anti-evasion layer hides",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out []evasion.Artifact
			for _, a := range evasion.HiddenVMArtifacts() {
				if a.MaskTier > models.EvasionTierOff {
					out = append(out, a)
				}
			}
			printArtifacts(cmd.OutOrStdout(), out)
			return nil
		},
	}

	cmd.AddCommand(export, hidden)
	return cmd
}

func newHistoryCommand(app *cli) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history [sample-id]",
		Args:  cobra.MaximumNArgs(1),
		Short: "List persisted analysis results, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.loadConfig()
			if err != nil {
				return err
			}
			sampleID := ""
			if len(args) == 1 {
				sampleID = args[0]
			}
			records, err := config.History(cmd.Context(), cfg, sampleID, limit)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no results")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tSAMPLE\tSTATE\tSCORE\tRISK\tFINISHED")
			for _, r := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%.1f\t%s\t%s\n", r.SessionID, shortID(r.SampleID), r.State, r.Score, r.RiskLevel, r.FinishedAt.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of results (0 for all)")
	return cmd
}

func newSetupCommand(app *cli) *cobra.Command {
	var (
		clearConfig bool
		teardown    bool
	)

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Initialize storage, the capture bridge and the service configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := app.logger.With("command", "setup")
			ctx := cmd.Context()

			cfg, err := app.loadConfig()
			if err != nil {
				return err
			}
			host := setup.Host{}

			if teardown {
				if err := host.Teardown(ctx, app.configPath, cfg); err != nil {
					return fmt.Errorf("teardown: %w", err)
				}
				cmdLogger.Info("host setup removed")
				return nil
			}

			alreadyConfigured := setup.Verify(app.configPath) == nil
			if alreadyConfigured && !clearConfig {
				cmdLogger.Info("system already configured", "hint", "use 'petri setup --clear' to reinitialize")
				return nil
			}
			if clearConfig {
				if err := setup.ClearConfig(app.configPath); err != nil {
					return fmt.Errorf("clear configuration: %w", err)
				}
				cmdLogger.Info("existing configuration cleared")
			}

			if err := host.Initialize(ctx, app.configPath, cfg); err != nil {
				cmdLogger.Error("host initialization failed", "error", err)
				return err
			}
			cmdLogger.Info("host initialization completed", "config", app.configPath)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&clearConfig, "clear", "C", false, "Remove the existing configuration before initializing")
	cmd.Flags().BoolVar(&teardown, "teardown", false, "Remove the isolation rules and the configuration file")
	return cmd
}

func newDaemonCommand(app *cli) *cobra.Command {
	var socketPath string
	resolveSocket := func() string {
		if path := strings.TrimSpace(socketPath); path != "" {
			return path
		}
		if cfg, err := app.loadConfig(); err == nil && cfg.Daemon.Socket != "" {
			return cfg.Daemon.Socket
		}
		return daemon.DefaultSocketPath
	}
	client := func() daemon.DaemonClient {
		return daemon.NewClient(resolveSocket())
	}

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the petri analysis daemon",
	}
	cmd.PersistentFlags().StringVar(&socketPath, "socket", "", "Path to daemon control socket (default from config)")

	cmd.AddCommand(
		newDaemonServeCommand(app, resolveSocket),
		newDaemonStartCommand(app, client),
		newDaemonStopCommand(client),
		newDaemonListCommand(client),
		newDaemonInspectCommand(client),
		newDaemonResultCommand(client),
		newDaemonTreeCommand(client),
		newDaemonEvasionCommand(client),
		newDaemonScoreCommand(client),
	)
	return cmd
}

func newDaemonServeCommand(app *cli, socketPath func() string) *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.loadConfig()
			if err != nil {
				return err
			}
			addr := metricsAddr
			if !cmd.Flags().Changed("metrics-addr") {
				addr = cfg.Daemon.MetricsAddr
			}
			app.logger.Info("starting daemon", "socket", socketPath(), "metrics_addr", addr)
			if err := config.Serve(cmd.Context(), cfg, socketPath(), addr, app.logger); err != nil {
				return err
			}
			app.logger.Info("daemon stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9310)")
	return cmd
}

func newDaemonStartCommand(app *cli, client func() daemon.DaemonClient) *cobra.Command {
	var flags executionFlags

	cmd := &cobra.Command{
		Use:   "start <sample-id>",
		Args:  cobra.ExactArgs(1),
		Short: "Request the daemon to start an analysis",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := client().StartAnalysis(flags.request(strings.TrimSpace(args[0])))
			if err != nil {
				return err
			}
			app.logger.Info("analysis scheduled", "id", id)
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}

	flags.bind(cmd)
	return cmd
}

func newDaemonStopCommand(client func() daemon.DaemonClient) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <id>",
		Args:  cobra.ExactArgs(1),
		Short: "Request the daemon to stop an analysis",
		RunE: func(cmd *cobra.Command, args []string) error {
			id := strings.TrimSpace(args[0])
			if err := client().StopAnalysis(id); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "stopped", id)
			return nil
		},
	}
}

func newDaemonListCommand(client func() daemon.DaemonClient) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List analyses managed by the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			sessions, err := client().List()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(sessions) == 0 {
				fmt.Fprintln(out, "no analyses")
				return nil
			}
			for _, s := range sessions {
				state := string(s.State)
				if s.Outcome != "" {
					state = string(s.Outcome)
					if s.Reason != "" {
						state = fmt.Sprintf("%s (%s)", state, s.Reason)
					}
				}
				fmt.Fprintf(out, "%s\t%s\t%s\n", s.ID, shortID(s.SampleID), state)
			}
			return nil
		},
	}
}

func newDaemonInspectCommand(client func() daemon.DaemonClient) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <id>",
		Args:  cobra.ExactArgs(1),
		Short: "Show the state and transition history of an analysis",
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := client().Inspect(strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), info)
		},
	}
}

func newDaemonResultCommand(client func() daemon.DaemonClient) *cobra.Command {
	var (
		wait   bool
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "result <id>",
		Args:  cobra.ExactArgs(1),
		Short: "Fetch the result of an analysis",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := client().Result(cmd.Context(), strings.TrimSpace(args[0]), wait)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), result)
			}
			printResult(cmd.OutOrStdout(), result)
			return nil
		},
	}

	cmd.Flags().BoolVar(&wait, "wait", false, "Block until the analysis finishes")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the full result as JSON")
	return cmd
}

func newDaemonTreeCommand(client func() daemon.DaemonClient) *cobra.Command {
	return &cobra.Command{
		Use:   "tree <id>",
		Args:  cobra.ExactArgs(1),
		Short: "Print the process tree of an analysis",
		RunE: func(cmd *cobra.Command, args []string) error {
			tree, err := client().ProcessTree(strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			printTree(cmd.OutOrStdout(), tree)
			return nil
		},
	}
}

func newDaemonEvasionCommand(client func() daemon.DaemonClient) *cobra.Command {
	return &cobra.Command{
		Use:   "evasion <id>",
		Args:  cobra.ExactArgs(1),
		Short: "List the sandbox evasion attempts of an analysis",
		RunE: func(cmd *cobra.Command, args []string) error {
			attempts, err := client().Evasion(strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			printAttempts(cmd.OutOrStdout(), attempts)
			return nil
		},
	}
}

func newDaemonScoreCommand(client func() daemon.DaemonClient) *cobra.Command {
	return &cobra.Command{
		Use:   "score <id>",
		Args:  cobra.ExactArgs(1),
		Short: "Print the threat score of an analysis",
		RunE: func(cmd *cobra.Command, args []string) error {
			score, err := client().Score(strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			printScore(cmd.OutOrStdout(), score)
			return nil
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printResult(w io.Writer, r *analysis.Result) {
	fmt.Fprintf(w, "session:   %s\n", r.SessionID)
	fmt.Fprintf(w, "sample:    %s %s\n", shortID(r.SampleID), r.SampleName)
	state := string(r.State)
	if r.Reason != "" {
		state += " (" + r.Reason + ")"
	}
	fmt.Fprintf(w, "state:     %s\n", state)
	fmt.Fprintf(w, "events:    %d (complete: %t)\n", len(r.Events), r.EventsComplete)
	if r.MonitoringDegraded {
		for _, d := range r.DegradedSources {
			fmt.Fprintf(w, "degraded:  %s: %s\n", d.Name, d.Reason)
		}
	}
	fmt.Fprintln(w)
	printScore(w, r.ThreatScore)
	if len(r.EvasionAttempts) > 0 {
		fmt.Fprintln(w)
		printAttempts(w, r.EvasionAttempts)
	}
	if len(r.ProcessTree) > 0 {
		fmt.Fprintln(w)
		printTree(w, r.ProcessTree)
	}
}

func printScore(w io.Writer, s scoring.ThreatScore) {
	fmt.Fprintf(w, "threat score: %.1f (%s)\n", s.Score, s.RiskLevel)
	for _, c := range s.TopContributors {
		fmt.Fprintf(w, "  - %s\n", c)
	}
}

func printAttempts(w io.Writer, attempts []evasion.Attempt) {
	if len(attempts) == 0 {
		fmt.Fprintln(w, "no evasion attempts")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tTECHNIQUE\tSYSCALL\tBLOCKED\tDESCRIPTION")
	for _, a := range attempts {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", a.Timestamp.Format("15:04:05.000"), a.Technique, a.TriggerSyscall, a.Blocked, a.Description)
	}
	tw.Flush()
}

func printArtifacts(w io.Writer, artifacts []evasion.Artifact) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TECHNIQUE\tARTIFACT\tLOCATION\tTIER\tMASKING")
	for _, a := range artifacts {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", a.Technique, a.Artifact, a.Location, a.MaskTier, a.Masking)
	}
	tw.Flush()
}

func printTree(w io.Writer, roots []*scoring.ProcessTreeNode) {
	if len(roots) == 0 {
		fmt.Fprintln(w, "no processes")
		return
	}
	scoring.Walk(roots, func(node *scoring.ProcessTreeNode, depth int) {
		line := node.Name
		if node.CommandLine != "" {
			line = node.CommandLine
		}
		fmt.Fprintf(w, "%s%d %s\n", strings.Repeat("  ", depth), node.PID, line)
	})
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", value)
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fmriflow/fmriflow/internal/betas"
	"github.com/fmriflow/fmriflow/internal/bids"
	"github.com/fmriflow/fmriflow/internal/config"
	"github.com/fmriflow/fmriflow/internal/confounds"
	"github.com/fmriflow/fmriflow/internal/design"
	"github.com/fmriflow/fmriflow/internal/fmrierr"
	"github.com/fmriflow/fmriflow/internal/fsutil"
	"github.com/fmriflow/fmriflow/internal/pipeline"
	"github.com/fmriflow/fmriflow/internal/report"
	"github.com/fmriflow/fmriflow/internal/resolve"
	"github.com/fmriflow/fmriflow/internal/roi"
	"github.com/fmriflow/fmriflow/internal/runstate"
	"github.com/fmriflow/fmriflow/internal/service"
	"github.com/fmriflow/fmriflow/internal/ui"
)

// Set via ldflags at build time
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func buildVersion() string {
	if commit == "none" {
		return version
	}
	return fmt.Sprintf("%s (%s, %s)", version, commit, date)
}

var configPath string

func main() {
	var noColor, verbose bool

	rootCmd := &cobra.Command{
		Use:           "fmriflow",
		Short:         "fmriflow: first-level fMRI analysis over BIDS datasets",
		Long:          "Resolves BIDS inputs, builds event designs and drives the first-level model, contrast and normalization stages for every run of a sweep.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			ui.Init(noColor)
			ui.SetVerbose(verbose)
		},
	}

	rootCmd.Version = buildVersion()
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.Path(), "Configuration file (or set "+config.EnvConfig+")")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug details")

	rootCmd.AddGroup(
		&cobra.Group{ID: "core", Title: "Core Commands:"},
		&cobra.Group{ID: "inspect", Title: "Inspection Commands:"},
		&cobra.Group{ID: "results", Title: "Result Commands:"},
		&cobra.Group{ID: "config", Title: "Configuration:"},
	)

	runC := runCmd()
	runC.GroupID = "core"
	confoundsC := confoundsCmd()
	confoundsC.GroupID = "core"
	roiC := roiCmd()
	roiC.GroupID = "core"

	queryC := queryCmd()
	queryC.GroupID = "inspect"
	resolveC := resolveCmd()
	resolveC.GroupID = "inspect"
	designC := designCmd()
	designC.GroupID = "inspect"

	reportC := reportCmd()
	reportC.GroupID = "results"
	betasC := betasCmd()
	betasC.GroupID = "results"
	cleanC := cleanCmd()
	cleanC.GroupID = "results"

	initC := initCmd()
	initC.GroupID = "config"
	configC := configCmd()
	configC.GroupID = "config"
	doctorC := doctorCmd()
	doctorC.GroupID = "config"

	rootCmd.AddCommand(runC, confoundsC, roiC)
	rootCmd.AddCommand(queryC, resolveC, designC)
	rootCmd.AddCommand(reportC, betasC, cleanC)
	rootCmd.AddCommand(initC, configC, doctorC)
	rootCmd.AddCommand(completionCmd())

	if err := rootCmd.Execute(); err != nil {
		ui.Error(err.Error())
		os.Exit(exitCode(err))
	}
}

// exitCode maps invocation-fatal errors to distinct exit statuses.
func exitCode(err error) int {
	switch {
	case errors.Is(err, fmrierr.ErrInvalidConfig):
		return 2
	case errors.Is(err, fmrierr.ErrDatasetNotFound):
		return 3
	case errors.Is(err, service.ErrInterrupted), errors.Is(err, context.Canceled):
		return 130
	}
	return 1
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// runFilter narrows the configured sweep from command-line flags.
type runFilter struct {
	subjects     []int
	sessions     []int
	acquisitions []string
}

func (f *runFilter) register(cmd *cobra.Command) {
	cmd.Flags().IntSliceVar(&f.subjects, "sub", nil, "Only these subjects (default: sweep.subjects)")
	cmd.Flags().IntSliceVar(&f.sessions, "ses", nil, "Only these sessions (default: sweep.sessions)")
	cmd.Flags().StringSliceVar(&f.acquisitions, "acq", nil, "Only these acquisitions (default: sweep.acquisitions)")
}

func (f *runFilter) apply(sw config.Sweep) config.Sweep {
	if len(f.subjects) > 0 {
		sw.Subjects = f.subjects
	}
	if len(f.sessions) > 0 {
		sw.Sessions = f.sessions
	}
	if len(f.acquisitions) > 0 {
		sw.Acquisitions = f.acquisitions
	}
	return sw
}

func openLayouts(cfg *config.Config) (resolve.Layouts, error) {
	d := cfg.Datasets
	return resolve.OpenLayouts(bids.NewCatalog(), d.MRI, d.Logs, d.Physio, d.Derivatives)
}

// openConfoundLayouts indexes only the roots confound preparation reads.
func openConfoundLayouts(cfg *config.Config) (mri, physio *bids.Index, err error) {
	cat := bids.NewCatalog()
	if mri, err = cat.Index(cfg.Datasets.MRI, cfg.Datasets.Derivatives); err != nil {
		return nil, nil, err
	}
	if physio, err = cat.Index(cfg.Datasets.Physio, false); err != nil {
		return nil, nil, err
	}
	return mri, physio, nil
}

func runCmd() *cobra.Command {
	var (
		filter      runFilter
		jobs        int
		keepScratch bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the first-level pipeline for every run of the sweep",
		Long:  "Resolves inputs and executes unpack, specify, design, estimate, filter-betas, contrast, normalize, compress and persist for each (subject, session, acquisition). Runs with missing data are skipped; failing runs are recorded and the sweep continues.",
		Example: `  fmriflow run
  fmriflow run --sub 1,2 --acq A
  fmriflow run --jobs 4 --keep-scratch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			local := *cfg
			local.Sweep = filter.apply(cfg.Sweep)
			if cmd.Flags().Changed("jobs") {
				local.Sweep.Jobs = jobs
			}
			if keepScratch {
				local.Output.KeepScratch = true
			}
			if err := local.Validate(); err != nil {
				return err
			}

			layouts, err := openLayouts(&local)
			if err != nil {
				return err
			}
			s := local.Services
			svc, err := service.New(s.Runtime, s.Converter, s.Warper, s.Modeler, s.ModelerArgs, s.Timeout)
			if err != nil {
				return &fmrierr.ConfigError{Field: "services.runtime", Msg: err.Error()}
			}
			runner, err := pipeline.New(&local, svc, layouts, pipeline.Options{Progress: true})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ui.CommandBanner("RUN", fmt.Sprintf("%d run(s)", len(pipeline.Runs(local.Sweep))))
			summary, runErr := runner.RunSweep(ctx)

			if local.Output.MetricsFile != "" {
				if err := runner.WriteMetrics(local.Output.MetricsFile); err != nil {
					ui.Warning(fmt.Sprintf("Failed to write metrics: %v", err))
				}
			}
			if summary != nil {
				printSweep(summary)
			}
			if runErr != nil {
				return runErr
			}
			if n := summary.Count(runstate.StatusFailed); n > 0 {
				return fmt.Errorf("%d run(s) failed", n)
			}
			return nil
		},
	}
	filter.register(cmd)
	cmd.Flags().IntVar(&jobs, "jobs", 1, "Runs executed in parallel (overrides sweep.jobs)")
	cmd.Flags().BoolVar(&keepScratch, "keep-scratch", false, "Keep each run's scratch directory")
	return cmd
}

func printSweep(s *pipeline.Summary) {
	ui.SectionHeader("SUMMARY")
	var rows [][]string
	for _, r := range s.Results {
		if r.Status == "" {
			continue
		}
		msg := ""
		if r.Err != nil {
			msg = r.Err.Error()
		}
		rows = append(rows, []string{ui.Bold(r.Run.String()), statusCell(r.Status), string(r.Stage), msg})
	}
	ui.Table([]string{"RUN", "STATUS", "STAGE", "ERROR"}, rows)
	fmt.Println()
	ui.Detail("Completed:", strconv.Itoa(s.Count(runstate.StatusCompleted)))
	ui.Detail("Skipped:", strconv.Itoa(s.Count(runstate.StatusSkipped)))
	ui.Detail("Failed:", strconv.Itoa(s.Count(runstate.StatusFailed)))
}

func statusCell(st runstate.Status) string {
	switch st {
	case runstate.StatusCompleted:
		return ui.Green(string(st))
	case runstate.StatusSkipped:
		return ui.Yellow(string(st))
	case runstate.StatusFailed:
		return ui.Red(string(st))
	}
	return string(st)
}

func confoundsCmd() *cobra.Command {
	var filter runFilter
	cmd := &cobra.Command{
		Use:   "confounds",
		Short: "Write motion confound and outlier files for the sweep",
		Long:  "Selects the motion columns of each run's confound timeseries, appends physiological regressors when present and writes <run>_confounds.txt and <run>_outliers.txt into the physio artifacts directory.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			mri, physio, err := openConfoundLayouts(cfg)
			if err != nil {
				return err
			}
			opts := confounds.Options{
				Columns:       cfg.Confounds.Columns,
				OutlierPrefix: cfg.Confounds.OutlierPrefix,
				OutDir:        filepath.Join(cfg.Datasets.Physio, cfg.Confounds.ArtifactsDir),
			}

			ui.CommandBanner("CONFOUNDS", opts.OutDir)
			written, failed := 0, 0
			for _, run := range pipeline.Runs(filter.apply(cfg.Sweep)) {
				res, err := confounds.Prepare(mri, physio, run, opts)
				switch {
				case errors.Is(err, fmrierr.ErrNoData):
					ui.Warning(fmt.Sprintf("%s: %v", run, err))
				case err != nil:
					ui.Error(fmt.Sprintf("%s: %v", run, err))
					failed++
				default:
					written++
					ui.Success(fmt.Sprintf("%s: %d volumes, %d regressors, %d outliers",
						run, res.Volumes, res.Regressors, len(res.OutlierVolumes)))
				}
			}
			ui.Info(fmt.Sprintf("%d run(s) written", written))
			if failed > 0 {
				return fmt.Errorf("%d run(s) failed", failed)
			}
			return nil
		},
	}
	filter.register(cmd)
	return cmd
}

func roiCmd() *cobra.Command {
	var filter runFilter
	cmd := &cobra.Command{
		Use:   "roi",
		Short: "Extract atlas ROI values from completed runs",
		Long:  "For every completed run, samples the standard-space T image at each configured atlas label and writes per-region .npy vectors, a summary .npy matrix and roi.yaml.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.ROI.Atlas == "" {
				return &fmrierr.ConfigError{Field: "roi.atlas", Msg: "an atlas is required"}
			}
			regions := make([]roi.Region, len(cfg.ROI.Regions))
			for i, r := range cfg.ROI.Regions {
				regions[i] = roi.Region{Name: r.Name, Label: r.Label}
			}

			ui.CommandBanner("ROI", filepath.Base(cfg.ROI.Atlas))
			done, failed := 0, 0
			for _, run := range pipeline.Runs(filter.apply(cfg.Sweep)) {
				m, err := roi.ExtractRun(run, roi.Options{
					ResultDir: pipeline.OutputDir(cfg.Output.OutDir, run),
					OutDir:    roi.OutputDir(cfg.Output.OutDir, run),
					Atlas:     cfg.ROI.Atlas,
					Space:     cfg.Anatomy.Space,
					Regions:   regions,
				})
				switch {
				case errors.Is(err, fmrierr.ErrNoData):
					ui.Warning(fmt.Sprintf("%s: skipped (%v)", run, err))
				case err != nil:
					ui.Error(fmt.Sprintf("%s: %v", run, err))
					failed++
				default:
					done++
					parts := make([]string, len(m.Regions))
					for i, r := range m.Regions {
						parts[i] = fmt.Sprintf("%s=%d", r.Name, r.Voxels)
					}
					ui.Success(fmt.Sprintf("%s: %s", run, strings.Join(parts, " ")))
				}
			}
			ui.Info(fmt.Sprintf("%d run(s) extracted", done))
			if failed > 0 {
				return fmt.Errorf("%d run(s) failed", failed)
			}
			return nil
		},
	}
	filter.register(cmd)
	return cmd
}

func queryCmd() *cobra.Command {
	var layout string
	cmd := &cobra.Command{
		Use:   "query <key=value>...",
		Short: "List dataset files matching a selector",
		Long:  "Queries one dataset layout. Keys: subject, session, suffix, extension, task, acquisition, direction, inv, space. Omitted keys match anything.",
		Example: `  fmriflow query subject=1 session=1 suffix=bold extension=.nii.gz
  fmriflow query --layout logs subject=2 suffix=events`,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := bids.Query{}
			for _, a := range args {
				k, v, ok := strings.Cut(a, "=")
				if !ok {
					return fmt.Errorf("expected key=value, got %q", a)
				}
				q[k] = v
			}
			sel, err := bids.ParseQuery(q)
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			layouts, err := openLayouts(cfg)
			if err != nil {
				return err
			}
			var ix *bids.Index
			switch layout {
			case "mri":
				ix = layouts.MRI
			case "logs":
				ix = layouts.Logs
			case "physio":
				ix = layouts.Physio
			default:
				return fmt.Errorf("unknown layout %q (use mri, logs, or physio)", layout)
			}

			files := ix.Query(sel)
			if len(files) == 0 {
				ui.EmptyState(fmt.Sprintf("No files match %s", sel))
				return nil
			}
			for _, f := range files {
				rel, err := filepath.Rel(ix.Root(), f.Path)
				if err != nil {
					rel = f.Path
				}
				fmt.Println(rel)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&layout, "layout", "mri", "Dataset layout: mri, logs, or physio")
	return cmd
}

func resolveCmd() *cobra.Command {
	var filter runFilter
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Show the resolved inputs of each run without running anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			layouts, err := openLayouts(cfg)
			if err != nil {
				return err
			}
			r := resolve.New(layouts, resolve.Options{
				Space:          cfg.Anatomy.Space,
				AnatomySession: cfg.Anatomy.Session,
				Task:           cfg.Sweep.Task,
				OnAmbiguous: func(e *fmrierr.AmbiguousMatchError) {
					ui.Warning(e.Error())
				},
			})
			for _, run := range pipeline.Runs(filter.apply(cfg.Sweep)) {
				ui.SectionHeader(run.String())
				in, err := r.Resolve(run)
				if err != nil {
					if fmrierr.IsSkip(err) {
						ui.Warning(err.Error())
						continue
					}
					return err
				}
				ui.KeyValue("events", in.Events)
				ui.KeyValue("bold", in.Bold)
				ui.KeyValue("mask", in.Mask)
				ui.KeyValue("confounds", in.Confounds)
				ui.KeyValue("outliers", in.Outliers)
				ui.KeyValue("T1w", in.T1w)
				ui.KeyValue("native xfm", in.NativeXfm)
				ui.KeyValue("standard xfm", in.StandardXfm)
				ui.KeyValue("TR", strconv.FormatFloat(in.RepetitionTime, 'g', -1, 64)+"s")
			}
			return nil
		},
	}
	filter.register(cmd)
	return cmd
}

func designCmd() *cobra.Command {
	var policy string
	cmd := &cobra.Command{
		Use:   "design <events-log>",
		Short: "Parse an event log and print its design",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			opts := cfg.DesignOptions()
			if policy != "" {
				opts.Policy = design.Policy(policy)
				if !opts.Policy.Valid() {
					return fmt.Errorf("unknown policy %q (use independent or collapse)", policy)
				}
			}
			opts.OnUnrecognized = func(line int, record []string) {
				ui.Warning(fmt.Sprintf("line %d: unrecognized stimulus %q", line, strings.Join(record, string(opts.Delimiter))))
			}
			d, err := design.ParseFile(args[0], opts)
			if err != nil {
				return err
			}
			var rows [][]string
			for _, c := range d.Conditions {
				onsets := make([]string, len(d.Onsets[c]))
				for i, o := range d.Onsets[c] {
					onsets[i] = strconv.FormatFloat(o, 'f', -1, 64)
				}
				rows = append(rows, []string{c, strconv.Itoa(d.Count(c)), strings.Join(onsets, " ")})
			}
			ui.Table([]string{"CONDITION", "EVENTS", "ONSETS"}, rows)
			return nil
		},
	}
	cmd.Flags().StringVar(&policy, "policy", "", "Override design.policy (independent or collapse)")
	return cmd
}

func reportCmd() *cobra.Command {
	var (
		filter      runFilter
		summaryOnly bool
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Render run reports for the sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			manifests, err := runstate.List(filepath.Join(cfg.Output.OutDir, pipeline.ResultsDir))
			if err != nil {
				return err
			}
			wanted := map[string]bool{}
			for _, run := range pipeline.Runs(filter.apply(cfg.Sweep)) {
				wanted[run.String()] = true
			}
			var selected []*runstate.Manifest
			for _, m := range manifests {
				run := resolve.Run{Subject: m.Subject, Session: m.Session, Acquisition: m.Acquisition}
				if wanted[run.String()] {
					selected = append(selected, m)
				}
			}
			if len(selected) == 0 {
				ui.EmptyState("No runs recorded yet. Run 'fmriflow run' first.")
				return nil
			}

			if !summaryOnly {
				for _, m := range selected {
					r, err := report.Load(filepath.Join(m.Dir(), report.FileName))
					if err != nil {
						ui.Warning(err.Error())
						continue
					}
					ui.RenderMarkdown(os.Stdout, r.Body)
				}
			}
			ui.RenderMarkdown(os.Stdout, report.Summary(selected))
			return nil
		},
	}
	filter.register(cmd)
	cmd.Flags().BoolVar(&summaryOnly, "summary", false, "Only print the sweep summary")
	return cmd
}

func betasCmd() *cobra.Command {
	var filter runFilter
	cmd := &cobra.Command{
		Use:   "betas",
		Short: "List the condition betas persisted for completed runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			var rows [][]string
			for _, run := range pipeline.Runs(filter.apply(cfg.Sweep)) {
				dir := pipeline.OutputDir(cfg.Output.OutDir, run)
				if !runstate.IsCompleted(dir) {
					continue
				}
				m, err := betas.LoadManifest(dir)
				if err != nil {
					ui.Warning(fmt.Sprintf("%s: %v", run, err))
					continue
				}
				for _, b := range m.Betas {
					rows = append(rows, []string{run.String(), b.Label, b.File, filepath.Base(b.Source)})
				}
			}
			if len(rows) == 0 {
				ui.EmptyState("No persisted betas found.")
				return nil
			}
			ui.Table([]string{"RUN", "LABEL", "FILE", "SOURCE"}, rows)
			return nil
		},
	}
	filter.register(cmd)
	return cmd
}

func cleanCmd() *cobra.Command {
	var dryRun, yes bool
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove scratch directories left under output.work_dir",
		Long:  "Removes per-run scratch directories kept with keep_scratch or left behind by interrupted runs.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			dirs, err := scratchDirs(cfg.Output.WorkDir)
			if err != nil {
				return err
			}
			if len(dirs) == 0 {
				ui.EmptyState("Nothing to clean.")
				return nil
			}
			for _, d := range dirs {
				images, _ := fsutil.FindFilesByExtension(d, ".nii")
				ui.Detail("Scratch:", fmt.Sprintf("%s %s", d, ui.Dim(fmt.Sprintf("(%d images)", len(images)))))
			}
			if dryRun {
				ui.Info(fmt.Sprintf("%d scratch dir(s) would be removed. Run without --dry-run to proceed.", len(dirs)))
				return nil
			}
			if !yes {
				ok, err := ui.Confirm(fmt.Sprintf("Remove %d scratch dir(s)?", len(dirs)))
				if err != nil {
					return err
				}
				if !ok {
					ui.Info("Aborted.")
					return nil
				}
			}
			removed := 0
			for _, d := range dirs {
				if err := os.RemoveAll(d); err != nil {
					ui.Warning(fmt.Sprintf("Failed to remove %s: %v", d, err))
					continue
				}
				removed++
			}
			ui.Success(fmt.Sprintf("Cleaned %d scratch dir(s)", removed))
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Preview what would be removed")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip the confirmation prompt")
	return cmd
}

// scratchDirs lists the run scratch directories directly under workDir.
func scratchDirs(workDir string) ([]string, error) {
	entries, err := os.ReadDir(workDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), "sub-") {
			dirs = append(dirs, filepath.Join(workDir, e.Name()))
		}
	}
	sort.Strings(dirs)
	return dirs, nil
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:     "init",
		Short:   "Write a default fmriflow.yaml",
		Long:    "Create a configuration file with the localizer defaults. Edit the dataset roots and sweep before running.",
		Example: "  fmriflow init\n  fmriflow init --force\n  fmriflow --config study.yaml init",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Init(configPath, force); err != nil {
				return err
			}
			ui.Success("Configuration written")
			ui.Detail("Path:", configPath)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing configuration")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and edit the configuration",
	}
	cmd.AddCommand(configShowCmd())
	cmd.AddCommand(configSetCmd())
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			data, err := cfg.Marshal()
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			fmt.Print(string(data))
			return nil
		},
	}
}

func configSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value",
		Long:  "Set a configuration value by dot-path key. List values are comma separated. Valid keys: " + strings.Join(config.Keys, ", ") + ".",
		Example: `  fmriflow config set sweep.subjects 1,2,3
  fmriflow config set model.bayesian true
  fmriflow config set services.timeout 2h`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Set(configPath, args[0], args[1]); err != nil {
				return err
			}
			ui.Success(fmt.Sprintf("Set %s = %s", args[0], args[1]))
			return nil
		},
	}
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check dataset roots, external tools and templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("configuration unusable (run 'fmriflow init' first): %w", err)
			}
			ui.CommandBanner("DOCTOR", "health check")

			issues := config.CheckHealth(cfg)
			if len(issues) == 0 {
				ui.Success("Everything looks good")
				os.Exit(0)
			}

			hasError := false
			for _, issue := range issues {
				if issue.Severity == "error" {
					ui.Error(fmt.Sprintf("[ERR]  %s", issue.Message))
					hasError = true
				} else {
					ui.Warning(fmt.Sprintf("[WARN] %s", issue.Message))
				}
			}

			if hasError {
				os.Exit(2)
			}
			os.Exit(1)
			return nil
		},
	}
}

func completionCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "completion [bash|zsh|fish]",
		Short:     "Generate shell completion scripts",
		Example:   "  fmriflow completion bash > ~/.bashrc.d/fmriflow\n  fmriflow completion zsh > ~/.zfunc/_fmriflow",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"bash", "zsh", "fish"},
		RunE: func(cmd *cobra.Command, args []string) error {
			switch args[0] {
			case "bash":
				return cmd.Root().GenBashCompletion(os.Stdout)
			case "zsh":
				return cmd.Root().GenZshCompletion(os.Stdout)
			case "fish":
				return cmd.Root().GenFishCompletion(os.Stdout, true)
			default:
				return fmt.Errorf("unsupported shell: %s (use bash, zsh, or fish)", args[0])
			}
		},
	}
}

// Package pipeline drives the first-level stage chain for every
// (subject, session, acquisition) run of a sweep.
package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/fmriflow/fmriflow/internal/betas"
	"github.com/fmriflow/fmriflow/internal/config"
	"github.com/fmriflow/fmriflow/internal/design"
	"github.com/fmriflow/fmriflow/internal/fmrierr"
	"github.com/fmriflow/fmriflow/internal/report"
	"github.com/fmriflow/fmriflow/internal/resolve"
	"github.com/fmriflow/fmriflow/internal/runstate"
	"github.com/fmriflow/fmriflow/internal/service"
	"github.com/fmriflow/fmriflow/internal/ui"
)

// ResultsDir is the directory under out_dir holding first-level results.
const ResultsDir = "1stLevel"

// Options tune a Runner.
type Options struct {
	// Progress shows run banners and stage spinners. Ignored when runs
	// execute in parallel.
	Progress bool
	// Logger defaults to ui.Logger.
	Logger *log.Logger
}

// Runner executes runs against a fixed configuration and service set.
type Runner struct {
	cfg      *config.Config
	svc      *service.Services
	resolver *resolve.Resolver
	metrics  *metrics
	stages   []Stage
	funcs    map[Stage]stageFunc
	logger   *log.Logger
	progress bool
}

// Result is the outcome of one run.
type Result struct {
	Run     resolve.Run
	Status  runstate.Status
	Dir     string
	Stage   Stage
	Err     error
	Outputs []string
}

// Summary collects the results of a sweep in sweep order.
type Summary struct {
	Results []Result
}

// Count returns how many runs ended with status.
func (s *Summary) Count(status runstate.Status) int {
	n := 0
	for _, r := range s.Results {
		if r.Status == status {
			n++
		}
	}
	return n
}

// New validates the stage graph and returns a Runner.
func New(cfg *config.Config, svc *service.Services, layouts resolve.Layouts, opts Options) (*Runner, error) {
	if cfg == nil {
		return nil, &fmrierr.ConfigError{Msg: "configuration is required"}
	}
	if svc == nil || svc.Converter == nil || svc.Warper == nil || svc.Modeler == nil {
		return nil, &fmrierr.ConfigError{Field: "services", Msg: "converter, warper and modeler are required"}
	}
	stages := Sequence()
	if err := ValidateGraph(stages, stageDeps); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = ui.Logger
	}
	r := &Runner{
		cfg:      cfg,
		svc:      svc,
		metrics:  newMetrics(),
		stages:   stages,
		logger:   logger,
		progress: opts.Progress && cfg.Sweep.Jobs <= 1,
	}
	r.resolver = resolve.New(layouts, resolve.Options{
		Space:          cfg.Anatomy.Space,
		AnatomySession: cfg.Anatomy.Session,
		Task:           cfg.Sweep.Task,
		OnAmbiguous: func(e *fmrierr.AmbiguousMatchError) {
			r.metrics.resolveAmbiguities.WithLabelValues(e.Family).Inc()
			r.logger.Warn("ambiguous match", "family", e.Family, "selector", e.Selector, "candidates", len(e.Candidates), "using", filepath.Base(e.Candidates[0]))
		},
	})
	r.funcs = map[Stage]stageFunc{
		StageUnpack:      r.unpack,
		StageSpecify:     r.specify,
		StageDesign:      r.designMatrix,
		StageEstimate:    r.estimate,
		StageFilterBetas: r.filterBetas,
		StageContrast:    r.contrast,
		StageNormalize:   r.normalize,
		StageCompress:    r.compress,
		StagePersist:     r.persist,
	}
	return r, nil
}

// WriteMetrics writes the metrics in text exposition format to path.
func (r *Runner) WriteMetrics(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return prometheus.WriteToTextfile(path, r.metrics.registry)
}

// Runs returns the sweep's (subject, session, acquisition) triples in
// iteration order: subjects, then sessions, then acquisitions.
func Runs(sw config.Sweep) []resolve.Run {
	var runs []resolve.Run
	for _, sub := range sw.Subjects {
		for _, ses := range sw.Sessions {
			for _, acq := range sw.Acquisitions {
				runs = append(runs, resolve.Run{Subject: sub, Session: ses, Acquisition: acq})
			}
		}
	}
	return runs
}

// OutputDir returns the deterministic result directory of run.
func OutputDir(outDir string, run resolve.Run) string {
	return filepath.Join(append([]string{outDir, ResultsDir}, run.Path()...)...)
}

// RunSweep executes every run of the configured sweep. Per-run failures are
// logged and recorded in the summary; only configuration and dataset errors,
// or cancellation of ctx, are returned.
func (r *Runner) RunSweep(ctx context.Context) (*Summary, error) {
	runs := Runs(r.cfg.Sweep)
	results := make([]Result, len(runs))

	if r.cfg.Sweep.Jobs <= 1 {
		for i, run := range runs {
			if err := ctx.Err(); err != nil {
				return &Summary{Results: results[:i]}, err
			}
			if r.progress {
				ui.RunHeader(run.String(), i+1, len(runs))
			}
			results[i] = r.RunOne(ctx, run)
			if err := fatal(results[i].Err); err != nil {
				return &Summary{Results: results[:i+1]}, err
			}
		}
		return &Summary{Results: results}, ctx.Err()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Sweep.Jobs)
	for i, run := range runs {
		i, run := i, run
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				results[i] = Result{Run: run, Err: err}
				return nil
			}
			results[i] = r.RunOne(gctx, run)
			return fatal(results[i].Err)
		})
	}
	if err := g.Wait(); err != nil {
		return &Summary{Results: results}, err
	}
	return &Summary{Results: results}, ctx.Err()
}

// fatal returns err when it must abort the whole sweep.
func fatal(err error) error {
	if err == nil || fmrierr.IsRunRecoverable(err) {
		return nil
	}
	if errors.Is(err, service.ErrInterrupted) || errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, fmrierr.ErrDatasetNotFound) || errors.Is(err, fmrierr.ErrInvalidConfig) {
		return err
	}
	return nil
}

// RunOne resolves and executes a single run. The run's manifest is left
// completed only when every stage, persistence included, succeeded.
func (r *Runner) RunOne(ctx context.Context, run resolve.Run) Result {
	logger := r.logger.With("run", run.String())
	res := Result{Run: run, Dir: OutputDir(r.cfg.Output.OutDir, run)}

	clearPrevious(res.Dir)
	scratch := filepath.Join(r.cfg.Output.WorkDir, run.String()+"-"+uuid.NewString()[:8])
	m, err := runstate.Start(res.Dir, run.Subject, run.Session, run.Acquisition, scratch)
	if err != nil {
		res.Status = runstate.StatusFailed
		res.Err = &fmrierr.ConfigError{Field: "output.out_dir", Msg: err.Error()}
		return res
	}

	details := report.Details{}
	finish := func(status runstate.Status, cause error) Result {
		res.Status = status
		res.Err = cause
		res.Stage = Stage(m.Stage)
		if err := m.Transition(status, cause); err != nil {
			logger.Error("recording run status", "err", err)
		}
		if _, err := report.Write(res.Dir, report.Build(m, details)); err != nil {
			logger.Error("writing run report", "err", err)
		}
		r.metrics.runs.WithLabelValues(string(status)).Inc()
		switch status {
		case runstate.StatusSkipped:
			logger.Warn("run skipped", "err", cause)
		case runstate.StatusFailed:
			logger.Error("run failed", "stage", m.Stage, "err", cause)
		default:
			logger.Info("run completed", "outputs", len(res.Outputs))
		}
		return res
	}

	inputs, err := r.resolver.Resolve(run)
	if err != nil {
		if fmrierr.IsSkip(err) {
			return finish(runstate.StatusSkipped, err)
		}
		return finish(runstate.StatusFailed, err)
	}
	details.Inputs = inputs
	logger.Debug("resolved inputs", "bold", filepath.Base(inputs.Bold), "tr", inputs.RepetitionTime)

	opts := r.cfg.DesignOptions()
	opts.OnUnrecognized = func(line int, record []string) {
		logger.Warn("unrecognized event log line", "path", inputs.Events, "line", line, "stimulus", strings.Join(record, ";"))
	}
	d, err := design.ParseFile(inputs.Events, opts)
	if err != nil {
		return finish(runstate.StatusFailed, err)
	}
	details.Design = d

	if err := os.MkdirAll(scratch, 0755); err != nil {
		return finish(runstate.StatusFailed, &fmrierr.ConfigError{Field: "output.work_dir", Msg: err.Error()})
	}
	if !r.cfg.Output.KeepScratch {
		defer os.RemoveAll(scratch)
	}

	rc := &runContext{run: run, inputs: inputs, design: d, scratch: scratch, outDir: res.Dir}
	all := outputs{}
	for _, stage := range r.stages {
		if err := ctx.Err(); err != nil {
			return finish(runstate.StatusFailed, err)
		}
		if err := m.EnterStage(string(stage)); err != nil {
			return finish(runstate.StatusFailed, err)
		}

		var spinner *ui.Spinner
		if r.progress {
			spinner = ui.NewSpinner(string(stage))
		}
		start := time.Now()
		out, err := r.funcs[stage](ctx, rc, predecessors(stage, all))
		elapsed := time.Since(start)
		if spinner != nil {
			spinner.Stop()
		}

		outcome := "ok"
		if err != nil {
			outcome = "failed"
		}
		r.metrics.stageDuration.WithLabelValues(string(stage), outcome).Observe(elapsed.Seconds())
		if ferr := m.FinishStage(err); ferr != nil {
			logger.Error("recording stage", "stage", stage, "err", ferr)
		}

		if err != nil {
			if errors.Is(err, service.ErrInterrupted) || errors.Is(err, context.Canceled) {
				return finish(runstate.StatusFailed, err)
			}
			var se *fmrierr.StageExecutionError
			if !errors.As(err, &se) {
				err = &fmrierr.StageExecutionError{Stage: string(stage), Err: err}
			}
			return finish(runstate.StatusFailed, err)
		}
		if r.progress {
			ui.StageComplete(string(stage), elapsed)
		}
		logger.Debug("stage done", "stage", stage, "elapsed", elapsed.Round(time.Millisecond))
		all[stage] = out

		if stage == StageFilterBetas {
			details.Betas, _ = out.([]betas.Beta)
		}
	}

	persisted, _ := all[StagePersist].([]string)
	res.Outputs = persisted
	m.AddOutputs(persisted...)
	return finish(runstate.StatusCompleted, nil)
}

// clearPrevious removes results a previous invocation recorded for the same
// run, so a stale result never sits next to a new manifest.
func clearPrevious(dir string) {
	prev, err := runstate.Load(dir)
	if err != nil {
		return
	}
	for _, o := range prev.Outputs {
		if filepath.Dir(o) == dir {
			os.Remove(o)
		}
	}
	os.Remove(filepath.Join(dir, report.FileName))
}

package pipeline

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fmriflow/fmriflow/internal/bids"
	"github.com/fmriflow/fmriflow/internal/config"
	"github.com/fmriflow/fmriflow/internal/fmrierr"
	"github.com/fmriflow/fmriflow/internal/fsutil"
	"github.com/fmriflow/fmriflow/internal/resolve"
	"github.com/fmriflow/fmriflow/internal/runstate"
	"github.com/fmriflow/fmriflow/internal/service"
)

const eventLog = "# Expyriment 0.10.0, localizer.py\n" +
	"# Started 2024-05-09 10:12:03\n" +
	"onset;duration;stimulus;trial;response\n" +
	"0.0;2.0;null_event.wav;-;n/a\n" +
	"2.0;1.5;s3_001.wav;-;n/a\n" +
	"3.5;1.5;s3_001.wav;-;space\n"

func write(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func writeGzip(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := gzip.NewWriter(f)
	_, err = zw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

type dataset struct {
	mri, logs, physio string
}

func newDataset(t *testing.T, base string) dataset {
	t.Helper()
	d := dataset{
		mri:    filepath.Join(base, "data_MRI"),
		logs:   filepath.Join(base, "data_logs", "bids"),
		physio: filepath.Join(base, "data_physio"),
	}
	sp := resolve.DefaultSpace
	anat := filepath.Join(d.mri, "derivatives", "fmriprep", "sub-01", "ses-01", "anat")
	write(t, filepath.Join(anat, "sub-01_ses-01_space-"+sp+"_desc-preproc_T1w.nii.gz"), "")
	write(t, filepath.Join(anat, "sub-01_ses-01_from-"+sp+"_to-T1w_mode-image_xfm.h5"), "")
	write(t, filepath.Join(anat, "sub-01_ses-01_from-T1w_to-"+sp+"_mode-image_xfm.h5"), "")
	write(t, filepath.Join(anat, "sub-01_ses-01_from-fsnative_to-T1w_mode-image_xfm.txt"), "")
	return d
}

func (d dataset) addRun(t *testing.T, acq, events string) {
	t.Helper()
	sp := resolve.DefaultSpace
	stem := "sub-01_ses-01_task-loc_acq-" + acq
	fn := filepath.Join(d.mri, "derivatives", "fmriprep", "sub-01", "ses-01", "func")
	writeGzip(t, filepath.Join(fn, stem+"_space-"+sp+"_desc-preproc_bold.nii.gz"), "bold-"+acq)
	write(t, filepath.Join(fn, stem+"_space-"+sp+"_desc-preproc_bold.json"), `{"RepetitionTime": 1.6}`)
	writeGzip(t, filepath.Join(fn, stem+"_space-"+sp+"_desc-brain_mask.nii.gz"), "mask-"+acq)
	write(t, filepath.Join(d.logs, "sub-01", "ses-01", "func", stem+"_events.tsv"), events)
	pf := filepath.Join(d.physio, "sub-01", "ses-01", "func")
	write(t, filepath.Join(pf, "sub-01_ses-01_acq-"+acq+"_confounds.txt"), "0 0 0 0 0 0\n")
	write(t, filepath.Join(pf, "sub-01_ses-01_acq-"+acq+"_outliers.txt"), "")
}

type fakeConverter struct{}

func (fakeConverter) Name() string     { return "fake-convert" }
func (fakeConverter) Available() error { return nil }
func (fakeConverter) Convert(_ context.Context, in, out string, format service.Format) error {
	if format == service.FormatNiiGz {
		return fsutil.Gzip(in, out)
	}
	return fsutil.CopyFile(in, out)
}

type fakeWarper struct {
	mu   sync.Mutex
	reqs []service.WarpRequest
}

func (*fakeWarper) Name() string     { return "fake-warp" }
func (*fakeWarper) Available() error { return nil }
func (w *fakeWarper) Warp(_ context.Context, req service.WarpRequest) error {
	w.mu.Lock()
	w.reqs = append(w.reqs, req)
	w.mu.Unlock()
	return fsutil.CopyFile(req.Input, req.Output)
}

// fakeModeler writes placeholder artifacts into the work dir. Operations in
// failOn fail for work dirs containing failFor.
type fakeModeler struct {
	failOn  string
	failFor string

	mu       sync.Mutex
	specs    []service.SpecifyRequest
	designs  []service.DesignRequest
	regNames []string
}

func (*fakeModeler) Name() string     { return "fake-model" }
func (*fakeModeler) Available() error { return nil }

func (m *fakeModeler) fail(op, dir string) error {
	if m.failOn == op && strings.Contains(dir, m.failFor) {
		return errors.New("fake-model exited with code 1: estimation diverged")
	}
	return nil
}

func (m *fakeModeler) SpecifyModel(_ context.Context, req service.SpecifyRequest) (*service.SpecifyResult, error) {
	m.mu.Lock()
	m.specs = append(m.specs, req)
	m.mu.Unlock()
	if err := m.fail("specify", req.WorkDir); err != nil {
		return nil, err
	}
	p := filepath.Join(req.WorkDir, "session_info.json")
	data, _ := json.Marshal(req.SubjectInfo)
	if err := os.MkdirAll(req.WorkDir, 0o755); err != nil {
		return nil, err
	}
	return &service.SpecifyResult{SessionInfo: p}, os.WriteFile(p, data, 0o644)
}

func (m *fakeModeler) DesignMatrix(_ context.Context, req service.DesignRequest) (*service.DesignResult, error) {
	m.mu.Lock()
	m.designs = append(m.designs, req)
	m.mu.Unlock()
	if err := m.fail("design", req.WorkDir); err != nil {
		return nil, err
	}
	p := filepath.Join(req.WorkDir, "SPM.mat")
	return &service.DesignResult{DesignMatrix: p}, os.WriteFile(p, []byte("spm"), 0o644)
}

func (m *fakeModeler) Estimate(_ context.Context, req service.EstimateRequest) (*service.EstimateResult, error) {
	if err := m.fail("estimate", req.WorkDir); err != nil {
		return nil, err
	}
	names := m.regNames
	if names == nil {
		names = []string{"Sn(1) sound*bf(1)", "Sn(1) silence*bf(1)", "Sn(1) keypress*bf(1)", "Sn(1) Realign1"}
	}
	fields := make([]map[string]any, 14)
	for i := range fields {
		fields[i] = map[string]any{"entries": [][]string{}}
	}
	rows := make([][]string, len(names))
	for i, n := range names {
		rows[i] = []string{"", "", "", "", "", n}
	}
	fields[13] = map[string]any{"name": "Vbeta", "entries": rows}
	desc, _ := json.Marshal(map[string]any{"fields": fields})

	res := &service.EstimateResult{
		DesignMatrix:  req.DesignMatrix,
		Description:   filepath.Join(req.WorkDir, "design.json"),
		ResidualImage: filepath.Join(req.WorkDir, "ResMS.nii"),
	}
	if err := os.WriteFile(res.Description, desc, 0o644); err != nil {
		return nil, err
	}
	if err := os.WriteFile(res.ResidualImage, []byte("res"), 0o644); err != nil {
		return nil, err
	}
	for i := range names {
		p := filepath.Join(req.WorkDir, fmt.Sprintf("beta_%04d.nii", i+1))
		if err := os.WriteFile(p, []byte(names[i]), 0o644); err != nil {
			return nil, err
		}
		res.BetaImages = append(res.BetaImages, p)
	}
	return res, nil
}

func (m *fakeModeler) Contrast(_ context.Context, req service.ContrastRequest) (*service.ContrastResult, error) {
	if err := m.fail("contrast", req.WorkDir); err != nil {
		return nil, err
	}
	res := &service.ContrastResult{DesignMatrix: req.DesignMatrix}
	for i := range req.Contrasts {
		con := filepath.Join(req.WorkDir, fmt.Sprintf("con_%04d.nii", i+1))
		stat := filepath.Join(req.WorkDir, fmt.Sprintf("spmT_%04d.nii", i+1))
		if err := os.WriteFile(con, []byte("con"), 0o644); err != nil {
			return nil, err
		}
		if err := os.WriteFile(stat, []byte("spmT"), 0o644); err != nil {
			return nil, err
		}
		res.ConImages = append(res.ConImages, con)
		res.StatImages = append(res.StatImages, stat)
	}
	return res, nil
}

// niiOnlyConverter refuses gzip output.
type niiOnlyConverter struct{ fakeConverter }

func (niiOnlyConverter) Convert(ctx context.Context, in, out string, format service.Format) error {
	if format == service.FormatNiiGz {
		return fmt.Errorf("unexpected conversion of %s", filepath.Base(in))
	}
	return fakeConverter{}.Convert(ctx, in, out, format)
}

type harness struct {
	cfg     *config.Config
	conv    service.Converter
	data    dataset
	modeler *fakeModeler
	warper  *fakeWarper
}

func newHarness(t *testing.T, acqs ...string) *harness {
	t.Helper()
	base := t.TempDir()
	cfg := config.Default()
	cfg.Output.OutDir = filepath.Join(base, "results")
	cfg.Output.WorkDir = filepath.Join(base, "tmp")
	cfg.Normalize.Template = filepath.Join(base, "tpl.nii.gz")
	cfg.Sweep.Acquisitions = acqs
	return &harness{
		cfg:     &cfg,
		data:    newDataset(t, base),
		conv:    fakeConverter{},
		modeler: &fakeModeler{},
		warper:  &fakeWarper{},
	}
}

func (h *harness) runner(t *testing.T) *Runner {
	t.Helper()
	layouts, err := resolve.OpenLayouts(bids.NewCatalog(), h.data.mri, h.data.logs, h.data.physio, true)
	require.NoError(t, err)
	svc := &service.Services{Converter: h.conv, Warper: h.warper, Modeler: h.modeler}
	r, err := New(h.cfg, svc, layouts, Options{Logger: log.New(io.Discard)})
	require.NoError(t, err)
	return r
}

func TestValidateGraph(t *testing.T) {
	require.NoError(t, ValidateGraph(Sequence(), stageDeps))

	tests := []struct {
		name string
		seq  []Stage
		deps map[Stage][]Stage
	}{
		{"out of order", []Stage{"b", "a"}, map[Stage][]Stage{"a": nil, "b": {"a"}}},
		{"cycle", []Stage{"a", "b"}, map[Stage][]Stage{"a": {"b"}, "b": {"a"}}},
		{"unknown dependency", []Stage{"a"}, map[Stage][]Stage{"a": {"z"}}},
		{"missing entry", []Stage{"a", "b"}, map[Stage][]Stage{"a": nil}},
		{"never runs", []Stage{"a"}, map[Stage][]Stage{"a": nil, "b": {"a"}}},
		{"duplicate", []Stage{"a", "a"}, map[Stage][]Stage{"a": nil}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateGraph(tt.seq, tt.deps)
			assert.ErrorIs(t, err, ErrInvalidGraph)
		})
	}
}

func TestPredecessorsExposeOnlyDeclaredOutputs(t *testing.T) {
	all := outputs{StageUnpack: 1, StageSpecify: 2, StageDesign: 3, StageEstimate: 4}
	in := predecessors(StageContrast, all)
	assert.Len(t, in, 1)
	_, err := get[int](in, StageUnpack)
	assert.Error(t, err)
	v, err := get[int](in, StageEstimate)
	require.NoError(t, err)
	assert.Equal(t, 4, v)

	_, err = get[string](in, StageEstimate)
	assert.Error(t, err)
}

func TestRuns(t *testing.T) {
	runs := Runs(config.Sweep{Subjects: []int{1, 2}, Sessions: []int{1}, Acquisitions: []string{"A", "B"}})
	var got []string
	for _, r := range runs {
		got = append(got, r.String())
	}
	assert.Equal(t, []string{
		"sub-01_ses-01_acq-A", "sub-01_ses-01_acq-B",
		"sub-02_ses-01_acq-A", "sub-02_ses-01_acq-B",
	}, got)
}

func TestRunSweepCompletesAndSkips(t *testing.T) {
	h := newHarness(t, "A", "B")
	h.data.addRun(t, "A", eventLog)

	sum, err := h.runner(t).RunSweep(context.Background())
	require.NoError(t, err)
	require.Len(t, sum.Results, 2)
	assert.Equal(t, 1, sum.Count(runstate.StatusCompleted))
	assert.Equal(t, 1, sum.Count(runstate.StatusSkipped))

	a := sum.Results[0]
	require.Equal(t, runstate.StatusCompleted, a.Status, "err: %v", a.Err)
	assert.Equal(t, filepath.Join(h.cfg.Output.OutDir, "1stLevel", "sub-01", "ses-01", "acq-A"), a.Dir)
	assert.True(t, runstate.IsCompleted(a.Dir))

	for _, name := range []string{
		"SPM_sub-01_ses-01_acq-A.mat",
		"design_sub-01_ses-01_acq-A.json",
		"con_0001_sub-01_ses-01_acq-A.nii",
		"spmT_0001_sub-01_ses-01_acq-A.nii",
		"spmT_0001_space-" + resolve.DefaultSpace + "_sub-01_ses-01_acq-A.nii.gz",
		"beta_sound_run-01.nii",
		"beta_silence_run-01.nii",
		"betas.yaml",
		"report.md",
	} {
		assert.FileExists(t, filepath.Join(a.Dir, name))
	}
	assert.NoFileExists(t, filepath.Join(a.Dir, "beta_keypress_run-01.nii"))

	b := sum.Results[1]
	assert.Equal(t, runstate.StatusSkipped, b.Status)
	assert.True(t, fmrierr.IsSkip(b.Err))
	m, err := runstate.Load(b.Dir)
	require.NoError(t, err)
	assert.Equal(t, runstate.StatusSkipped, m.Status)

	entries, err := os.ReadDir(h.cfg.Output.WorkDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "scratch directories should be removed")
}

func TestStageRequestsCarryRunInputs(t *testing.T) {
	h := newHarness(t, "A")
	h.data.addRun(t, "A", eventLog)

	_, err := h.runner(t).RunSweep(context.Background())
	require.NoError(t, err)

	require.Len(t, h.modeler.specs, 1)
	req := h.modeler.specs[0]
	assert.Equal(t, 1.6, req.TimeRepetition)
	assert.Equal(t, 128.0, req.HighPassFilterCutoff)
	assert.Equal(t, "secs", req.InputUnits)
	assert.Equal(t, []float64{2.0, 3.5}, req.SubjectInfo.Onsets["sound"])
	require.Len(t, req.FunctionalRuns, 1)
	assert.True(t, strings.HasSuffix(req.FunctionalRuns[0], "_desc-preproc_bold.nii"))
	data, err := os.ReadFile(req.FunctionalRuns[0])
	if err == nil {
		assert.Equal(t, "bold-A", string(data))
	}

	require.Len(t, h.modeler.designs, 1)
	assert.True(t, strings.HasSuffix(h.modeler.designs[0].MaskImage, "_desc-brain_mask.nii"))

	require.Len(t, h.warper.reqs, 1)
	w := h.warper.reqs[0]
	assert.Equal(t, []bool{false}, w.Invert)
	assert.Equal(t, "Linear", w.Interpolation)
	assert.True(t, w.Float)
	require.Len(t, w.Transforms, 1)
	assert.Equal(t, "sub-01_ses-01_from-T1w_to-"+resolve.DefaultSpace+"_mode-image_xfm.h5", filepath.Base(w.Transforms[0]))
}

func TestCompressGzipsNiftiWithoutConverter(t *testing.T) {
	h := newHarness(t, "A")
	h.conv = niiOnlyConverter{}
	h.data.addRun(t, "A", eventLog)

	sum, err := h.runner(t).RunSweep(context.Background())
	require.NoError(t, err)
	a := sum.Results[0]
	require.Equal(t, runstate.StatusCompleted, a.Status, "err: %v", a.Err)

	zipped := filepath.Join(a.Dir, "spmT_0001_space-"+resolve.DefaultSpace+"_sub-01_ses-01_acq-A.nii.gz")
	plain := filepath.Join(t.TempDir(), "spmT.nii")
	require.NoError(t, fsutil.Gunzip(zipped, plain))
	data, err := os.ReadFile(plain)
	require.NoError(t, err)
	assert.Equal(t, "spmT", string(data))
}

func TestStageFailureAbortsOnlyThatRun(t *testing.T) {
	h := newHarness(t, "A", "C")
	h.data.addRun(t, "A", eventLog)
	h.data.addRun(t, "C", eventLog)
	h.modeler.failOn = "estimate"
	h.modeler.failFor = "acq-A"

	sum, err := h.runner(t).RunSweep(context.Background())
	require.NoError(t, err)

	a := sum.Results[0]
	assert.Equal(t, runstate.StatusFailed, a.Status)
	assert.Equal(t, StageEstimate, a.Stage)
	var se *fmrierr.StageExecutionError
	require.ErrorAs(t, a.Err, &se)
	assert.Equal(t, "estimate", se.Stage)
	assert.False(t, runstate.IsCompleted(a.Dir))
	assert.NoFileExists(t, filepath.Join(a.Dir, "spmT_0001_sub-01_ses-01_acq-A.nii"))

	m, err := runstate.Load(a.Dir)
	require.NoError(t, err)
	assert.Contains(t, m.Error, "estimation diverged")

	assert.Equal(t, runstate.StatusCompleted, sum.Results[1].Status)
}

func TestMalformedLogFailsRun(t *testing.T) {
	h := newHarness(t, "A", "C")
	h.data.addRun(t, "A", "only one line\n")
	h.data.addRun(t, "C", eventLog)

	sum, err := h.runner(t).RunSweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, runstate.StatusFailed, sum.Results[0].Status)
	assert.ErrorIs(t, sum.Results[0].Err, fmrierr.ErrMalformedLog)
	assert.Equal(t, runstate.StatusCompleted, sum.Results[1].Status)
}

func TestMalformedRegressorNameFailsRun(t *testing.T) {
	h := newHarness(t, "A")
	h.data.addRun(t, "A", eventLog)
	h.modeler.regNames = []string{"sound*bf(1)"}

	sum, err := h.runner(t).RunSweep(context.Background())
	require.NoError(t, err)
	res := sum.Results[0]
	assert.Equal(t, runstate.StatusFailed, res.Status)
	assert.Equal(t, StageFilterBetas, res.Stage)
	assert.ErrorIs(t, res.Err, fmrierr.ErrMalformedRegName)
}

func TestKeepScratch(t *testing.T) {
	h := newHarness(t, "A")
	h.data.addRun(t, "A", eventLog)
	h.cfg.Output.KeepScratch = true

	sum, err := h.runner(t).RunSweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, runstate.StatusCompleted, sum.Results[0].Status)

	m, err := runstate.Load(sum.Results[0].Dir)
	require.NoError(t, err)
	assert.DirExists(t, m.Scratch)
	assert.True(t, strings.HasPrefix(filepath.Base(m.Scratch), "sub-01_ses-01_acq-A-"))
}

func TestRerunReplacesPreviousResult(t *testing.T) {
	h := newHarness(t, "A")
	h.data.addRun(t, "A", eventLog)
	r := h.runner(t)

	first, err := r.RunSweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, runstate.StatusCompleted, first.Results[0].Status)

	h.modeler.failOn = "contrast"
	h.modeler.failFor = "acq-A"
	second, err := r.RunSweep(context.Background())
	require.NoError(t, err)
	dir := second.Results[0].Dir
	assert.Equal(t, runstate.StatusFailed, second.Results[0].Status)
	assert.False(t, runstate.IsCompleted(dir))
	assert.NoFileExists(t, filepath.Join(dir, "spmT_0001_sub-01_ses-01_acq-A.nii"))
}

func TestParallelSweepKeepsOrder(t *testing.T) {
	h := newHarness(t, "A", "B", "C", "D")
	h.data.addRun(t, "A", eventLog)
	h.data.addRun(t, "C", eventLog)
	h.data.addRun(t, "D", eventLog)
	h.cfg.Sweep.Jobs = 3

	sum, err := h.runner(t).RunSweep(context.Background())
	require.NoError(t, err)
	require.Len(t, sum.Results, 4)
	var order []string
	for _, r := range sum.Results {
		order = append(order, r.Run.Acquisition)
	}
	assert.Equal(t, []string{"A", "B", "C", "D"}, order)
	assert.Equal(t, 3, sum.Count(runstate.StatusCompleted))
	assert.Equal(t, 1, sum.Count(runstate.StatusSkipped))
}

func TestMissingLayoutIsFatal(t *testing.T) {
	h := newHarness(t, "A")
	svc := &service.Services{Converter: h.conv, Warper: h.warper, Modeler: h.modeler}
	r, err := New(h.cfg, svc, resolve.Layouts{}, Options{Logger: log.New(io.Discard)})
	require.NoError(t, err)

	_, err = r.RunSweep(context.Background())
	assert.ErrorIs(t, err, fmrierr.ErrInvalidConfig)
}

func TestNewRequiresServices(t *testing.T) {
	cfg := config.Default()
	_, err := New(&cfg, &service.Services{}, resolve.Layouts{}, Options{})
	assert.ErrorIs(t, err, fmrierr.ErrInvalidConfig)
}

func TestCanceledSweep(t *testing.T) {
	h := newHarness(t, "A")
	h.data.addRun(t, "A", eventLog)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sum, err := h.runner(t).RunSweep(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, sum.Results)
}

func TestWriteMetrics(t *testing.T) {
	h := newHarness(t, "A", "B")
	h.data.addRun(t, "A", eventLog)
	r := h.runner(t)
	_, err := r.RunSweep(context.Background())
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "metrics", "fmriflow.prom")
	require.NoError(t, r.WriteMetrics(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, `fmriflow_sweep_runs_total{status="completed"} 1`)
	assert.Contains(t, text, `fmriflow_sweep_runs_total{status="skipped"} 1`)
	assert.Contains(t, text, `fmriflow_stage_duration_seconds_count{outcome="ok",stage="persist"} 1`)
}

func TestRunName(t *testing.T) {
	run := resolve.Run{Subject: 3, Session: 2, Acquisition: "ME3"}
	assert.Equal(t, "spmT_0001_sub-03_ses-02_acq-ME3.nii.gz", runName("/w/spmT_0001.nii.gz", run))
	assert.Equal(t, "SPM_sub-03_ses-02_acq-ME3.mat", runName("SPM.mat", run))
	assert.Equal(t, "bold", imageStem("/a/bold.nii.gz"))
}

package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fmriflow/fmriflow/internal/design"
	"github.com/fmriflow/fmriflow/internal/fmrierr"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Model.HighPassCutoff != 128 {
		t.Errorf("HighPassCutoff = %v, want 128", cfg.Model.HighPassCutoff)
	}
	if cfg.Anatomy.Session != 1 {
		t.Errorf("Anatomy.Session = %d, want 1", cfg.Anatomy.Session)
	}
}

func TestInitAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)

	if err := Init(path, false); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := Init(path, false); err == nil {
		t.Error("expected error on duplicate init")
	}
	if err := Init(path, true); err != nil {
		t.Errorf("expected force init to succeed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Services.Warper != "antsApplyTransforms" {
		t.Errorf("Services.Warper = %q, want antsApplyTransforms", cfg.Services.Warper)
	}
}

func TestLoadMergesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	partial := `
sweep:
  subjects: [1, 2, 3]
  sessions: [2]
  acquisitions: [DresdenNoFat, ME1TR880]
design:
  policy: collapse
services:
  timeout: 45m
`
	if err := os.WriteFile(path, []byte(partial), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg.Sweep.Subjects) != 3 || cfg.Sweep.Subjects[2] != 3 {
		t.Errorf("Subjects = %v, want [1 2 3]", cfg.Sweep.Subjects)
	}
	if cfg.Design.Policy != "collapse" {
		t.Errorf("Policy = %q, want collapse", cfg.Design.Policy)
	}
	if cfg.Design.SilenceMarker != "null_event.wav" {
		t.Errorf("SilenceMarker = %q, want default", cfg.Design.SilenceMarker)
	}
	if cfg.Services.Timeout != 45*time.Minute {
		t.Errorf("Timeout = %v, want 45m", cfg.Services.Timeout)
	}
	if cfg.Sweep.Jobs != 1 {
		t.Errorf("Jobs = %d, want default 1", cfg.Sweep.Jobs)
	}

	opts := cfg.DesignOptions()
	if opts.Policy != design.PolicyCollapse || opts.Delimiter != ';' {
		t.Errorf("DesignOptions = %+v", opts)
	}
}

func TestLoadMissing(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config")
	}
}

func TestValidateErrors(t *testing.T) {
	cases := []struct {
		name  string
		edit  func(*Config)
		field string
	}{
		{"no subjects", func(c *Config) { c.Sweep.Subjects = nil }, "sweep.subjects"},
		{"zero session", func(c *Config) { c.Sweep.Sessions = []int{0} }, "sweep.sessions[0]"},
		{"bad acquisition", func(c *Config) { c.Sweep.Acquisitions = []string{"acq_A"} }, "sweep.acquisitions[0]"},
		{"bad policy", func(c *Config) { c.Design.Policy = "majority" }, "design.policy"},
		{"bad volterra", func(c *Config) { c.Model.Volterra = 3 }, "model.volterra"},
		{"bad derivs", func(c *Config) { c.Model.HRFDerivs = [2]int{0, 2} }, "model.hrf_derivs[1]"},
		{"weights mismatch", func(c *Config) { c.Model.Contrasts[0].Weights = []float64{1} }, "model.contrasts[0]"},
		{"unknown condition", func(c *Config) { c.Model.Contrasts[0].Conditions = []string{"sound", "music"} }, "model.contrasts[0]"},
		{"duplicate column", func(c *Config) { c.Design.ResponseColumn = 2 }, "design.response_column"},
		{"duplicate region", func(c *Config) { c.ROI.Regions = append(c.ROI.Regions, ROILabel{Name: "IC-L", Label: 9}) }, "roi.regions"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.edit(&cfg)
			err := cfg.Validate()
			if !errors.Is(err, fmrierr.ErrInvalidConfig) {
				t.Fatalf("Validate() = %v, want invalid configuration", err)
			}
			var ce *fmrierr.ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("expected ConfigError, got %T", err)
			}
			if ce.Field != tc.field {
				t.Errorf("Field = %q, want %q", ce.Field, tc.field)
			}
		})
	}
}

func TestSet(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	if err := Init(path, false); err != nil {
		t.Fatal(err)
	}

	if err := Set(path, "sweep.acquisitions", "ME3TR1600, ME3TR1100"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := Set(path, "model.hrf_derivs", "1,0"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := Set(path, "output.keep_scratch", "true"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(cfg.Sweep.Acquisitions, ","); got != "ME3TR1600,ME3TR1100" {
		t.Errorf("Acquisitions = %s", got)
	}
	if cfg.Model.HRFDerivs != [2]int{1, 0} {
		t.Errorf("HRFDerivs = %v, want [1 0]", cfg.Model.HRFDerivs)
	}
	if !cfg.Output.KeepScratch {
		t.Error("expected keep_scratch to be true")
	}

	if err := Set(path, "model.volterra", "5"); err == nil {
		t.Error("expected validation error for volterra 5")
	}
	if err := Set(path, "sweep.jobs", "many"); err == nil {
		t.Error("expected parse error for jobs")
	}
	if err := Set(path, "claude.path", "x"); err == nil || !strings.Contains(err.Error(), "unknown config key") {
		t.Errorf("expected unknown key error, got %v", err)
	}

	// failed sets must not have been saved
	cfg, _ = Load(path)
	if cfg.Model.Volterra != 1 {
		t.Errorf("Volterra = %d, want 1", cfg.Model.Volterra)
	}
}

func TestPathEnvOverride(t *testing.T) {
	t.Setenv(EnvConfig, "/etc/fmriflow/custom.yaml")
	if got := Path(); got != "/etc/fmriflow/custom.yaml" {
		t.Errorf("Path() = %s", got)
	}
	t.Setenv(EnvConfig, "")
	if got := Path(); got != FileName {
		t.Errorf("Path() = %s, want %s", got, FileName)
	}
}

func TestCheckHealth(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	cfg.Datasets.MRI = dir
	cfg.Datasets.Logs = dir
	cfg.Datasets.Physio = filepath.Join(dir, "missing")
	cfg.Normalize.Template = filepath.Join(dir, "tpl.nii.gz")
	cfg.ROI.Atlas = ""
	if err := os.WriteFile(cfg.Normalize.Template, nil, 0644); err != nil {
		t.Fatal(err)
	}

	orig := lookPath
	defer func() { lookPath = orig }()
	lookPath = func(bin string) (string, error) {
		if bin == "fmriflow-spm" {
			return "", errors.New("not found")
		}
		return "/usr/bin/" + bin, nil
	}

	issues := CheckHealth(&cfg)
	if len(issues) != 2 {
		t.Fatalf("expected 2 issues, got %d: %v", len(issues), issues)
	}
	if !strings.Contains(issues[0].Message, "datasets.physio") {
		t.Errorf("first issue = %q, want datasets.physio", issues[0].Message)
	}
	if !strings.Contains(issues[1].Message, "fmriflow-spm") {
		t.Errorf("second issue = %q, want modeler", issues[1].Message)
	}
}

// Package config loads, validates and edits the fmriflow.yaml configuration.
//
// A loaded Config is treated as immutable: components receive it by value or
// pointer at construction and never write back to it.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the default configuration file name.
const FileName = "fmriflow.yaml"

// EnvConfig overrides the configuration file path.
const EnvConfig = "FMRIFLOW_CONFIG"

// Datasets holds the three dataset roots.
type Datasets struct {
	MRI         string `yaml:"mri" validate:"required"`
	Logs        string `yaml:"logs" validate:"required"`
	Physio      string `yaml:"physio" validate:"required"`
	Derivatives bool   `yaml:"derivatives"`
}

// Output holds result, scratch and metrics locations.
type Output struct {
	OutDir      string `yaml:"out_dir" validate:"required"`
	WorkDir     string `yaml:"work_dir" validate:"required"`
	KeepScratch bool   `yaml:"keep_scratch"`
	MetricsFile string `yaml:"metrics_file,omitempty"`
}

// Sweep is the Cartesian product of runs to analyze.
type Sweep struct {
	Subjects     []int    `yaml:"subjects" validate:"required,min=1,dive,gt=0"`
	Sessions     []int    `yaml:"sessions" validate:"required,min=1,dive,gt=0"`
	Acquisitions []string `yaml:"acquisitions" validate:"required,min=1,dive,required,alphanum"`
	Task         string   `yaml:"task,omitempty"`
	Jobs         int      `yaml:"jobs" validate:"gte=1,lte=64"`
}

// Anatomy pins anatomical queries.
type Anatomy struct {
	Session int    `yaml:"session" validate:"gte=0"`
	Space   string `yaml:"space" validate:"required"`
}

// Contrast is one contrast estimated after the model.
type Contrast struct {
	Name       string    `yaml:"name" validate:"required"`
	Type       string    `yaml:"type" validate:"oneof=T F"`
	Conditions []string  `yaml:"conditions" validate:"required,min=1"`
	Weights    []float64 `yaml:"weights" validate:"required,min=1"`
}

// Model holds first-level model settings.
type Model struct {
	HRFDerivs      [2]int     `yaml:"hrf_derivs" validate:"dive,oneof=0 1"`
	Volterra       int        `yaml:"volterra" validate:"oneof=1 2"`
	HighPassCutoff float64    `yaml:"high_pass_cutoff" validate:"gt=0"`
	Units          string     `yaml:"units" validate:"oneof=secs scans"`
	Bayesian       bool       `yaml:"bayesian"`
	Contrasts      []Contrast `yaml:"contrasts" validate:"required,min=1,dive"`
}

// Design describes the event log layout.
type Design struct {
	Policy         string `yaml:"policy" validate:"oneof=independent collapse"`
	Delimiter      string `yaml:"delimiter" validate:"len=1"`
	SkipLines      int    `yaml:"skip_lines" validate:"gte=0"`
	OnsetColumn    int    `yaml:"onset_column" validate:"gte=0"`
	DurationColumn int    `yaml:"duration_column" validate:"gte=0"`
	StimulusColumn int    `yaml:"stimulus_column" validate:"gte=0"`
	ResponseColumn int    `yaml:"response_column" validate:"gte=0"`
	SilenceMarker  string `yaml:"silence_marker" validate:"required"`
	SoundPrefix    string `yaml:"sound_prefix" validate:"required"`
	NAMarker       string `yaml:"na_marker" validate:"required"`
}

// Normalize holds spatial normalization settings.
type Normalize struct {
	Template       string `yaml:"template"`
	Interpolation  string `yaml:"interpolation" validate:"oneof=Linear NearestNeighbor BSpline LanczosWindowedSinc"`
	Invert         bool   `yaml:"invert"`
	Float          bool   `yaml:"float"`
	Dimensionality int    `yaml:"dimensionality" validate:"oneof=2 3"`
}

// Services names the external tools.
type Services struct {
	Runtime     string        `yaml:"runtime" validate:"oneof=exec"`
	Converter   string        `yaml:"converter" validate:"required"`
	Warper      string        `yaml:"warper" validate:"required"`
	Modeler     string        `yaml:"modeler" validate:"required"`
	ModelerArgs []string      `yaml:"modeler_args,omitempty"`
	Timeout     time.Duration `yaml:"timeout"`
}

// ROILabel is one atlas region.
type ROILabel struct {
	Name  string `yaml:"name" validate:"required"`
	Label int    `yaml:"label" validate:"gt=0"`
}

// ROI holds atlas-based extraction settings.
type ROI struct {
	Atlas   string     `yaml:"atlas"`
	Regions []ROILabel `yaml:"regions" validate:"dive"`
}

// Confounds holds motion confound preparation settings.
type Confounds struct {
	Columns       []string `yaml:"columns" validate:"required,min=1"`
	OutlierPrefix string   `yaml:"outlier_prefix" validate:"required"`
	ArtifactsDir  string   `yaml:"artifacts_dir" validate:"required"`
}

// Config is the full fmriflow configuration.
type Config struct {
	Version   string    `yaml:"version"`
	Datasets  Datasets  `yaml:"datasets"`
	Output    Output    `yaml:"output"`
	Sweep     Sweep     `yaml:"sweep"`
	Anatomy   Anatomy   `yaml:"anatomy"`
	Model     Model     `yaml:"model"`
	Design    Design    `yaml:"design"`
	Normalize Normalize `yaml:"normalize"`
	Services  Services  `yaml:"services"`
	ROI       ROI       `yaml:"roi"`
	Confounds Confounds `yaml:"confounds"`
}

// Default returns a Config with the localizer defaults.
func Default() Config {
	return Config{
		Version: "1",
		Datasets: Datasets{
			MRI:         "data_MRI",
			Logs:        "data_logs/bids",
			Physio:      "data_physio",
			Derivatives: true,
		},
		Output: Output{
			OutDir:  "results",
			WorkDir: "tmp",
		},
		Sweep: Sweep{
			Subjects:     []int{1},
			Sessions:     []int{1},
			Acquisitions: []string{"ME3TR1600"},
			Jobs:         1,
		},
		Anatomy: Anatomy{
			Session: 1,
			Space:   "MNI152NLin2009cAsym",
		},
		Model: Model{
			HRFDerivs:      [2]int{0, 0},
			Volterra:       1,
			HighPassCutoff: 128,
			Units:          "secs",
			Contrasts: []Contrast{{
				Name:       "localizer",
				Type:       "T",
				Conditions: []string{"sound", "silence"},
				Weights:    []float64{1, -1},
			}},
		},
		Design: Design{
			Policy:         "independent",
			Delimiter:      ";",
			SkipLines:      3,
			OnsetColumn:    0,
			DurationColumn: 1,
			StimulusColumn: 2,
			ResponseColumn: 4,
			SilenceMarker:  "null_event.wav",
			SoundPrefix:    "s3",
			NAMarker:       "n/a",
		},
		Normalize: Normalize{
			Template:       "templates/tpl-MNI152NLin2009cAsym_res-01_T1w.nii.gz",
			Interpolation:  "Linear",
			Invert:         false,
			Float:          true,
			Dimensionality: 3,
		},
		Services: Services{
			Runtime:   "exec",
			Converter: "mri_convert",
			Warper:    "antsApplyTransforms",
			Modeler:   "fmriflow-spm",
		},
		ROI: ROI{
			Atlas: "templates/atlas_space-MNI152NLin2009cAsym_dseg.nii.gz",
			Regions: []ROILabel{
				{Name: "IC-L", Label: 5},
				{Name: "IC-R", Label: 6},
				{Name: "MGB-L", Label: 7},
				{Name: "MGB-R", Label: 8},
			},
		},
		Confounds: Confounds{
			Columns:       []string{"trans_x", "trans_y", "trans_z", "rot_x", "rot_y", "rot_z"},
			OutlierPrefix: "motion_outlier",
			ArtifactsDir:  "artifacts",
		},
	}
}

// Path returns the configuration file path, respecting FMRIFLOW_CONFIG.
func Path() string {
	if p := os.Getenv(EnvConfig); p != "" {
		return p
	}
	return FileName
}

// Init writes a default configuration to path.
func Init(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
	}
	return Save(path, Default())
}

// Load reads path, fills missing fields from defaults and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config at %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes cfg to path.
func Save(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Marshal renders cfg as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

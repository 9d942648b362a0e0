// Package service defines the external collaborators the pipeline drives:
// format conversion, model estimation and spatial warping. The pipeline only
// depends on these interfaces; the exec-backed implementations shell out to
// the configured tools.
package service

import (
	"context"
	"errors"

	"github.com/fmriflow/fmriflow/internal/design"
)

// Format is an image output format.
type Format string

const (
	FormatNii   Format = "nii"
	FormatNiiGz Format = "niigz"
)

// Ext returns the file extension of f.
func (f Format) Ext() string {
	if f == FormatNiiGz {
		return ".nii.gz"
	}
	return ".nii"
}

// Tool is implemented by every service.
type Tool interface {
	Name() string
	Available() error
}

// Converter converts images between formats.
type Converter interface {
	Tool
	Convert(ctx context.Context, in, out string, format Format) error
}

// Warper resamples an image through a chain of transforms.
type Warper interface {
	Tool
	Warp(ctx context.Context, req WarpRequest) error
}

// Modeler specifies, estimates and contrasts first-level models.
type Modeler interface {
	Tool
	SpecifyModel(ctx context.Context, req SpecifyRequest) (*SpecifyResult, error)
	DesignMatrix(ctx context.Context, req DesignRequest) (*DesignResult, error)
	Estimate(ctx context.Context, req EstimateRequest) (*EstimateResult, error)
	Contrast(ctx context.Context, req ContrastRequest) (*ContrastResult, error)
}

// Services bundles the three collaborators.
type Services struct {
	Converter Converter
	Warper    Warper
	Modeler   Modeler
}

// Tools returns every service for availability checks.
func (s *Services) Tools() []Tool {
	return []Tool{s.Converter, s.Warper, s.Modeler}
}

var (
	ErrInterrupted    = errors.New("service interrupted")
	ErrMissingOutput  = errors.New("service reported success but produced no output")
	ErrUnknownRuntime = errors.New("unknown service runtime")
)

// WarpRequest describes one resampling call.
type WarpRequest struct {
	Input          string
	Reference      string
	Output         string
	Transforms     []string
	Invert         []bool
	Interpolation  string
	Dimensionality int
	Float          bool
}

// SpecifyRequest combines a functional run with its design and nuisance
// inputs into a first-level model.
type SpecifyRequest struct {
	WorkDir               string         `json:"work_dir"`
	FunctionalRuns        []string       `json:"functional_runs"`
	SubjectInfo           *design.Design `json:"subject_info"`
	OutlierFiles          []string       `json:"outlier_files"`
	RealignmentParameters []string       `json:"realignment_parameters"`
	TimeRepetition        float64        `json:"time_repetition"`
	InputUnits            string         `json:"input_units"`
	OutputUnits           string         `json:"output_units"`
	HighPassFilterCutoff  float64        `json:"high_pass_filter_cutoff"`
	ConcatenateRuns       bool           `json:"concatenate_runs"`
}

// SpecifyResult points at the written session information.
type SpecifyResult struct {
	SessionInfo string `json:"session_info"`
}

// DesignRequest builds the design matrix from a specified model.
type DesignRequest struct {
	WorkDir                string  `json:"work_dir"`
	SessionInfo            string  `json:"session_info"`
	TimingUnits            string  `json:"timing_units"`
	InterscanInterval      float64 `json:"interscan_interval"`
	HRFDerivs              [2]int  `json:"hrf_derivs"`
	VolterraExpansionOrder int     `json:"volterra_expansion_order"`
	MaskImage              string  `json:"mask_image,omitempty"`
}

// DesignResult holds the design matrix artifact.
type DesignResult struct {
	DesignMatrix string `json:"design_matrix"`
}

// EstimateRequest estimates model parameters.
type EstimateRequest struct {
	WorkDir          string `json:"work_dir"`
	DesignMatrix     string `json:"design_matrix"`
	EstimationMethod string `json:"estimation_method"`
}

// EstimateResult lists per-regressor coefficient images and the residual.
// Description is the JSON description of the estimated design, read by the
// beta filter.
type EstimateResult struct {
	DesignMatrix  string   `json:"design_matrix"`
	Description   string   `json:"description"`
	BetaImages    []string `json:"beta_images"`
	ResidualImage string   `json:"residual_image"`
	MaskImage     string   `json:"mask_image,omitempty"`
}

// ContrastSpec is one contrast definition.
type ContrastSpec struct {
	Name       string    `json:"name"`
	Type       string    `json:"type"`
	Conditions []string  `json:"conditions"`
	Weights    []float64 `json:"weights"`
}

// ContrastRequest estimates contrasts on an estimated model.
type ContrastRequest struct {
	WorkDir       string         `json:"work_dir"`
	DesignMatrix  string         `json:"design_matrix"`
	BetaImages    []string       `json:"beta_images"`
	ResidualImage string         `json:"residual_image"`
	Contrasts     []ContrastSpec `json:"contrasts"`
}

// ContrastResult lists contrast-value and T-statistic images, index-aligned
// with the requested contrasts.
type ContrastResult struct {
	DesignMatrix string   `json:"design_matrix"`
	ConImages    []string `json:"con_images"`
	StatImages   []string `json:"spmT_images"`
}

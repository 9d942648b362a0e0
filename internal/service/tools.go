package service

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// MRIConvert converts images with FreeSurfer's mri_convert.
type MRIConvert struct {
	cmd command
}

// NewMRIConvert returns a converter running the executable at path.
func NewMRIConvert(path string, timeout time.Duration) *MRIConvert {
	if path == "" {
		path = "mri_convert"
	}
	return &MRIConvert{cmd: command{name: "mri_convert", path: path, timeout: timeout}}
}

func (m *MRIConvert) Name() string     { return "mri_convert" }
func (m *MRIConvert) Available() error { return m.cmd.available() }

// Convert runs mri_convert --out_type <format> <in> <out>.
func (m *MRIConvert) Convert(ctx context.Context, in, out string, format Format) error {
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return err
	}
	if err := m.cmd.run(ctx, filepath.Dir(out), ConvertArgs(in, out, format)...); err != nil {
		return err
	}
	return requireFile(out)
}

// ConvertArgs returns the mri_convert argument vector.
func ConvertArgs(in, out string, format Format) []string {
	return []string{"--out_type", string(format), in, out}
}

// ANTsApply warps images with antsApplyTransforms.
type ANTsApply struct {
	cmd command
}

// NewANTsApply returns a warper running the executable at path.
func NewANTsApply(path string, timeout time.Duration) *ANTsApply {
	if path == "" {
		path = "antsApplyTransforms"
	}
	return &ANTsApply{cmd: command{name: "antsApplyTransforms", path: path, timeout: timeout}}
}

func (a *ANTsApply) Name() string     { return "antsApplyTransforms" }
func (a *ANTsApply) Available() error { return a.cmd.available() }

// Warp runs antsApplyTransforms for req.
func (a *ANTsApply) Warp(ctx context.Context, req WarpRequest) error {
	if err := os.MkdirAll(filepath.Dir(req.Output), 0o755); err != nil {
		return err
	}
	if err := a.cmd.run(ctx, filepath.Dir(req.Output), WarpArgs(req)...); err != nil {
		return err
	}
	return requireFile(req.Output)
}

// WarpArgs returns the antsApplyTransforms argument vector. Transform i is
// inverted when req.Invert[i] is set.
func WarpArgs(req WarpRequest) []string {
	dim := req.Dimensionality
	if dim == 0 {
		dim = 3
	}
	interp := req.Interpolation
	if interp == "" {
		interp = "Linear"
	}
	args := []string{
		"--dimensionality", strconv.Itoa(dim),
		"--input", req.Input,
		"--reference-image", req.Reference,
		"--output", req.Output,
		"--interpolation", interp,
	}
	for i, xfm := range req.Transforms {
		flag := 0
		if i < len(req.Invert) && req.Invert[i] {
			flag = 1
		}
		args = append(args, "--transform", fmt.Sprintf("[%s,%d]", xfm, flag))
	}
	if req.Float {
		args = append(args, "--float")
	}
	return args
}

// ExecModeler drives a model estimation program through JSON request and
// response files: <modeler> [args...] <operation> --request <file> --response <file>.
type ExecModeler struct {
	cmd  command
	args []string
}

// NewExecModeler returns a modeler running the executable at path.
func NewExecModeler(path string, args []string, timeout time.Duration) *ExecModeler {
	return &ExecModeler{
		cmd:  command{name: filepath.Base(path), path: path, timeout: timeout},
		args: append([]string(nil), args...),
	}
}

func (m *ExecModeler) Name() string     { return m.cmd.name }
func (m *ExecModeler) Available() error { return m.cmd.available() }

// Modeler operations.
const (
	OpSpecify  = "specify"
	OpDesign   = "design"
	OpEstimate = "estimate"
	OpContrast = "contrast"
)

func (m *ExecModeler) SpecifyModel(ctx context.Context, req SpecifyRequest) (*SpecifyResult, error) {
	var res SpecifyResult
	if err := m.call(ctx, OpSpecify, req.WorkDir, req, &res); err != nil {
		return nil, err
	}
	if res.SessionInfo == "" {
		return nil, fmt.Errorf("%s %s: %w", m.cmd.name, OpSpecify, ErrMissingOutput)
	}
	return &res, nil
}

func (m *ExecModeler) DesignMatrix(ctx context.Context, req DesignRequest) (*DesignResult, error) {
	var res DesignResult
	if err := m.call(ctx, OpDesign, req.WorkDir, req, &res); err != nil {
		return nil, err
	}
	if res.DesignMatrix == "" {
		return nil, fmt.Errorf("%s %s: %w", m.cmd.name, OpDesign, ErrMissingOutput)
	}
	return &res, nil
}

func (m *ExecModeler) Estimate(ctx context.Context, req EstimateRequest) (*EstimateResult, error) {
	var res EstimateResult
	if err := m.call(ctx, OpEstimate, req.WorkDir, req, &res); err != nil {
		return nil, err
	}
	if len(res.BetaImages) == 0 || res.Description == "" {
		return nil, fmt.Errorf("%s %s: %w", m.cmd.name, OpEstimate, ErrMissingOutput)
	}
	return &res, nil
}

func (m *ExecModeler) Contrast(ctx context.Context, req ContrastRequest) (*ContrastResult, error) {
	var res ContrastResult
	if err := m.call(ctx, OpContrast, req.WorkDir, req, &res); err != nil {
		return nil, err
	}
	if len(res.StatImages) != len(req.Contrasts) || len(res.ConImages) != len(req.Contrasts) {
		return nil, fmt.Errorf("%s %s: %d contrasts requested, got %d T and %d con images: %w",
			m.cmd.name, OpContrast, len(req.Contrasts), len(res.StatImages), len(res.ConImages), ErrMissingOutput)
	}
	return &res, nil
}

// call writes <op>_request.json into dir, runs the modeler and decodes
// <op>_response.json. Relative paths in the response are resolved against dir.
func (m *ExecModeler) call(ctx context.Context, op, dir string, req, res any) error {
	if dir == "" {
		return fmt.Errorf("%s %s: work dir is required", m.cmd.name, op)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	reqPath := filepath.Join(dir, op+"_request.json")
	resPath := filepath.Join(dir, op+"_response.json")

	data, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", op, err)
	}
	if err := os.WriteFile(reqPath, data, 0o644); err != nil {
		return err
	}
	_ = os.Remove(resPath)

	args := append(append([]string(nil), m.args...), op, "--request", reqPath, "--response", resPath)
	if err := m.cmd.run(ctx, dir, args...); err != nil {
		return err
	}

	out, err := os.ReadFile(resPath)
	if err != nil {
		return fmt.Errorf("%s %s: reading response: %w", m.cmd.name, op, err)
	}
	if err := json.Unmarshal(out, res); err != nil {
		return fmt.Errorf("%s %s: decoding response: %w", m.cmd.name, op, err)
	}
	absolutize(dir, res)
	return nil
}

// absolutize rewrites relative output paths in known result types.
func absolutize(dir string, res any) {
	fix := func(p *string) {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(dir, *p)
		}
	}
	fixAll := func(ps []string) {
		for i := range ps {
			fix(&ps[i])
		}
	}
	switch r := res.(type) {
	case *SpecifyResult:
		fix(&r.SessionInfo)
	case *DesignResult:
		fix(&r.DesignMatrix)
	case *EstimateResult:
		fix(&r.DesignMatrix)
		fix(&r.Description)
		fix(&r.ResidualImage)
		fix(&r.MaskImage)
		fixAll(r.BetaImages)
	case *ContrastResult:
		fix(&r.DesignMatrix)
		fixAll(r.ConImages)
		fixAll(r.StatImages)
	}
}

func requireFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s: %w", path, ErrMissingOutput)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory: %w", path, ErrMissingOutput)
	}
	return nil
}

// New builds the services for runtime. Only "exec" is supported.
func New(runtime, converter, warper, modeler string, modelerArgs []string, timeout time.Duration) (*Services, error) {
	switch strings.ToLower(runtime) {
	case "", "exec":
		return &Services{
			Converter: NewMRIConvert(converter, timeout),
			Warper:    NewANTsApply(warper, timeout),
			Modeler:   NewExecModeler(modeler, modelerArgs, timeout),
		}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownRuntime, runtime)
	}
}

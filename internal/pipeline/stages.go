package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fmriflow/fmriflow/internal/betas"
	"github.com/fmriflow/fmriflow/internal/design"
	"github.com/fmriflow/fmriflow/internal/fsutil"
	"github.com/fmriflow/fmriflow/internal/resolve"
	"github.com/fmriflow/fmriflow/internal/service"
)

// runContext is what every stage may read besides its predecessors' outputs.
type runContext struct {
	run     resolve.Run
	inputs  *resolve.Inputs
	design  *design.Design
	scratch string
	outDir  string
}

type stageFunc func(ctx context.Context, rc *runContext, in outputs) (any, error)

// unpacked holds the uncompressed volumes the modeler reads.
type unpacked struct {
	Bold string
	Mask string
}

func (r *Runner) unpack(ctx context.Context, rc *runContext, _ outputs) (any, error) {
	dir := filepath.Join(rc.scratch, "func")
	bold, err := r.toNifti(ctx, rc.inputs.Bold, dir)
	if err != nil {
		return nil, err
	}
	mask, err := r.toNifti(ctx, rc.inputs.Mask, dir)
	if err != nil {
		return nil, err
	}
	return &unpacked{Bold: bold, Mask: mask}, nil
}

// toNifti writes an uncompressed copy of src into dir. Gzipped NIfTI is
// decompressed directly; other formats go through the converter.
func (r *Runner) toNifti(ctx context.Context, src, dir string) (string, error) {
	dst := filepath.Join(dir, imageStem(src)+service.FormatNii.Ext())
	switch {
	case strings.HasSuffix(src, ".nii.gz"):
		if err := fsutil.Gunzip(src, dst); err != nil {
			return "", fmt.Errorf("decompressing %s: %w", filepath.Base(src), err)
		}
	case strings.HasSuffix(src, ".nii"):
		if err := fsutil.CopyFile(src, dst); err != nil {
			return "", err
		}
	default:
		if err := r.svc.Converter.Convert(ctx, src, dst, service.FormatNii); err != nil {
			return "", err
		}
	}
	return dst, nil
}

func (r *Runner) specify(ctx context.Context, rc *runContext, in outputs) (any, error) {
	u, err := get[*unpacked](in, StageUnpack)
	if err != nil {
		return nil, err
	}
	return r.svc.Modeler.SpecifyModel(ctx, service.SpecifyRequest{
		WorkDir:               filepath.Join(rc.scratch, "model"),
		FunctionalRuns:        []string{u.Bold},
		SubjectInfo:           rc.design,
		OutlierFiles:          []string{rc.inputs.Outliers},
		RealignmentParameters: []string{rc.inputs.Confounds},
		TimeRepetition:        rc.inputs.RepetitionTime,
		InputUnits:            r.cfg.Model.Units,
		OutputUnits:           r.cfg.Model.Units,
		HighPassFilterCutoff:  r.cfg.Model.HighPassCutoff,
	})
}

func (r *Runner) designMatrix(ctx context.Context, rc *runContext, in outputs) (any, error) {
	u, err := get[*unpacked](in, StageUnpack)
	if err != nil {
		return nil, err
	}
	specified, err := get[*service.SpecifyResult](in, StageSpecify)
	if err != nil {
		return nil, err
	}
	return r.svc.Modeler.DesignMatrix(ctx, service.DesignRequest{
		WorkDir:                filepath.Join(rc.scratch, "model"),
		SessionInfo:            specified.SessionInfo,
		TimingUnits:            r.cfg.Model.Units,
		InterscanInterval:      rc.inputs.RepetitionTime,
		HRFDerivs:              r.cfg.Model.HRFDerivs,
		VolterraExpansionOrder: r.cfg.Model.Volterra,
		MaskImage:              u.Mask,
	})
}

func (r *Runner) estimate(ctx context.Context, rc *runContext, in outputs) (any, error) {
	dm, err := get[*service.DesignResult](in, StageDesign)
	if err != nil {
		return nil, err
	}
	method := "Classical"
	if r.cfg.Model.Bayesian {
		method = "Bayesian"
	}
	return r.svc.Modeler.Estimate(ctx, service.EstimateRequest{
		WorkDir:          filepath.Join(rc.scratch, "model"),
		DesignMatrix:     dm.DesignMatrix,
		EstimationMethod: method,
	})
}

func (r *Runner) filterBetas(_ context.Context, _ *runContext, in outputs) (any, error) {
	est, err := get[*service.EstimateResult](in, StageEstimate)
	if err != nil {
		return nil, err
	}
	dm, err := betas.LoadDesignMatrix(est.Description)
	if err != nil {
		return nil, err
	}
	return betas.FilterDesign(dm, est.BetaImages, r.cfg.Model.Bayesian)
}

func (r *Runner) contrast(ctx context.Context, rc *runContext, in outputs) (any, error) {
	est, err := get[*service.EstimateResult](in, StageEstimate)
	if err != nil {
		return nil, err
	}
	specs := make([]service.ContrastSpec, len(r.cfg.Model.Contrasts))
	for i, c := range r.cfg.Model.Contrasts {
		specs[i] = service.ContrastSpec{Name: c.Name, Type: c.Type, Conditions: c.Conditions, Weights: c.Weights}
	}
	return r.svc.Modeler.Contrast(ctx, service.ContrastRequest{
		WorkDir:       filepath.Join(rc.scratch, "model"),
		DesignMatrix:  est.DesignMatrix,
		BetaImages:    est.BetaImages,
		ResidualImage: est.ResidualImage,
		Contrasts:     specs,
	})
}

// normalize warps every T image into template space through the run's
// native-to-standard transform.
func (r *Runner) normalize(ctx context.Context, rc *runContext, in outputs) (any, error) {
	con, err := get[*service.ContrastResult](in, StageContrast)
	if err != nil {
		return nil, err
	}
	nc := r.cfg.Normalize
	warped := make([]string, 0, len(con.StatImages))
	for _, stat := range con.StatImages {
		out := filepath.Join(rc.scratch, "normalize", imageStem(stat)+"_space-"+r.cfg.Anatomy.Space+service.FormatNii.Ext())
		err := r.svc.Warper.Warp(ctx, service.WarpRequest{
			Input:          stat,
			Reference:      nc.Template,
			Output:         out,
			Transforms:     []string{rc.inputs.StandardXfm},
			Invert:         []bool{nc.Invert},
			Interpolation:  nc.Interpolation,
			Dimensionality: nc.Dimensionality,
			Float:          nc.Float,
		})
		if err != nil {
			return nil, err
		}
		warped = append(warped, out)
	}
	return warped, nil
}

func (r *Runner) compress(ctx context.Context, rc *runContext, in outputs) (any, error) {
	warped, err := get[[]string](in, StageNormalize)
	if err != nil {
		return nil, err
	}
	zipped := make([]string, 0, len(warped))
	for _, w := range warped {
		out := filepath.Join(rc.scratch, "zip", imageStem(w)+service.FormatNiiGz.Ext())
		switch {
		case strings.HasSuffix(w, ".nii.gz"):
			if err := fsutil.CopyFile(w, out); err != nil {
				return nil, err
			}
		case strings.HasSuffix(w, ".nii"):
			if err := fsutil.Gzip(w, out); err != nil {
				return nil, fmt.Errorf("compressing %s: %w", filepath.Base(w), err)
			}
		default:
			if err := r.svc.Converter.Convert(ctx, w, out, service.FormatNiiGz); err != nil {
				return nil, err
			}
		}
		zipped = append(zipped, out)
	}
	return zipped, nil
}

// persist copies the run's results into its output directory, each name
// suffixed with the run identity. It returns every written path.
func (r *Runner) persist(_ context.Context, rc *runContext, in outputs) (any, error) {
	est, err := get[*service.EstimateResult](in, StageEstimate)
	if err != nil {
		return nil, err
	}
	kept, err := get[[]betas.Beta](in, StageFilterBetas)
	if err != nil {
		return nil, err
	}
	con, err := get[*service.ContrastResult](in, StageContrast)
	if err != nil {
		return nil, err
	}
	zipped, err := get[[]string](in, StageCompress)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(rc.outDir, 0755); err != nil {
		return nil, err
	}
	var written []string
	copyAll := func(srcs ...string) error {
		for _, src := range srcs {
			if src == "" {
				continue
			}
			dst := filepath.Join(rc.outDir, runName(src, rc.run))
			if err := fsutil.CopyFile(src, dst); err != nil {
				return fmt.Errorf("persisting %s: %w", filepath.Base(src), err)
			}
			written = append(written, dst)
		}
		return nil
	}
	if err := copyAll(est.DesignMatrix, est.Description); err != nil {
		return nil, err
	}
	if err := copyAll(con.ConImages...); err != nil {
		return nil, err
	}
	if err := copyAll(con.StatImages...); err != nil {
		return nil, err
	}
	if err := copyAll(zipped...); err != nil {
		return nil, err
	}

	betaPaths, err := betas.Persist(rc.outDir, kept)
	if err != nil {
		return nil, err
	}
	return append(written, betaPaths...), nil
}

// imageStem strips every extension from the base name of path.
func imageStem(path string) string {
	base := filepath.Base(path)
	if i := strings.IndexByte(base, '.'); i > 0 {
		return base[:i]
	}
	return base
}

// runName inserts the run identity before the extensions of path's base
// name: spmT_0001.nii becomes spmT_0001_sub-01_ses-01_acq-A.nii.
func runName(path string, run resolve.Run) string {
	base := filepath.Base(path)
	stem := imageStem(base)
	return stem + "_" + run.String() + base[len(stem):]
}

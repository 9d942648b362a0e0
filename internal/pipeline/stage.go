package pipeline

import (
	"errors"
	"fmt"
)

// Stage is one step of the first-level chain.
type Stage string

const (
	StageUnpack      Stage = "unpack"
	StageSpecify     Stage = "specify"
	StageDesign      Stage = "design"
	StageEstimate    Stage = "estimate"
	StageFilterBetas Stage = "filter-betas"
	StageContrast    Stage = "contrast"
	StageNormalize   Stage = "normalize"
	StageCompress    Stage = "compress"
	StagePersist     Stage = "persist"
)

// Sequence returns the stages in execution order.
func Sequence() []Stage {
	return []Stage{
		StageUnpack,
		StageSpecify,
		StageDesign,
		StageEstimate,
		StageFilterBetas,
		StageContrast,
		StageNormalize,
		StageCompress,
		StagePersist,
	}
}

// stageDeps lists the stages whose outputs each stage consumes.
var stageDeps = map[Stage][]Stage{
	StageUnpack:      nil,
	StageSpecify:     {StageUnpack},
	StageDesign:      {StageUnpack, StageSpecify},
	StageEstimate:    {StageDesign},
	StageFilterBetas: {StageEstimate},
	StageContrast:    {StageEstimate},
	StageNormalize:   {StageContrast},
	StageCompress:    {StageNormalize},
	StagePersist:     {StageEstimate, StageFilterBetas, StageContrast, StageCompress},
}

// ErrInvalidGraph is returned for a stage graph that is not a DAG in the
// declared order.
var ErrInvalidGraph = errors.New("invalid stage graph")

// ValidateGraph checks that every stage in seq declares its dependencies,
// that dependencies name known stages, and that each dependency runs before
// its dependent. A sequence passing these checks is a topological order, so
// the graph is acyclic.
func ValidateGraph(seq []Stage, deps map[Stage][]Stage) error {
	pos := make(map[Stage]int, len(seq))
	for i, s := range seq {
		if _, dup := pos[s]; dup {
			return fmt.Errorf("%w: stage %s appears twice", ErrInvalidGraph, s)
		}
		pos[s] = i
	}
	for i, s := range seq {
		ds, ok := deps[s]
		if !ok {
			return fmt.Errorf("%w: stage %s has no dependency entry", ErrInvalidGraph, s)
		}
		for _, d := range ds {
			j, known := pos[d]
			if !known {
				return fmt.Errorf("%w: stage %s depends on unknown stage %s", ErrInvalidGraph, s, d)
			}
			if j >= i {
				return fmt.Errorf("%w: stage %s depends on %s, which does not run before it", ErrInvalidGraph, s, d)
			}
		}
	}
	for s := range deps {
		if _, ok := pos[s]; !ok {
			return fmt.Errorf("%w: stage %s is declared but never runs", ErrInvalidGraph, s)
		}
	}
	return nil
}

// outputs holds stage results visible to one stage.
type outputs map[Stage]any

// predecessors restricts all to the declared dependencies of s.
func predecessors(s Stage, all outputs) outputs {
	in := make(outputs, len(stageDeps[s]))
	for _, d := range stageDeps[s] {
		if v, ok := all[d]; ok {
			in[d] = v
		}
	}
	return in
}

// get fetches the typed output of stage from in.
func get[T any](in outputs, stage Stage) (T, error) {
	var zero T
	v, ok := in[stage]
	if !ok {
		return zero, fmt.Errorf("output of stage %s is not available", stage)
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("output of stage %s has type %T", stage, v)
	}
	return t, nil
}

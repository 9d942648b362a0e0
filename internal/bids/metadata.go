package bids

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/fmriflow/fmriflow/internal/fmrierr"
)

// Metadata returns the merged JSON sidecar metadata for f.
//
// Sidecars apply when they live in f's directory or one of its ancestors
// within the dataset root, share f's suffix, and carry only entities that f
// also carries with the same value. Less specific sidecars are applied first
// so the closest, most specific one wins.
func (ix *Index) Metadata(f File) (map[string]any, error) {
	dir := filepath.Dir(f.Path)

	type candidate struct {
		file  File
		depth int
		n     int
	}
	var cands []candidate
	for _, sc := range ix.sidecars {
		if sc.Path == f.Path {
			continue
		}
		if sc.Entities.Suffix() != f.Entities.Suffix() {
			continue
		}
		scDir := filepath.Dir(sc.Path)
		if !isAncestor(scDir, dir) || !isAncestor(ix.root, scDir) {
			continue
		}
		if !sc.Entities.subsetOf(f.Entities) {
			continue
		}
		cands = append(cands, candidate{
			file:  sc,
			depth: strings.Count(filepath.Clean(scDir), string(filepath.Separator)),
			n:     len(sc.Entities.values),
		})
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].depth != cands[j].depth {
			return cands[i].depth < cands[j].depth
		}
		return cands[i].n < cands[j].n
	})

	merged := make(map[string]any)
	for _, c := range cands {
		data, err := os.ReadFile(c.file.Path)
		if err != nil {
			return nil, fmt.Errorf("reading sidecar %s: %w", c.file.Path, err)
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parsing sidecar %s: %w", c.file.Path, err)
		}
		for k, v := range m {
			merged[k] = v
		}
	}
	return merged, nil
}

// FloatMetadata reads a required positive numeric key from f's sidecars.
func (ix *Index) FloatMetadata(f File, key string) (float64, error) {
	md, err := ix.Metadata(f)
	if err != nil {
		return 0, err
	}
	v, ok := md[key]
	if !ok {
		return 0, &fmrierr.MetadataMissingError{Key: key, Path: f.Path}
	}
	var x float64
	switch n := v.(type) {
	case float64:
		x = n
	case string:
		x, err = strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, &fmrierr.MetadataMissingError{Key: key, Path: f.Path}
		}
	default:
		return 0, &fmrierr.MetadataMissingError{Key: key, Path: f.Path}
	}
	if x <= 0 {
		return 0, &fmrierr.MetadataMissingError{Key: key, Path: f.Path}
	}
	return x, nil
}

func isAncestor(parent, child string) bool {
	rel, err := filepath.Rel(parent, child)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

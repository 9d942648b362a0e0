// Package betas selects and relabels estimated regression coefficient images.
package betas

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/fmriflow/fmriflow/internal/fmrierr"
	"github.com/fmriflow/fmriflow/internal/fsutil"
)

// Positions within the design matrix description. The estimator stores the
// regressor table at a different field depending on the estimation method,
// and each regressor entry carries its name at NameColumn.
const (
	ClassicalField = 13
	BayesianField  = 15
	NameColumn     = 5
)

// NuisanceMarkers discard any regressor whose name contains one of them.
var NuisanceMarkers = []string{"Realign", "Outlier", "keypress", ")x"}

// basisSuffixes are replaced in order after the run suffix is appended.
var basisSuffixes = []struct{ from, to string }{
	{"*bf(1)", ""},
	{"*bf(2)", "-hrfder1"},
	{"*bf(3)", "-hrfder2"},
	{"^1", ""},
}

// DesignMatrix is the stored description of an estimated design.
type DesignMatrix struct {
	Fields []Field `json:"fields"`
}

// Field is one positional entry of the description. Entries are rows of
// string cells.
type Field struct {
	Name    string     `json:"name,omitempty"`
	Entries [][]string `json:"entries"`
}

// LoadDesignMatrix reads a design matrix description written by the modeler.
func LoadDesignMatrix(path string) (*DesignMatrix, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var dm DesignMatrix
	if err := json.Unmarshal(data, &dm); err != nil {
		return nil, fmt.Errorf("parsing design matrix %s: %w", path, err)
	}
	return &dm, nil
}

// RegressorNames returns the regressor names from the field selected by the
// estimation method.
func (dm *DesignMatrix) RegressorNames(bayesian bool) ([]string, error) {
	idx := ClassicalField
	if bayesian {
		idx = BayesianField
	}
	if idx >= len(dm.Fields) {
		return nil, fmt.Errorf("design matrix has %d fields, regressor table expected at %d", len(dm.Fields), idx)
	}
	entries := dm.Fields[idx].Entries
	names := make([]string, len(entries))
	for i, e := range entries {
		if NameColumn >= len(e) {
			return nil, fmt.Errorf("regressor entry %d has %d cells, name expected at %d", i, len(e), NameColumn)
		}
		names[i] = e[NameColumn]
	}
	return names, nil
}

// Beta is one surviving coefficient image with its canonical label.
type Beta struct {
	Label string `yaml:"label"`
	Image string `yaml:"source"`
}

// IsNuisance reports whether name carries a nuisance marker.
func IsNuisance(name string) bool {
	for _, m := range NuisanceMarkers {
		if strings.Contains(name, m) {
			return true
		}
	}
	return false
}

// Label converts a regressor name such as "Sn(2) sound*bf(1)" into its
// canonical label "sound_run-02".
func Label(name string) (string, error) {
	open := strings.Index(name, "Sn(")
	if open < 0 {
		return "", fmt.Errorf("%w: %q has no Sn(<run>) token", fmrierr.ErrMalformedRegName, name)
	}
	start := open + len("Sn(")
	end := strings.IndexByte(name[start:], ')')
	if end < 0 {
		return "", fmt.Errorf("%w: %q has an unterminated Sn( token", fmrierr.ErrMalformedRegName, name)
	}
	end += start
	run, err := strconv.Atoi(strings.TrimSpace(name[start:end]))
	if err != nil {
		return "", fmt.Errorf("%w: %q: run index: %v", fmrierr.ErrMalformedRegName, name, err)
	}

	label := fmt.Sprintf("%s_run-%02d", strings.TrimPrefix(name[end+1:], " "), run)
	for _, s := range basisSuffixes {
		label = strings.ReplaceAll(label, s.from, s.to)
	}
	return label, nil
}

// Filter drops nuisance regressors and labels the rest. names and images are
// index-aligned; the output keeps input order.
func Filter(names, images []string) ([]Beta, error) {
	if len(names) != len(images) {
		return nil, fmt.Errorf("%w: %d regressor names for %d beta images", fmrierr.ErrMalformedRegName, len(names), len(images))
	}
	out := []Beta{}
	for i, name := range names {
		if IsNuisance(name) {
			continue
		}
		label, err := Label(name)
		if err != nil {
			return nil, err
		}
		out = append(out, Beta{Label: label, Image: images[i]})
	}
	return out, nil
}

// FilterDesign reads regressor names from dm and filters images against them.
func FilterDesign(dm *DesignMatrix, images []string, bayesian bool) ([]Beta, error) {
	names, err := dm.RegressorNames(bayesian)
	if err != nil {
		return nil, err
	}
	return Filter(names, images)
}

// Manifest records where each persisted beta came from.
type Manifest struct {
	Betas []Persisted `yaml:"betas"`
}

// Persisted is one beta image copied into a results directory.
type Persisted struct {
	Label  string `yaml:"label"`
	Source string `yaml:"source"`
	File   string `yaml:"file"`
}

// ManifestFile is the name of the manifest written next to the betas.
const ManifestFile = "betas.yaml"

// Persist copies each beta into dir as beta_<label><ext> and writes the
// manifest. It returns the written paths, manifest last.
func Persist(dir string, betas []Beta) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	var (
		m       Manifest
		written []string
	)
	for _, b := range betas {
		name := "beta_" + b.Label + imageExt(b.Image)
		dst := filepath.Join(dir, name)
		if err := fsutil.CopyFile(b.Image, dst); err != nil {
			return nil, fmt.Errorf("copying beta %s: %w", b.Label, err)
		}
		m.Betas = append(m.Betas, Persisted{Label: b.Label, Source: b.Image, File: name})
		written = append(written, dst)
	}

	data, err := yaml.Marshal(&m)
	if err != nil {
		return nil, err
	}
	mp := filepath.Join(dir, ManifestFile)
	if err := os.WriteFile(mp, data, 0o644); err != nil {
		return nil, err
	}
	return append(written, mp), nil
}

// LoadManifest reads a betas.yaml from dir.
func LoadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func imageExt(path string) string {
	base := filepath.Base(path)
	if i := strings.IndexByte(base, '.'); i >= 0 {
		return base[i:]
	}
	return ".nii"
}

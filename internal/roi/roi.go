// Package roi extracts region-of-interest statistics from standard-space
// T images using a labeled atlas on the same grid.
package roi

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gonum/matrix/mat64"
	"github.com/kshedden/gonpy"
	"gopkg.in/yaml.v3"

	"github.com/fmriflow/fmriflow/internal/fmrierr"
	"github.com/fmriflow/fmriflow/internal/resolve"
	"github.com/fmriflow/fmriflow/internal/runstate"
)

// Dir is the directory under out_dir holding ROI results.
const Dir = "roi"

// ManifestFile is written next to the extracted arrays.
const ManifestFile = "roi.yaml"

// SummaryColumns name the columns of the summary array.
var SummaryColumns = []string{"voxels", "mean", "std", "min", "max"}

// ErrGridMismatch is returned when the T image and atlas grids differ.
var ErrGridMismatch = errors.New("image and atlas grids differ")

// Region is one atlas label.
type Region struct {
	Name  string `yaml:"name"`
	Label int    `yaml:"label"`
}

// Values are the T values of one region, x varying fastest.
type Values struct {
	Region Region
	Values []float64
}

// Extract collects, for every region, the values of stat at voxels where
// atlas carries the region's label.
func Extract(stat, atlas Volume, regions []Region) ([]Values, error) {
	if stat.Dims() != atlas.Dims() {
		return nil, fmt.Errorf("%w: %v vs %v", ErrGridMismatch, stat.Dims(), atlas.Dims())
	}
	byLabel := make(map[int][]int, len(regions))
	for i, r := range regions {
		byLabel[r.Label] = append(byLabel[r.Label], i)
	}
	out := make([]Values, len(regions))
	for i, r := range regions {
		out[i].Region = r
	}

	d := stat.Dims()
	for z := 0; z < d[2]; z++ {
		for y := 0; y < d[1]; y++ {
			for x := 0; x < d[0]; x++ {
				idx, ok := byLabel[int(math.Round(atlas.At(x, y, z)))]
				if !ok {
					continue
				}
				v := stat.At(x, y, z)
				for _, i := range idx {
					out[i].Values = append(out[i].Values, v)
				}
			}
		}
	}
	return out, nil
}

// Summarize returns one row per region with SummaryColumns. Regions without
// voxels get a zero count and NaN statistics.
func Summarize(vals []Values) *mat64.Dense {
	m := mat64.NewDense(len(vals), len(SummaryColumns), nil)
	for i, v := range vals {
		n := len(v.Values)
		m.Set(i, 0, float64(n))
		if n == 0 {
			for j := 1; j < len(SummaryColumns); j++ {
				m.Set(i, j, math.NaN())
			}
			continue
		}
		sum, lo, hi := 0.0, math.Inf(1), math.Inf(-1)
		for _, x := range v.Values {
			sum += x
			lo = math.Min(lo, x)
			hi = math.Max(hi, x)
		}
		mean := sum / float64(n)
		ss := 0.0
		for _, x := range v.Values {
			ss += (x - mean) * (x - mean)
		}
		m.Set(i, 1, mean)
		m.Set(i, 2, math.Sqrt(ss/float64(n)))
		m.Set(i, 3, lo)
		m.Set(i, 4, hi)
	}
	return m
}

// WriteMatrix writes m as a 2-D float64 .npy array.
func WriteMatrix(path string, m *mat64.Dense) error {
	rows, cols := m.Dims()
	w, err := gonpy.NewFileWriter(path)
	if err != nil {
		return err
	}
	w.Shape = []int{rows, cols}
	w.Version = 2
	return w.WriteFloat64(m.RawMatrix().Data)
}

// WriteVector writes v as a 1-D float64 .npy array.
func WriteVector(path string, v []float64) error {
	w, err := gonpy.NewFileWriter(path)
	if err != nil {
		return err
	}
	w.Shape = []int{len(v)}
	w.Version = 2
	return w.WriteFloat64(v)
}

// RegionSummary is one region's entry in roi.yaml.
type RegionSummary struct {
	Region `yaml:",inline"`
	File   string  `yaml:"file"`
	Voxels int     `yaml:"voxels"`
	Mean   float64 `yaml:"mean"`
	Std    float64 `yaml:"std"`
	Min    float64 `yaml:"min"`
	Max    float64 `yaml:"max"`
}

// Manifest describes the ROI outputs of one run.
type Manifest struct {
	Run       string          `yaml:"run"`
	Stat      string          `yaml:"stat"`
	Atlas     string          `yaml:"atlas"`
	Summary   string          `yaml:"summary"`
	Columns   []string        `yaml:"columns"`
	Regions   []RegionSummary `yaml:"regions"`
	CreatedAt time.Time       `yaml:"created_at"`
}

// Options configure a run extraction.
type Options struct {
	// ResultDir is the run's first-level output directory.
	ResultDir string
	// OutDir receives the arrays and roi.yaml.
	OutDir  string
	Atlas   string
	Space   string
	Regions []Region
}

// loadVolume is replaced in tests.
var loadVolume = Load

// OutputDir returns the ROI directory of run under outDir.
func OutputDir(outDir string, run resolve.Run) string {
	return filepath.Join(append([]string{outDir, Dir}, run.Path()...)...)
}

// StatImage returns the standard-space T image a completed run persisted.
func StatImage(m *runstate.Manifest, space string) (string, bool) {
	var hits []string
	for _, o := range m.Outputs {
		base := filepath.Base(o)
		if strings.HasPrefix(base, "spmT_") && strings.Contains(base, "_space-"+space+"_") {
			hits = append(hits, o)
		}
	}
	if len(hits) == 0 {
		return "", false
	}
	sort.Strings(hits)
	return hits[0], true
}

// ExtractRun writes the ROI arrays of one run. A run whose manifest is not
// completed yields a NoDataError.
func ExtractRun(run resolve.Run, opts Options) (*Manifest, error) {
	m, err := runstate.Load(opts.ResultDir)
	if err != nil || m.Status != runstate.StatusCompleted {
		return nil, &fmrierr.NoDataError{Family: "completed " + runstate.FileName, Selector: run.String()}
	}
	stat, ok := StatImage(m, opts.Space)
	if !ok {
		return nil, &fmrierr.NoDataError{Family: "spmT_*_space-" + opts.Space, Selector: run.String()}
	}

	img, err := loadVolume(stat)
	if err != nil {
		return nil, err
	}
	atlas, err := loadVolume(opts.Atlas)
	if err != nil {
		return nil, err
	}
	vals, err := Extract(img, atlas, opts.Regions)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(stat), err)
	}
	sum := Summarize(vals)

	if err := os.MkdirAll(opts.OutDir, 0755); err != nil {
		return nil, err
	}
	out := &Manifest{
		Run:       run.String(),
		Stat:      stat,
		Atlas:     opts.Atlas,
		Summary:   filepath.Join(opts.OutDir, run.String()+"_roi-summary.npy"),
		Columns:   SummaryColumns,
		CreatedAt: time.Now().UTC(),
	}
	for i, v := range vals {
		file := filepath.Join(opts.OutDir, fmt.Sprintf("%s_roi-%s.npy", run.String(), v.Region.Name))
		if err := WriteVector(file, v.Values); err != nil {
			return nil, fmt.Errorf("writing %s: %w", filepath.Base(file), err)
		}
		out.Regions = append(out.Regions, RegionSummary{
			Region: v.Region,
			File:   file,
			Voxels: len(v.Values),
			Mean:   sum.At(i, 1),
			Std:    sum.At(i, 2),
			Min:    sum.At(i, 3),
			Max:    sum.At(i, 4),
		})
	}
	if err := WriteMatrix(out.Summary, sum); err != nil {
		return nil, fmt.Errorf("writing %s: %w", filepath.Base(out.Summary), err)
	}

	data, err := yaml.Marshal(out)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(opts.OutDir, ManifestFile), data, 0644); err != nil {
		return nil, err
	}
	return out, nil
}

package roi

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/kshedden/gonpy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/fmriflow/fmriflow/internal/fmrierr"
	"github.com/fmriflow/fmriflow/internal/resolve"
	"github.com/fmriflow/fmriflow/internal/runstate"
)

type grid struct {
	dims [3]int
	data []float64
}

func (g *grid) Dims() [3]int { return g.dims }

func (g *grid) At(x, y, z int) float64 {
	return g.data[x+g.dims[0]*(y+g.dims[1]*z)]
}

// 2x2x2 grids, x fastest.
var (
	statGrid  = &grid{dims: [3]int{2, 2, 2}, data: []float64{1, 2, 3, 4, 5, 6, 7, 8}}
	atlasGrid = &grid{dims: [3]int{2, 2, 2}, data: []float64{5, 5, 6, 0, 0, 6, 7, 5}}
)

var regions = []Region{{"IC-L", 5}, {"IC-R", 6}, {"MGB-L", 7}, {"MGB-R", 8}}

func TestExtract(t *testing.T) {
	vals, err := Extract(statGrid, atlasGrid, regions)
	require.NoError(t, err)
	require.Len(t, vals, 4)
	assert.Equal(t, []float64{1, 2, 8}, vals[0].Values)
	assert.Equal(t, []float64{3, 6}, vals[1].Values)
	assert.Equal(t, []float64{7}, vals[2].Values)
	assert.Empty(t, vals[3].Values)
	assert.Equal(t, "MGB-R", vals[3].Region.Name)
}

func TestExtractGridMismatch(t *testing.T) {
	other := &grid{dims: [3]int{2, 2, 1}, data: make([]float64, 4)}
	_, err := Extract(statGrid, other, regions)
	assert.ErrorIs(t, err, ErrGridMismatch)
}

func TestSummarize(t *testing.T) {
	vals := []Values{
		{Region: regions[0], Values: []float64{1, 2, 3, 4}},
		{Region: regions[1]},
	}
	m := Summarize(vals)
	r, c := m.Dims()
	assert.Equal(t, 2, r)
	assert.Equal(t, len(SummaryColumns), c)

	assert.Equal(t, 4.0, m.At(0, 0))
	assert.InDelta(t, 2.5, m.At(0, 1), 1e-12)
	assert.InDelta(t, math.Sqrt(1.25), m.At(0, 2), 1e-12)
	assert.Equal(t, 1.0, m.At(0, 3))
	assert.Equal(t, 4.0, m.At(0, 4))

	assert.Equal(t, 0.0, m.At(1, 0))
	assert.True(t, math.IsNaN(m.At(1, 1)))
}

func TestWriteMatrixReadable(t *testing.T) {
	vals, err := Extract(statGrid, atlasGrid, regions[:2])
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "summary.npy")
	require.NoError(t, WriteMatrix(path, Summarize(vals)))

	r, err := gonpy.NewFileReader(path)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 5}, r.Shape)
	data, err := r.GetFloat64()
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 11.0 / 3, data[2], 1, 8}, data[:5])
}

func writeHeader(t *testing.T, path string, order binary.ByteOrder, dim [8]int16) {
	t.Helper()
	buf := make([]byte, headerSize+4)
	order.PutUint32(buf[0:], headerSize)
	for i, d := range dim {
		order.PutUint16(buf[dimOffset+2*i:], uint16(d))
	}
	copy(buf[344:], "n+1\x00")
	require.NoError(t, os.WriteFile(path, buf, 0o644))
}

func TestReadDims(t *testing.T) {
	dir := t.TempDir()

	le := filepath.Join(dir, "le.nii")
	writeHeader(t, le, binary.LittleEndian, [8]int16{3, 91, 109, 91, 1, 1, 1, 1})
	dims, err := ReadDims(le)
	require.NoError(t, err)
	assert.Equal(t, [3]int{91, 109, 91}, dims)

	be := filepath.Join(dir, "be.nii")
	writeHeader(t, be, binary.BigEndian, [8]int16{4, 4, 5, 6, 10, 1, 1, 1})
	dims, err = ReadDims(be)
	require.NoError(t, err)
	assert.Equal(t, [3]int{4, 5, 6}, dims)

	flat := filepath.Join(dir, "flat.nii")
	writeHeader(t, flat, binary.LittleEndian, [8]int16{2, 4, 5, 1, 1, 1, 1, 1})
	_, err = ReadDims(flat)
	assert.Error(t, err)

	junk := filepath.Join(dir, "junk.nii")
	require.NoError(t, os.WriteFile(junk, []byte("not an image"), 0o644))
	_, err = ReadDims(junk)
	assert.ErrorIs(t, err, errNotNifti)
}

func completedRun(t *testing.T, dir string, outputs ...string) {
	t.Helper()
	m, err := runstate.Start(dir, 1, 1, "A", filepath.Join(t.TempDir(), "scratch"))
	require.NoError(t, err)
	m.AddOutputs(outputs...)
	require.NoError(t, m.Transition(runstate.StatusCompleted, nil))
}

func TestExtractRun(t *testing.T) {
	prev := loadVolume
	t.Cleanup(func() { loadVolume = prev })
	loadVolume = func(path string) (Volume, error) {
		if filepath.Base(path) == "atlas.nii.gz" {
			return atlasGrid, nil
		}
		return statGrid, nil
	}

	run := resolve.Run{Subject: 1, Session: 1, Acquisition: "A"}
	base := t.TempDir()
	resultDir := filepath.Join(base, "1stLevel", "sub-01", "ses-01", "acq-A")
	completedRun(t, resultDir,
		filepath.Join(resultDir, "spmT_0001_sub-01_ses-01_acq-A.nii"),
		filepath.Join(resultDir, "spmT_0002_space-MNI_sub-01_ses-01_acq-A.nii.gz"),
		filepath.Join(resultDir, "spmT_0001_space-MNI_sub-01_ses-01_acq-A.nii.gz"),
	)

	outDir := OutputDir(base, run)
	assert.Equal(t, filepath.Join(base, "roi", "sub-01", "ses-01", "acq-A"), outDir)

	m, err := ExtractRun(run, Options{
		ResultDir: resultDir,
		OutDir:    outDir,
		Atlas:     filepath.Join(base, "atlas.nii.gz"),
		Space:     "MNI",
		Regions:   regions[:3],
	})
	require.NoError(t, err)
	assert.Equal(t, "spmT_0001_space-MNI_sub-01_ses-01_acq-A.nii.gz", filepath.Base(m.Stat))
	require.Len(t, m.Regions, 3)
	assert.Equal(t, 3, m.Regions[0].Voxels)
	assert.Equal(t, 7.0, m.Regions[2].Max)

	for _, name := range []string{"IC-L", "IC-R", "MGB-L", "summary"} {
		assert.FileExists(t, filepath.Join(outDir, "sub-01_ses-01_acq-A_roi-"+name+".npy"))
	}

	r, err := gonpy.NewFileReader(filepath.Join(outDir, "sub-01_ses-01_acq-A_roi-IC-R.npy"))
	require.NoError(t, err)
	v, err := r.GetFloat64()
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 6}, v)

	data, err := os.ReadFile(filepath.Join(outDir, ManifestFile))
	require.NoError(t, err)
	var back Manifest
	require.NoError(t, yaml.Unmarshal(data, &back))
	assert.Equal(t, "sub-01_ses-01_acq-A", back.Run)
	assert.Equal(t, "IC-L", back.Regions[0].Name)
	assert.Equal(t, 5, back.Regions[0].Label)
}

func TestExtractRunSkipsIncomplete(t *testing.T) {
	run := resolve.Run{Subject: 1, Session: 1, Acquisition: "A"}
	dir := t.TempDir()
	_, err := ExtractRun(run, Options{ResultDir: dir, OutDir: t.TempDir(), Space: "MNI"})
	assert.ErrorIs(t, err, fmrierr.ErrNoData)

	_, err = runstate.Start(dir, 1, 1, "A", "")
	require.NoError(t, err)
	_, err = ExtractRun(run, Options{ResultDir: dir, OutDir: t.TempDir(), Space: "MNI"})
	assert.ErrorIs(t, err, fmrierr.ErrNoData)
}

func TestExtractRunWithoutStandardImage(t *testing.T) {
	dir := t.TempDir()
	completedRun(t, dir, filepath.Join(dir, "spmT_0001_sub-01_ses-01_acq-A.nii"))
	_, err := ExtractRun(resolve.Run{Subject: 1, Session: 1, Acquisition: "A"},
		Options{ResultDir: dir, OutDir: t.TempDir(), Space: "MNI"})
	assert.ErrorIs(t, err, fmrierr.ErrNoData)
}

package roi

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/KyungWonPark/nifti"

	"github.com/fmriflow/fmriflow/internal/fsutil"
)

// Volume is a 3-D image grid.
type Volume interface {
	Dims() [3]int
	At(x, y, z int) float64
}

const (
	headerSize = 348
	dimOffset  = 40
)

var errNotNifti = errors.New("not a NIfTI-1 image")

// ReadDims returns the spatial grid size recorded in a NIfTI-1 header.
// Byte order is inferred from sizeof_hdr.
func ReadDims(path string) ([3]int, error) {
	var dims [3]int
	f, err := os.Open(path)
	if err != nil {
		return dims, err
	}
	defer f.Close()

	buf := make([]byte, headerSize)
	if _, err := io.ReadFull(f, buf); err != nil {
		return dims, fmt.Errorf("%s: %w", filepath.Base(path), errNotNifti)
	}
	var order binary.ByteOrder = binary.LittleEndian
	if int32(order.Uint32(buf[:4])) != headerSize {
		order = binary.BigEndian
		if int32(order.Uint32(buf[:4])) != headerSize {
			return dims, fmt.Errorf("%s: %w", filepath.Base(path), errNotNifti)
		}
	}
	var dim [8]int16
	for i := range dim {
		dim[i] = int16(order.Uint16(buf[dimOffset+2*i:]))
	}
	if dim[0] < 3 || dim[0] > 7 {
		return dims, fmt.Errorf("%s: %d dimensions, want at least 3", filepath.Base(path), dim[0])
	}
	for i := range dims {
		if dim[i+1] <= 0 {
			return dims, fmt.Errorf("%s: invalid dim[%d]=%d", filepath.Base(path), i+1, dim[i+1])
		}
		dims[i] = int(dim[i+1])
	}
	return dims, nil
}

type niftiVolume struct {
	img  nifti.Nifti1Image
	dims [3]int
}

func (v *niftiVolume) Dims() [3]int { return v.dims }

func (v *niftiVolume) At(x, y, z int) float64 {
	return float64(v.img.GetAt(uint32(x), uint32(y), uint32(z), 0))
}

// Load reads the first volume of a NIfTI-1 image. Gzipped images are
// decompressed into a temporary directory first.
func Load(path string) (Volume, error) {
	src := path
	if fsutil.IsGzip(path) {
		tmp, err := os.MkdirTemp("", "fmriflow-roi-")
		if err != nil {
			return nil, err
		}
		defer os.RemoveAll(tmp)
		src = filepath.Join(tmp, strings.TrimSuffix(filepath.Base(path), ".gz"))
		if err := fsutil.Gunzip(path, src); err != nil {
			return nil, fmt.Errorf("decompressing %s: %w", filepath.Base(path), err)
		}
	}
	dims, err := ReadDims(src)
	if err != nil {
		return nil, err
	}
	v := &niftiVolume{dims: dims}
	v.img.LoadImage(src, true)
	return v, nil
}

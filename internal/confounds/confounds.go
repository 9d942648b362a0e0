// Package confounds prepares the nuisance inputs of a first-level run from
// the preprocessing confound table: motion parameters, physiological
// regressors and motion outlier volumes.
package confounds

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fmriflow/fmriflow/internal/bids"
	"github.com/fmriflow/fmriflow/internal/fmrierr"
	"github.com/fmriflow/fmriflow/internal/resolve"
)

// DefaultColumns are the rigid-body motion parameters.
var DefaultColumns = []string{"trans_x", "trans_y", "trans_z", "rot_x", "rot_y", "rot_z"}

// DefaultOutlierPrefix marks the one-hot outlier columns.
const DefaultOutlierPrefix = "motion_outlier"

// Options control which columns are kept and where files are written.
type Options struct {
	Columns       []string
	OutlierPrefix string
	OutDir        string
}

// Result describes the files written for one run.
type Result struct {
	Run            resolve.Run
	Confounds      string
	Outliers       string
	Volumes        int
	Regressors     int
	OutlierVolumes []int
}

// Table is a tab-separated table. Header is empty for headerless files.
type Table struct {
	Header []string
	Rows   [][]string
}

// Column returns the values of the named column.
func (t *Table) Column(name string) ([]string, bool) {
	idx := -1
	for i, h := range t.Header {
		if h == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, false
	}
	out := make([]string, len(t.Rows))
	for i, r := range t.Rows {
		if idx < len(r) {
			out[i] = r[idx]
		}
	}
	return out, true
}

// ReadTable reads a tab-separated file. When header is true the first row
// names the columns.
func ReadTable(path string, header bool) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseTable(f, header)
}

func parseTable(r io.Reader, header bool) (*Table, error) {
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	records, err := cr.ReadAll()
	if err != nil {
		return nil, err
	}
	t := &Table{}
	if header && len(records) > 0 {
		t.Header = records[0]
		records = records[1:]
	}
	for _, rec := range records {
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
			continue
		}
		t.Rows = append(t.Rows, rec)
	}
	return t, nil
}

// Prepare writes <run>_confounds.txt and <run>_outliers.txt into
// opts.OutDir. The confound file holds the selected motion columns followed
// by the physiological regressors, space separated and headerless; missing
// values are written as 0. The outlier file lists 0-based volume indices
// flagged in any outlier column. A run without a confound table yields a
// NoDataError; a run without regressors keeps only the motion columns.
func Prepare(mri, physio *bids.Index, run resolve.Run, opts Options) (*Result, error) {
	if len(opts.Columns) == 0 {
		opts.Columns = DefaultColumns
	}
	if opts.OutlierPrefix == "" {
		opts.OutlierPrefix = DefaultOutlierPrefix
	}

	sel := bids.Select(run.Subject, run.Session, bids.SuffixTimeseries, ".tsv").WithAcquisition(run.Acquisition)
	hits := mri.Query(sel)
	if len(hits) == 0 {
		return nil, &fmrierr.NoDataError{Family: "timeseries", Selector: sel.String()}
	}
	ts, err := ReadTable(hits[0].Path, true)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", filepath.Base(hits[0].Path), err)
	}

	columns := make([][]string, 0, len(opts.Columns))
	for _, name := range opts.Columns {
		col, ok := ts.Column(name)
		if !ok {
			return nil, fmt.Errorf("%s has no column %q", filepath.Base(hits[0].Path), name)
		}
		columns = append(columns, col)
	}

	var reg *Table
	if physio != nil {
		rsel := bids.Select(run.Subject, run.Session, bids.SuffixRegressors, ".tsv").WithAcquisition(run.Acquisition)
		if rh := physio.Query(rsel); len(rh) > 0 {
			reg, err = ReadTable(rh[0].Path, false)
			if err != nil {
				return nil, fmt.Errorf("reading %s: %w", filepath.Base(rh[0].Path), err)
			}
			if len(reg.Rows) != len(ts.Rows) {
				return nil, fmt.Errorf("%s has %d rows, confound table has %d", filepath.Base(rh[0].Path), len(reg.Rows), len(ts.Rows))
			}
		}
	}

	res := &Result{
		Run:       run,
		Confounds: filepath.Join(opts.OutDir, run.String()+"_confounds.txt"),
		Outliers:  filepath.Join(opts.OutDir, run.String()+"_outliers.txt"),
		Volumes:   len(ts.Rows),
	}

	var b strings.Builder
	for i := range ts.Rows {
		row := make([]string, 0, len(columns))
		for _, col := range columns {
			row = append(row, numeric(col[i]))
		}
		if reg != nil {
			for _, v := range reg.Rows[i] {
				row = append(row, numeric(v))
			}
		}
		b.WriteString(strings.Join(row, " "))
		b.WriteByte('\n')
	}
	if reg != nil && len(reg.Rows) > 0 {
		res.Regressors = len(reg.Rows[0])
	}

	res.OutlierVolumes = OutlierVolumes(ts, opts.OutlierPrefix)
	vols := make([]string, len(res.OutlierVolumes))
	for i, v := range res.OutlierVolumes {
		vols[i] = strconv.Itoa(v)
	}

	if err := os.MkdirAll(opts.OutDir, 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(res.Confounds, []byte(b.String()), 0o644); err != nil {
		return nil, err
	}
	if err := os.WriteFile(res.Outliers, []byte(strings.Join(vols, "\n")), 0o644); err != nil {
		return nil, err
	}
	return res, nil
}

// OutlierVolumes returns the sorted, distinct row indices where any column
// starting with prefix equals 1.
func OutlierVolumes(t *Table, prefix string) []int {
	flagged := make([]bool, len(t.Rows))
	for _, h := range t.Header {
		if !strings.HasPrefix(h, prefix) {
			continue
		}
		col, _ := t.Column(h)
		for i, v := range col {
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil && f == 1 {
				flagged[i] = true
			}
		}
	}
	out := []int{}
	for i, f := range flagged {
		if f {
			out = append(out, i)
		}
	}
	return out
}

func numeric(v string) string {
	v = strings.TrimSpace(v)
	if v == "" || v == "n/a" || strings.EqualFold(v, "nan") {
		return "0"
	}
	return v
}

// Package resolve assembles every input file one first-level run needs.
package resolve

import (
	"fmt"

	"github.com/fmriflow/fmriflow/internal/bids"
	"github.com/fmriflow/fmriflow/internal/fmrierr"
)

// Transform query positions. The dataset lists the fsnative->T1w transform
// first among the .txt transforms and the T1w->template transform second
// among the .h5 transforms. The layout offers no entity that tells them
// apart, so selection is by position and must stay that way.
const (
	NativeTransformPosition   = 0
	StandardTransformPosition = 1
)

// DefaultSpace is the standard space the functional, mask and anatomical
// images are queried in.
const DefaultSpace = "MNI152NLin2009cAsym"

// Run identifies one first-level analysis instance.
type Run struct {
	Subject     int
	Session     int
	Acquisition string
}

// String renders the run as sub-NN_ses-NN_acq-X.
func (r Run) String() string {
	return fmt.Sprintf("sub-%s_ses-%s_acq-%s", bids.Label(r.Subject), bids.Label(r.Session), r.Acquisition)
}

// Path returns the relative directory sub-NN/ses-NN/acq-X.
func (r Run) Path() []string {
	return []string{"sub-" + bids.Label(r.Subject), "ses-" + bids.Label(r.Session), "acq-" + r.Acquisition}
}

// Inputs holds every resolved file for one run.
type Inputs struct {
	Run Run

	Events      string
	Bold        string
	Mask        string
	Confounds   string
	Outliers    string
	T1w         string
	NativeXfm   string
	StandardXfm string

	RepetitionTime float64
}

// Layouts are the three dataset trees a run draws from.
type Layouts struct {
	MRI    *bids.Index // functional, mask, anatomical, transforms
	Logs   *bids.Index // event logs
	Physio *bids.Index // confounds, outliers
}

// Options tune the resolver.
type Options struct {
	// Space constrains the functional, mask and anatomical queries.
	Space string
	// AnatomySession replaces the run's session for anatomical and
	// transform queries. Zero keeps the run's session.
	AnatomySession int
	// Task optionally constrains every query.
	Task string
	// OnAmbiguous is called when a family has more candidates than expected.
	OnAmbiguous func(*fmrierr.AmbiguousMatchError)
}

// Resolver resolves runs against a fixed set of layouts.
type Resolver struct {
	layouts Layouts
	opts    Options
}

// New returns a resolver. A zero Space defaults to DefaultSpace.
func New(layouts Layouts, opts Options) *Resolver {
	if opts.Space == "" {
		opts.Space = DefaultSpace
	}
	return &Resolver{layouts: layouts, opts: opts}
}

// family describes one required file family.
type family struct {
	name     string
	index    *bids.Index
	sel      bids.Selector
	position int
	expect   int
	dst      *string
}

// Resolve issues one query per required family for run. A family with no
// candidate at its required position yields a NoDataError; a missing
// repetition time yields a MetadataMissingError. Extra candidates are taken
// in index order and reported through OnAmbiguous.
func (r *Resolver) Resolve(run Run) (*Inputs, error) {
	if r.layouts.MRI == nil || r.layouts.Logs == nil || r.layouts.Physio == nil {
		return nil, &fmrierr.ConfigError{Field: "datasets", Msg: "all three dataset layouts are required"}
	}

	anatSes := run.Session
	if r.opts.AnatomySession > 0 {
		anatSes = r.opts.AnatomySession
	}

	in := &Inputs{Run: run}
	base := func(ses int, suffix bids.Suffix, ext string) bids.Selector {
		return bids.Select(run.Subject, ses, suffix, ext).WithTask(r.opts.Task)
	}
	acq := func(suffix bids.Suffix, ext string) bids.Selector {
		return base(run.Session, suffix, ext).WithAcquisition(run.Acquisition)
	}
	anat := func(suffix bids.Suffix, ext string) bids.Selector {
		return bids.Select(run.Subject, anatSes, suffix, ext)
	}

	families := []family{
		{name: "events", index: r.layouts.Logs, sel: acq(bids.SuffixEvents, ".tsv"), expect: 1, dst: &in.Events},
		{name: "bold", index: r.layouts.MRI, sel: acq(bids.SuffixBold, ".nii.gz").WithSpace(r.opts.Space), expect: 1, dst: &in.Bold},
		{name: "mask", index: r.layouts.MRI, sel: acq(bids.SuffixMask, ".nii.gz").WithSpace(r.opts.Space), expect: 1, dst: &in.Mask},
		{name: "confounds", index: r.layouts.Physio, sel: acq(bids.SuffixConfounds, ".txt"), expect: 1, dst: &in.Confounds},
		{name: "outliers", index: r.layouts.Physio, sel: acq(bids.SuffixOutliers, ".txt"), expect: 1, dst: &in.Outliers},
		{name: "T1w", index: r.layouts.MRI, sel: anat(bids.SuffixT1w, ".nii.gz").WithSpace(r.opts.Space), expect: 1, dst: &in.T1w},
		{name: "xfm-native", index: r.layouts.MRI, sel: anat(bids.SuffixXfm, ".txt"), position: NativeTransformPosition, expect: 1, dst: &in.NativeXfm},
		{name: "xfm-standard", index: r.layouts.MRI, sel: anat(bids.SuffixXfm, ".h5"), position: StandardTransformPosition, expect: 2, dst: &in.StandardXfm},
	}

	var boldFile bids.File
	for _, fam := range families {
		hits := fam.index.Query(fam.sel)
		if len(hits) <= fam.position {
			return nil, &fmrierr.NoDataError{Family: fam.name, Selector: fam.sel.String()}
		}
		if len(hits) > fam.expect && r.opts.OnAmbiguous != nil {
			paths := make([]string, len(hits))
			for i, h := range hits {
				paths[i] = h.Path
			}
			r.opts.OnAmbiguous(&fmrierr.AmbiguousMatchError{
				Family:     fam.name,
				Selector:   fam.sel.String(),
				Candidates: paths,
			})
		}
		*fam.dst = hits[fam.position].Path
		if fam.name == "bold" {
			boldFile = hits[fam.position]
		}
	}

	tr, err := r.layouts.MRI.FloatMetadata(boldFile, "RepetitionTime")
	if err != nil {
		return nil, err
	}
	in.RepetitionTime = tr
	return in, nil
}

// OpenLayouts indexes the three dataset roots through cat. Only the MRI tree
// is indexed with derivatives, since the preprocessed images live there.
func OpenLayouts(cat *bids.Catalog, mriRoot, logsRoot, physioRoot string, derivatives bool) (Layouts, error) {
	mri, err := cat.Index(mriRoot, derivatives)
	if err != nil {
		return Layouts{}, err
	}
	logs, err := cat.Index(logsRoot, false)
	if err != nil {
		return Layouts{}, err
	}
	physio, err := cat.Index(physioRoot, false)
	if err != nil {
		return Layouts{}, err
	}
	return Layouts{MRI: mri, Logs: logs, Physio: physio}, nil
}

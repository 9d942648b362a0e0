package bids

import (
	"fmt"
	"strconv"
	"strings"
)

// Suffix names a file family.
type Suffix string

const (
	SuffixEvents     Suffix = "events"
	SuffixBold       Suffix = "bold"
	SuffixMask       Suffix = "mask"
	SuffixXfm        Suffix = "xfm"
	SuffixConfounds  Suffix = "confounds"
	SuffixOutliers   Suffix = "outliers"
	SuffixT1w        Suffix = "T1w"
	SuffixTimeseries Suffix = "timeseries"
	SuffixRegressors Suffix = "regressors"
	SuffixPhysio     Suffix = "physio"
)

// Query keys. These are the only fields a Selector can carry.
const (
	KeySubject     = "subject"
	KeySession     = "session"
	KeySuffix      = "suffix"
	KeyExtension   = "extension"
	KeyTask        = "task"
	KeyAcquisition = "acquisition"
	KeyDirection   = "direction"
	KeyInversion   = "inv"
	KeySpace       = "space"
)

// entityKey maps selector keys to filename entity keys.
var entityKey = map[string]string{
	KeySubject:     "sub",
	KeySession:     "ses",
	KeyTask:        "task",
	KeyAcquisition: "acq",
	KeyDirection:   "dir",
	KeyInversion:   "inv",
	KeySpace:       "space",
}

// queryOrder fixes the order in which populated fields are listed.
var queryOrder = []string{
	KeySubject, KeySession, KeySuffix, KeyExtension,
	KeyTask, KeyAcquisition, KeyDirection, KeyInversion, KeySpace,
}

// Selector is a declarative description of the files to resolve.
// Zero-valued fields are wildcards.
type Selector struct {
	Subject   int
	Session   int
	Suffix    Suffix
	Extension string

	Task        string
	Acquisition string
	Direction   string
	Inversion   int
	Space       string
}

// Select builds a selector for the required fields.
func Select(subject, session int, suffix Suffix, extension string) Selector {
	return Selector{Subject: subject, Session: session, Suffix: suffix, Extension: extension}
}

// WithTask returns a copy of s constrained to task.
func (s Selector) WithTask(task string) Selector { s.Task = task; return s }

// WithAcquisition returns a copy of s constrained to acq.
func (s Selector) WithAcquisition(acq string) Selector { s.Acquisition = acq; return s }

// WithDirection returns a copy of s constrained to dir.
func (s Selector) WithDirection(dir string) Selector { s.Direction = dir; return s }

// WithInversion returns a copy of s constrained to inversion index inv.
func (s Selector) WithInversion(inv int) Selector { s.Inversion = inv; return s }

// WithSpace returns a copy of s constrained to space.
func (s Selector) WithSpace(space string) Selector { s.Space = space; return s }

// Label renders a subject or session number as a two-digit identifier.
func Label(n int) string { return fmt.Sprintf("%02d", n) }

// NormalizeExtension adds the leading dot if missing.
func NormalizeExtension(ext string) string {
	if ext == "" || strings.HasPrefix(ext, ".") {
		return ext
	}
	return "." + ext
}

// Query is the encoded form of a Selector: one entry per populated field.
type Query map[string]string

// Query encodes the populated fields of s.
func (s Selector) Query() Query {
	q := Query{}
	if s.Subject > 0 {
		q[KeySubject] = Label(s.Subject)
	}
	if s.Session > 0 {
		q[KeySession] = Label(s.Session)
	}
	if s.Suffix != "" {
		q[KeySuffix] = string(s.Suffix)
	}
	if s.Extension != "" {
		q[KeyExtension] = NormalizeExtension(s.Extension)
	}
	if s.Task != "" {
		q[KeyTask] = s.Task
	}
	if s.Acquisition != "" {
		q[KeyAcquisition] = s.Acquisition
	}
	if s.Direction != "" {
		q[KeyDirection] = s.Direction
	}
	if s.Inversion > 0 {
		q[KeyInversion] = strconv.Itoa(s.Inversion)
	}
	if s.Space != "" {
		q[KeySpace] = s.Space
	}
	return q
}

// ParseQuery decodes q back into a Selector. Unknown keys are rejected.
func ParseQuery(q Query) (Selector, error) {
	var s Selector
	for _, k := range sortedKeys(q) {
		v := q[k]
		switch k {
		case KeySubject, KeySession, KeyInversion:
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				return Selector{}, fmt.Errorf("%s must be a positive integer, got %q", k, v)
			}
			switch k {
			case KeySubject:
				s.Subject = n
			case KeySession:
				s.Session = n
			default:
				s.Inversion = n
			}
		case KeySuffix:
			s.Suffix = Suffix(v)
		case KeyExtension:
			s.Extension = NormalizeExtension(v)
		case KeyTask:
			s.Task = v
		case KeyAcquisition:
			s.Acquisition = v
		case KeyDirection:
			s.Direction = v
		case KeySpace:
			s.Space = v
		default:
			return Selector{}, fmt.Errorf("unknown selector field %q", k)
		}
	}
	return s, nil
}

// Matches reports whether e satisfies every populated field of s.
func (s Selector) Matches(e Entities) bool {
	for k, v := range s.Query() {
		switch k {
		case KeySuffix:
			if e.Suffix() != v {
				return false
			}
		case KeyExtension:
			if e.Extension() != v {
				return false
			}
		default:
			if got, ok := e.Get(entityKey[k]); !ok || got != v {
				return false
			}
		}
	}
	return true
}

// String renders s as space-separated key=value pairs in a fixed order.
func (s Selector) String() string {
	q := s.Query()
	parts := make([]string, 0, len(q))
	for _, k := range queryOrder {
		if v, ok := q[k]; ok {
			parts = append(parts, k+"="+v)
		}
	}
	if len(parts) == 0 {
		return "*"
	}
	return strings.Join(parts, " ")
}

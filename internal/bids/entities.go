package bids

import (
	"path/filepath"
	"sort"
	"strings"
)

// Entities is the metadata parsed from a structured filename such as
// sub-01_ses-02_task-localizer_acq-ME3TR1600_space-MNI152NLin2009cAsym_desc-preproc_bold.nii.gz.
//
// Entities is immutable once parsed.
type Entities struct {
	suffix    string
	extension string
	values    map[string]string
	order     []string
}

// ParseFilename splits a base filename into entities, suffix and extension.
// The extension is everything from the first dot, including the dot.
// ok is false when the name carries no key-value entity or no suffix.
func ParseFilename(name string) (Entities, bool) {
	base := filepath.Base(name)
	stem, ext := base, ""
	if i := strings.IndexByte(base, '.'); i >= 0 {
		stem, ext = base[:i], base[i:]
	}
	if stem == "" {
		return Entities{}, false
	}

	parts := strings.Split(stem, "_")
	suffix := parts[len(parts)-1]
	if suffix == "" || strings.Contains(suffix, "-") {
		return Entities{}, false
	}

	e := Entities{
		suffix:    suffix,
		extension: ext,
		values:    make(map[string]string, len(parts)-1),
	}
	for _, p := range parts[:len(parts)-1] {
		k, v, found := strings.Cut(p, "-")
		if !found || k == "" || v == "" {
			return Entities{}, false
		}
		if _, dup := e.values[k]; dup {
			return Entities{}, false
		}
		e.values[k] = v
		e.order = append(e.order, k)
	}
	if len(e.values) == 0 {
		return Entities{}, false
	}
	return e, true
}

// Suffix returns the file family suffix, e.g. "bold" or "xfm".
func (e Entities) Suffix() string { return e.suffix }

// Extension returns the extension with its leading dot, e.g. ".nii.gz".
func (e Entities) Extension() string { return e.extension }

// Get returns the value of a key-value entity such as "sub" or "acq".
func (e Entities) Get(key string) (string, bool) {
	v, ok := e.values[key]
	return v, ok
}

// Keys returns entity keys in filename order.
func (e Entities) Keys() []string {
	out := make([]string, len(e.order))
	copy(out, e.order)
	return out
}

// subsetOf reports whether every key-value entity of e is present with the
// same value in other.
func (e Entities) subsetOf(other Entities) bool {
	for k, v := range e.values {
		if ov, ok := other.values[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// String renders the entities back into filename form.
func (e Entities) String() string {
	parts := make([]string, 0, len(e.order)+1)
	for _, k := range e.order {
		parts = append(parts, k+"-"+e.values[k])
	}
	parts = append(parts, e.suffix)
	return strings.Join(parts, "_") + e.extension
}

// sortedKeys is used for deterministic error and log output.
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

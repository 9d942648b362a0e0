// Package bids indexes a structured neuroimaging dataset tree and resolves
// declarative Selectors against it.
//
// An Index is built once per dataset root and is read-only afterwards, so it
// can be shared by concurrent runs without locking.
package bids

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fmriflow/fmriflow/internal/fmrierr"
)

// File is one resolved dataset file.
type File struct {
	Path     string
	Entities Entities
}

// Index is the catalog of every recognizable file under a dataset root.
type Index struct {
	root        string
	derivatives bool
	files       []File
	sidecars    []File
}

// skipDirs are never descended into.
var skipDirs = map[string]bool{
	"sourcedata": true,
	"code":       true,
	"stimuli":    true,
}

// BuildIndex walks root and indexes every file whose name parses into
// entities and carries a subject. Files under derivatives/ are included only
// when derivatives is true. JSON files are additionally kept as sidecars for
// metadata inheritance, with or without a subject.
func BuildIndex(root string, derivatives bool) (*Index, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, &fmrierr.DatasetNotFoundError{Root: root, Reason: err.Error()}
	}
	if !info.IsDir() {
		return nil, &fmrierr.DatasetNotFoundError{Root: root, Reason: "not a directory"}
	}

	ix := &Index{root: root, derivatives: derivatives}
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if path == root {
				return nil
			}
			if strings.HasPrefix(name, ".") || skipDirs[name] {
				return filepath.SkipDir
			}
			if name == "derivatives" && !derivatives {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") {
			return nil
		}

		ent, ok := ParseFilename(name)
		if !ok {
			return nil
		}
		f := File{Path: path, Entities: ent}
		if ent.Extension() == ".json" {
			ix.sidecars = append(ix.sidecars, f)
		}
		if _, hasSub := ent.Get("sub"); hasSub {
			ix.files = append(ix.files, f)
		}
		return nil
	})
	if err != nil {
		return nil, &fmrierr.DatasetNotFoundError{Root: root, Reason: fmt.Sprintf("walking dataset: %v", err)}
	}
	if len(ix.files) == 0 {
		return nil, &fmrierr.DatasetNotFoundError{Root: root, Reason: "no structured data found"}
	}
	return ix, nil
}

// Root returns the dataset root the index was built from.
func (ix *Index) Root() string { return ix.root }

// Len returns the number of indexed files.
func (ix *Index) Len() int { return len(ix.files) }

// Files returns a copy of every indexed file in build order.
func (ix *Index) Files() []File {
	out := make([]File, len(ix.files))
	copy(out, ix.files)
	return out
}

// Query returns every indexed file whose entities match the populated fields
// of sel, in index build order. The result is empty, never nil-with-error,
// when nothing matches.
func (ix *Index) Query(sel Selector) []File {
	out := []File{}
	for _, f := range ix.files {
		if sel.Matches(f.Entities) {
			out = append(out, f)
		}
	}
	return out
}

// Catalog lazily builds and caches one Index per (root, derivatives) pair.
type Catalog struct {
	mu      sync.Mutex
	indexes map[catalogKey]*Index
}

type catalogKey struct {
	root        string
	derivatives bool
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{indexes: make(map[catalogKey]*Index)}
}

// Index returns the cached index for root, building it on first use.
func (c *Catalog) Index(root string, derivatives bool) (*Index, error) {
	key := catalogKey{root: filepath.Clean(root), derivatives: derivatives}

	c.mu.Lock()
	defer c.mu.Unlock()
	if ix, ok := c.indexes[key]; ok {
		return ix, nil
	}
	ix, err := BuildIndex(key.root, derivatives)
	if err != nil {
		return nil, err
	}
	c.indexes[key] = ix
	return ix, nil
}

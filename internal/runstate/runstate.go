// Package runstate persists the status of each first-level run as run.yaml
// in the run's output directory. A directory is a result only when its
// manifest says completed.
package runstate

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// FileName is the manifest file name.
const FileName = "run.yaml"

type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

var validTransitions = map[Status][]Status{
	StatusRunning: {StatusCompleted, StatusFailed, StatusSkipped},
}

var knownStatuses = map[Status]bool{
	StatusRunning:   true,
	StatusCompleted: true,
	StatusFailed:    true,
	StatusSkipped:   true,
}

var terminalStatuses = map[Status]bool{
	StatusCompleted: true,
	StatusFailed:    true,
	StatusSkipped:   true,
}

// IsTerminal reports whether s ends a run.
func (s Status) IsTerminal() bool { return terminalStatuses[s] }

// StageRecord is one executed stage.
type StageRecord struct {
	Name     string        `yaml:"name"`
	Started  time.Time     `yaml:"started"`
	Duration time.Duration `yaml:"duration"`
	Outcome  string        `yaml:"outcome"` // "ok" or "failed"
}

// Manifest is the persisted state of one run.
type Manifest struct {
	ID          string        `yaml:"id"`
	Subject     int           `yaml:"subject"`
	Session     int           `yaml:"session"`
	Acquisition string        `yaml:"acquisition"`
	Status      Status        `yaml:"status"`
	Stage       string        `yaml:"stage,omitempty"`
	Error       string        `yaml:"error,omitempty"`
	Scratch     string        `yaml:"scratch,omitempty"`
	StartedAt   time.Time     `yaml:"started_at"`
	UpdatedAt   time.Time     `yaml:"updated_at"`
	FinishedAt  *time.Time    `yaml:"finished_at,omitempty"`
	Stages      []StageRecord `yaml:"stages,omitempty"`
	Outputs     []string      `yaml:"outputs,omitempty"`

	dir string
}

// Start writes a fresh running manifest into dir, replacing any manifest a
// previous invocation left for the same run.
func Start(dir string, subject, session int, acquisition, scratch string) (*Manifest, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}
	now := time.Now().UTC()
	m := &Manifest{
		ID:          uuid.NewString(),
		Subject:     subject,
		Session:     session,
		Acquisition: acquisition,
		Status:      StatusRunning,
		Scratch:     scratch,
		StartedAt:   now,
		UpdatedAt:   now,
		dir:         dir,
	}
	if err := m.save(); err != nil {
		return nil, err
	}
	return m, nil
}

// Dir returns the directory the manifest lives in.
func (m *Manifest) Dir() string { return m.dir }

// EnterStage records that stage has started.
func (m *Manifest) EnterStage(stage string) error {
	if m.Status.IsTerminal() {
		return fmt.Errorf("run %s is %s and cannot enter stage %s", m.ID, m.Status, stage)
	}
	now := time.Now().UTC()
	m.Stage = stage
	m.Stages = append(m.Stages, StageRecord{Name: stage, Started: now})
	m.UpdatedAt = now
	return m.save()
}

// FinishStage records the outcome of the current stage.
func (m *Manifest) FinishStage(err error) error {
	if len(m.Stages) == 0 {
		return nil
	}
	last := &m.Stages[len(m.Stages)-1]
	last.Duration = time.Since(last.Started).Round(time.Millisecond)
	last.Outcome = "ok"
	if err != nil {
		last.Outcome = "failed"
	}
	m.UpdatedAt = time.Now().UTC()
	return m.save()
}

// AddOutputs records persisted result files.
func (m *Manifest) AddOutputs(paths ...string) {
	m.Outputs = append(m.Outputs, paths...)
}

// Transition moves the run to a terminal status. cause is recorded for
// failed and skipped runs.
func (m *Manifest) Transition(to Status, cause error) error {
	if terminalStatuses[m.Status] {
		return fmt.Errorf("run %s is %s and cannot transition", m.ID, m.Status)
	}
	if m.Status == to {
		return nil
	}
	valid := false
	for _, a := range validTransitions[m.Status] {
		if a == to {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid transition: %s → %s", m.Status, to)
	}

	now := time.Now().UTC()
	m.Status = to
	m.UpdatedAt = now
	if to.IsTerminal() {
		m.FinishedAt = &now
	}
	if cause != nil {
		m.Error = cause.Error()
	}
	return m.save()
}

func (m *Manifest) save() error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal run manifest: %w", err)
	}
	p := filepath.Join(m.dir, FileName)
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write run manifest: %w", err)
	}
	return os.Rename(tmp, p)
}

// Load reads the manifest in dir.
func Load(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		return nil, fmt.Errorf("run manifest not found in %s", dir)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid run manifest: %w", err)
	}
	if m.ID == "" || !knownStatuses[m.Status] {
		return nil, fmt.Errorf("invalid run manifest in %s: missing id or unknown status %q", dir, m.Status)
	}
	m.dir = dir
	return &m, nil
}

// IsCompleted reports whether dir holds a completed run.
func IsCompleted(dir string) bool {
	m, err := Load(dir)
	return err == nil && m.Status == StatusCompleted
}

// List returns every manifest under root, sorted by subject, session and
// acquisition. Unreadable manifests are skipped.
func List(root string) ([]*Manifest, error) {
	var out []*Manifest
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == root {
				return fs.SkipAll
			}
			return err
		}
		if d.IsDir() || d.Name() != FileName {
			return nil
		}
		m, err := Load(filepath.Dir(path))
		if err != nil {
			return nil
		}
		out = append(out, m)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Subject != b.Subject {
			return a.Subject < b.Subject
		}
		if a.Session != b.Session {
			return a.Session < b.Session
		}
		return a.Acquisition < b.Acquisition
	})
	return out, nil
}

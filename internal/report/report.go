package report

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fmriflow/fmriflow/internal/betas"
	"github.com/fmriflow/fmriflow/internal/design"
	"github.com/fmriflow/fmriflow/internal/resolve"
	"github.com/fmriflow/fmriflow/internal/runstate"
)

// FileName is the per-run report file name.
const FileName = "report.md"

// Meta contains the YAML frontmatter of a run report.
type Meta struct {
	Run       string    `yaml:"run"`
	Status    string    `yaml:"status"`
	Stage     string    `yaml:"stage,omitempty"`
	Timestamp time.Time `yaml:"timestamp"`
}

// Report is a parsed markdown report with YAML frontmatter.
type Report struct {
	Frontmatter Meta
	Body        string
	FilePath    string
}

// Details carries what the orchestrator learned about a run. Any field may
// be nil when the run stopped before producing it.
type Details struct {
	Inputs *resolve.Inputs
	Design *design.Design
	Betas  []betas.Beta
}

// Parse splits a markdown document into YAML frontmatter and body.
func Parse(raw []byte) (*Report, error) {
	content := string(raw)
	trimmed := strings.TrimSpace(content)

	if !strings.HasPrefix(trimmed, "---") {
		return &Report{Body: content}, nil
	}

	rest := strings.TrimLeft(trimmed[3:], " \t")
	if len(rest) > 0 && rest[0] == '\n' {
		rest = rest[1:]
	} else if len(rest) > 1 && rest[0] == '\r' && rest[1] == '\n' {
		rest = rest[2:]
	}

	endIdx := strings.Index(rest, "\n---")
	if endIdx == -1 {
		return nil, fmt.Errorf("unterminated frontmatter: missing closing ---")
	}

	var meta Meta
	if err := yaml.Unmarshal([]byte(rest[:endIdx]), &meta); err != nil {
		return nil, fmt.Errorf("invalid frontmatter YAML: %w", err)
	}
	return &Report{
		Frontmatter: meta,
		Body:        strings.TrimLeft(rest[endIdx+4:], "\r\n"),
	}, nil
}

// Build renders the report for one run.
func Build(m *runstate.Manifest, d Details) *Report {
	run := resolve.Run{Subject: m.Subject, Session: m.Session, Acquisition: m.Acquisition}

	var b strings.Builder
	fmt.Fprintf(&b, "# First-level run %s\n\n", run)
	fmt.Fprintf(&b, "**Status:** %s\n\n", m.Status)
	if m.Error != "" {
		fmt.Fprintf(&b, "**Error:** `%s`\n\n", m.Error)
	}

	if d.Inputs != nil {
		b.WriteString("## Inputs\n\n")
		b.WriteString("| Family | File |\n|---|---|\n")
		for _, row := range [][2]string{
			{"events", d.Inputs.Events},
			{"bold", d.Inputs.Bold},
			{"mask", d.Inputs.Mask},
			{"confounds", d.Inputs.Confounds},
			{"outliers", d.Inputs.Outliers},
			{"T1w", d.Inputs.T1w},
			{"xfm-native", d.Inputs.NativeXfm},
			{"xfm-standard", d.Inputs.StandardXfm},
		} {
			fmt.Fprintf(&b, "| %s | `%s` |\n", row[0], filepath.Base(row[1]))
		}
		fmt.Fprintf(&b, "\nRepetition time: %gs\n\n", d.Inputs.RepetitionTime)
	}

	if d.Design != nil {
		b.WriteString("## Design\n\n")
		b.WriteString("| Condition | Events |\n|---|---|\n")
		for _, c := range d.Design.Conditions {
			fmt.Fprintf(&b, "| %s | %d |\n", c, d.Design.Count(c))
		}
		b.WriteString("\n")
	}

	if len(m.Stages) > 0 {
		b.WriteString("## Stages\n\n")
		b.WriteString("| Stage | Outcome | Duration |\n|---|---|---|\n")
		for _, s := range m.Stages {
			outcome := s.Outcome
			if outcome == "" {
				outcome = "interrupted"
			}
			fmt.Fprintf(&b, "| %s | %s | %s |\n", s.Name, outcome, s.Duration)
		}
		b.WriteString("\n")
	}

	if len(d.Betas) > 0 {
		b.WriteString("## Betas\n\n")
		for _, beta := range d.Betas {
			fmt.Fprintf(&b, "- %s (`%s`)\n", beta.Label, filepath.Base(beta.Image))
		}
		b.WriteString("\n")
	}

	if len(m.Outputs) > 0 {
		b.WriteString("## Outputs\n\n")
		for _, o := range m.Outputs {
			fmt.Fprintf(&b, "- `%s`\n", filepath.Base(o))
		}
	}

	return &Report{
		Frontmatter: Meta{
			Run:       run.String(),
			Status:    string(m.Status),
			Stage:     m.Stage,
			Timestamp: m.UpdatedAt,
		},
		Body: b.String(),
	}
}

// Write stores r as report.md in dir.
func Write(dir string, r *Report) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create report directory: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("---\n")
	fm, err := yaml.Marshal(r.Frontmatter)
	if err != nil {
		return "", fmt.Errorf("failed to marshal frontmatter: %w", err)
	}
	buf.Write(fm)
	buf.WriteString("---\n\n")
	buf.WriteString(r.Body)

	dest := filepath.Join(dir, FileName)
	if err := os.WriteFile(dest, buf.Bytes(), 0644); err != nil {
		return "", fmt.Errorf("failed to write report: %w", err)
	}
	r.FilePath = dest
	return dest, nil
}

// Load reads a report from path.
func Load(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read report: %w", err)
	}
	r, err := Parse(data)
	if err != nil {
		return nil, err
	}
	r.FilePath = path
	return r, nil
}

// Summary renders a sweep overview table from run manifests.
func Summary(manifests []*runstate.Manifest) string {
	counts := map[runstate.Status]int{}
	var b strings.Builder
	b.WriteString("# Sweep summary\n\n")
	b.WriteString("| Run | Status | Stage | Error |\n|---|---|---|---|\n")
	for _, m := range manifests {
		counts[m.Status]++
		run := resolve.Run{Subject: m.Subject, Session: m.Session, Acquisition: m.Acquisition}
		errText := strings.ReplaceAll(m.Error, "|", "\\|")
		fmt.Fprintf(&b, "| %s | %s | %s | %s |\n", run, m.Status, m.Stage, errText)
	}
	fmt.Fprintf(&b, "\n%d completed, %d skipped, %d failed, %d running\n",
		counts[runstate.StatusCompleted], counts[runstate.StatusSkipped],
		counts[runstate.StatusFailed], counts[runstate.StatusRunning])
	return b.String()
}

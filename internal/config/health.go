package config

import (
	"fmt"
	"os"
	"os/exec"
)

// Issue is a health check finding.
type Issue struct {
	Severity string // "warning" or "error"
	Message  string
}

// lookPath is swapped in tests.
var lookPath = exec.LookPath

// CheckHealth verifies that the dataset roots exist, the external tools are
// on PATH and the template and atlas files are present.
func CheckHealth(c *Config) []Issue {
	var issues []Issue

	for _, root := range []struct{ name, path string }{
		{"datasets.mri", c.Datasets.MRI},
		{"datasets.logs", c.Datasets.Logs},
		{"datasets.physio", c.Datasets.Physio},
	} {
		info, err := os.Stat(root.path)
		if err != nil {
			issues = append(issues, Issue{"error", fmt.Sprintf("%s: missing directory: %s", root.name, root.path)})
		} else if !info.IsDir() {
			issues = append(issues, Issue{"error", fmt.Sprintf("%s: expected directory but found file: %s", root.name, root.path)})
		}
	}

	for _, tool := range []struct{ name, bin string }{
		{"services.converter", c.Services.Converter},
		{"services.warper", c.Services.Warper},
		{"services.modeler", c.Services.Modeler},
	} {
		if _, err := lookPath(tool.bin); err != nil {
			issues = append(issues, Issue{"error", fmt.Sprintf("%s: %s not found on PATH", tool.name, tool.bin)})
		}
	}

	if c.Normalize.Template == "" {
		issues = append(issues, Issue{"error", "normalize.template is not set"})
	} else if _, err := os.Stat(c.Normalize.Template); err != nil {
		issues = append(issues, Issue{"error", fmt.Sprintf("normalize.template: cannot read %s", c.Normalize.Template)})
	}

	if c.ROI.Atlas != "" {
		if _, err := os.Stat(c.ROI.Atlas); err != nil {
			issues = append(issues, Issue{"warning", fmt.Sprintf("roi.atlas: cannot read %s (roi extraction will fail)", c.ROI.Atlas)})
		}
	}

	if c.Output.KeepScratch {
		issues = append(issues, Issue{"warning", "output.keep_scratch is on; run 'fmriflow clean' to reclaim scratch space"})
	}

	return issues
}

package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Keys lists every key accepted by Set.
var Keys = []string{
	"datasets.mri", "datasets.logs", "datasets.physio", "datasets.derivatives",
	"output.out_dir", "output.work_dir", "output.keep_scratch", "output.metrics_file",
	"sweep.subjects", "sweep.sessions", "sweep.acquisitions", "sweep.task", "sweep.jobs",
	"anatomy.session", "anatomy.space",
	"model.hrf_derivs", "model.volterra", "model.high_pass_cutoff", "model.bayesian",
	"design.policy", "design.delimiter",
	"normalize.template", "normalize.interpolation", "normalize.invert", "normalize.float",
	"services.converter", "services.warper", "services.modeler", "services.timeout",
	"roi.atlas",
}

// Set loads path, sets a value by dot-path key (e.g. "sweep.subjects"),
// validates and saves. List values are comma separated.
func Set(path, key, value string) error {
	cfg, err := Load(path)
	if err != nil {
		return err
	}
	if err := cfg.SetValue(key, value); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	return Save(path, *cfg)
}

// SetValue sets one key on c without validating.
func (c *Config) SetValue(key, value string) error {
	var err error
	switch key {
	case "datasets.mri":
		c.Datasets.MRI = value
	case "datasets.logs":
		c.Datasets.Logs = value
	case "datasets.physio":
		c.Datasets.Physio = value
	case "datasets.derivatives":
		c.Datasets.Derivatives, err = parseBool(key, value)
	case "output.out_dir":
		c.Output.OutDir = value
	case "output.work_dir":
		c.Output.WorkDir = value
	case "output.keep_scratch":
		c.Output.KeepScratch, err = parseBool(key, value)
	case "output.metrics_file":
		c.Output.MetricsFile = value
	case "sweep.subjects":
		c.Sweep.Subjects, err = parseInts(key, value)
	case "sweep.sessions":
		c.Sweep.Sessions, err = parseInts(key, value)
	case "sweep.acquisitions":
		c.Sweep.Acquisitions = splitList(value)
	case "sweep.task":
		c.Sweep.Task = value
	case "sweep.jobs":
		c.Sweep.Jobs, err = parseInt(key, value)
	case "anatomy.session":
		c.Anatomy.Session, err = parseInt(key, value)
	case "anatomy.space":
		c.Anatomy.Space = value
	case "model.hrf_derivs":
		var d []int
		d, err = parseInts(key, value)
		if err == nil && len(d) != 2 {
			err = fmt.Errorf("%s takes two values, e.g. 0,0", key)
		}
		if err == nil {
			c.Model.HRFDerivs = [2]int{d[0], d[1]}
		}
	case "model.volterra":
		c.Model.Volterra, err = parseInt(key, value)
	case "model.high_pass_cutoff":
		c.Model.HighPassCutoff, err = strconv.ParseFloat(value, 64)
		if err != nil {
			err = fmt.Errorf("%s must be a number", key)
		}
	case "model.bayesian":
		c.Model.Bayesian, err = parseBool(key, value)
	case "design.policy":
		c.Design.Policy = value
	case "design.delimiter":
		c.Design.Delimiter = value
	case "normalize.template":
		c.Normalize.Template = value
	case "normalize.interpolation":
		c.Normalize.Interpolation = value
	case "normalize.invert":
		c.Normalize.Invert, err = parseBool(key, value)
	case "normalize.float":
		c.Normalize.Float, err = parseBool(key, value)
	case "services.converter":
		c.Services.Converter = value
	case "services.warper":
		c.Services.Warper = value
	case "services.modeler":
		c.Services.Modeler = value
	case "services.timeout":
		c.Services.Timeout, err = time.ParseDuration(value)
		if err != nil {
			err = fmt.Errorf("%s must be a duration such as 30m", key)
		}
	case "roi.atlas":
		c.ROI.Atlas = value
	default:
		return fmt.Errorf("unknown config key: %s\nValid keys: %s", key, strings.Join(Keys, ", "))
	}
	return err
}

func parseBool(key, value string) (bool, error) {
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s must be true or false", key)
	}
	return b, nil
}

func parseInt(key, value string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", key)
	}
	return n, nil
}

func parseInts(key, value string) ([]int, error) {
	parts := splitList(value)
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := parseInt(key, p)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func splitList(value string) []string {
	var out []string
	for _, p := range strings.Split(value, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

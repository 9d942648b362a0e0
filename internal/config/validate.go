package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/fmriflow/fmriflow/internal/design"
	"github.com/fmriflow/fmriflow/internal/fmrierr"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// Validate checks struct tags and cross-field rules. The first problem is
// returned as a ConfigError naming the dot-path of the offending field.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			field := strings.TrimPrefix(fe.Namespace(), "Config.")
			msg := fmt.Sprintf("failed %q", fe.Tag())
			if fe.Param() != "" {
				msg = fmt.Sprintf("failed %q (%s)", fe.Tag(), fe.Param())
			}
			return &fmrierr.ConfigError{Field: field, Msg: msg}
		}
		return &fmrierr.ConfigError{Msg: err.Error()}
	}

	known := make(map[string]bool, len(design.Conditions))
	for _, c := range design.Conditions {
		known[c] = true
	}
	for i, con := range c.Model.Contrasts {
		field := fmt.Sprintf("model.contrasts[%d]", i)
		if len(con.Weights) != len(con.Conditions) {
			return &fmrierr.ConfigError{Field: field, Msg: fmt.Sprintf("%d weights for %d conditions", len(con.Weights), len(con.Conditions))}
		}
		for _, name := range con.Conditions {
			if !known[name] {
				return &fmrierr.ConfigError{Field: field, Msg: fmt.Sprintf("unknown condition %q", name)}
			}
		}
	}

	cols := map[string]int{
		"onset_column":    c.Design.OnsetColumn,
		"duration_column": c.Design.DurationColumn,
		"stimulus_column": c.Design.StimulusColumn,
		"response_column": c.Design.ResponseColumn,
	}
	seen := make(map[int]string, len(cols))
	for _, name := range []string{"onset_column", "duration_column", "stimulus_column", "response_column"} {
		if other, dup := seen[cols[name]]; dup {
			return &fmrierr.ConfigError{Field: "design." + name, Msg: "same column as " + other}
		}
		seen[cols[name]] = name
	}

	names := make(map[string]bool, len(c.ROI.Regions))
	for _, r := range c.ROI.Regions {
		if names[r.Name] {
			return &fmrierr.ConfigError{Field: "roi.regions", Msg: fmt.Sprintf("duplicate region %q", r.Name)}
		}
		names[r.Name] = true
	}
	return nil
}

// DesignOptions maps the design section onto parser options.
func (c *Config) DesignOptions() design.Options {
	opts := design.DefaultOptions()
	opts.Policy = design.Policy(c.Design.Policy)
	if r := []rune(c.Design.Delimiter); len(r) == 1 {
		opts.Delimiter = r[0]
	}
	opts.SkipLines = c.Design.SkipLines
	opts.OnsetColumn = c.Design.OnsetColumn
	opts.DurationColumn = c.Design.DurationColumn
	opts.StimulusColumn = c.Design.StimulusColumn
	opts.ResponseColumn = c.Design.ResponseColumn
	opts.SilenceMarker = c.Design.SilenceMarker
	opts.SoundPrefix = c.Design.SoundPrefix
	opts.NAMarker = c.Design.NAMarker
	return opts
}

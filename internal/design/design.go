// Package design parses stimulus-presentation event logs into an
// experimental design: named conditions with index-aligned onsets and
// durations in seconds.
package design

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/fmriflow/fmriflow/internal/fmrierr"
)

// Condition names. The order of Conditions is fixed regardless of which
// condition appears first in a log.
const (
	Sound    = "sound"
	Silence  = "silence"
	Keypress = "keypress"
)

// Conditions is the fixed condition order.
var Conditions = []string{Sound, Silence, Keypress}

// Policy selects how repeated stimuli are counted.
type Policy string

const (
	// PolicyIndependent classifies every row on its own: each sound row is a
	// sound event, and a response on a sound row adds a keypress event.
	PolicyIndependent Policy = "independent"
	// PolicyCollapse emits one sound event per run of identical consecutive
	// sound stimuli; repeats only contribute keypress events.
	PolicyCollapse Policy = "collapse"
)

// Valid reports whether p is a known policy.
func (p Policy) Valid() bool {
	return p == PolicyIndependent || p == PolicyCollapse
}

// Design is the experimental design of one run.
type Design struct {
	Conditions []string             `json:"conditions" yaml:"conditions"`
	Onsets     map[string][]float64 `json:"onsets" yaml:"onsets"`
	Durations  map[string][]float64 `json:"durations" yaml:"durations"`
}

// Options describe the log layout and classification markers.
type Options struct {
	Policy    Policy
	Delimiter rune
	// SkipLines is the number of leading lines (banner, timestamp, header)
	// before the first event row.
	SkipLines int

	OnsetColumn    int
	DurationColumn int
	StimulusColumn int
	ResponseColumn int

	SilenceMarker string
	SoundPrefix   string
	NAMarker      string

	// OnUnrecognized is called for rows whose stimulus matches no marker.
	OnUnrecognized func(line int, record []string)
}

// DefaultOptions matches the localizer logs: ';'-delimited, two metadata
// lines plus a header, columns onset;duration;stimulus;...;response.
func DefaultOptions() Options {
	return Options{
		Policy:         PolicyIndependent,
		Delimiter:      ';',
		SkipLines:      3,
		OnsetColumn:    0,
		DurationColumn: 1,
		StimulusColumn: 2,
		ResponseColumn: 4,
		SilenceMarker:  "null_event.wav",
		SoundPrefix:    "s3",
		NAMarker:       "n/a",
	}
}

func newDesign() *Design {
	d := &Design{
		Conditions: append([]string(nil), Conditions...),
		Onsets:     make(map[string][]float64, len(Conditions)),
		Durations:  make(map[string][]float64, len(Conditions)),
	}
	for _, c := range Conditions {
		d.Onsets[c] = []float64{}
		d.Durations[c] = []float64{}
	}
	return d
}

func (d *Design) add(cond string, onset, duration float64) {
	d.Onsets[cond] = append(d.Onsets[cond], onset)
	d.Durations[cond] = append(d.Durations[cond], duration)
}

// Count returns the number of events of cond.
func (d *Design) Count(cond string) int { return len(d.Onsets[cond]) }

// Validate checks that every condition has index-aligned onsets and durations.
func (d *Design) Validate() error {
	for _, c := range d.Conditions {
		if len(d.Onsets[c]) != len(d.Durations[c]) {
			return fmt.Errorf("condition %s: %d onsets but %d durations", c, len(d.Onsets[c]), len(d.Durations[c]))
		}
	}
	return nil
}

// ParseFile parses the event log at path.
func ParseFile(path string, opts Options) (*Design, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &fmrierr.MalformedLogError{Path: path, Err: err}
	}
	defer f.Close()

	d, err := Parse(f, opts)
	if err != nil {
		var mle *fmrierr.MalformedLogError
		if errors.As(err, &mle) {
			mle.Path = path
		}
		return nil, err
	}
	return d, nil
}

// Parse reads an event log from r.
func Parse(r io.Reader, opts Options) (*Design, error) {
	if !opts.Policy.Valid() {
		return nil, &fmrierr.ConfigError{Field: "design.policy", Msg: fmt.Sprintf("unknown policy %q", opts.Policy)}
	}

	cr := csv.NewReader(r)
	cr.Comma = opts.Delimiter
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = false

	records, err := cr.ReadAll()
	if err != nil {
		line := 0
		var pe *csv.ParseError
		if errors.As(err, &pe) {
			line = pe.Line
		}
		return nil, &fmrierr.MalformedLogError{Line: line, Err: err}
	}
	if len(records) < opts.SkipLines {
		return nil, &fmrierr.MalformedLogError{Err: fmt.Errorf("expected at least %d lines, got %d", opts.SkipLines, len(records))}
	}

	width := 1 + max(opts.OnsetColumn, opts.DurationColumn, opts.StimulusColumn, opts.ResponseColumn)
	d := newDesign()
	prevSound := ""

	for i, rec := range records[opts.SkipLines:] {
		line := opts.SkipLines + i + 1
		if len(rec) < width {
			return nil, &fmrierr.MalformedLogError{Line: line, Err: fmt.Errorf("expected %d fields, got %d", width, len(rec))}
		}
		onset, err := parseSeconds(rec[opts.OnsetColumn])
		if err != nil {
			return nil, &fmrierr.MalformedLogError{Line: line, Err: fmt.Errorf("onset: %w", err)}
		}
		duration, err := parseSeconds(rec[opts.DurationColumn])
		if err != nil {
			return nil, &fmrierr.MalformedLogError{Line: line, Err: fmt.Errorf("duration: %w", err)}
		}

		stim := strings.TrimSpace(rec[opts.StimulusColumn])
		responded := hasResponse(rec[opts.ResponseColumn], opts.NAMarker)

		switch {
		case stim == opts.SilenceMarker:
			d.add(Silence, onset, duration)

		case strings.HasPrefix(stim, opts.SoundPrefix):
			if opts.Policy == PolicyCollapse {
				if stim != prevSound {
					d.add(Sound, onset, duration)
					prevSound = stim
				} else if responded {
					d.add(Keypress, onset, duration)
				}
				continue
			}
			d.add(Sound, onset, duration)
			if responded {
				d.add(Keypress, onset, duration)
			}

		case stim == opts.NAMarker:
			if responded {
				d.add(Keypress, onset, duration)
			}

		default:
			if opts.OnUnrecognized != nil {
				opts.OnUnrecognized(line, rec)
			}
		}
	}
	return d, nil
}

func parseSeconds(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}

// hasResponse treats a blank field like the NA marker.
func hasResponse(field, na string) bool {
	f := strings.TrimSpace(field)
	return f != "" && f != na
}

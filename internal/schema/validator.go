// Package schema validates client-supplied session options before a session
// is created.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

// Option keys accepted by create_session.
const (
	KeyConfidenceThreshold = "confidence_threshold"
	KeyMinTimeBetweenEvals = "min_time_between_evals"
)

// ErrInvalidOptions is wrapped by every validation failure.
var ErrInvalidOptions = errors.New("invalid session options")

// Options are the per-session evaluation overrides. Nil fields keep the
// service defaults.
type Options struct {
	ConfidenceThreshold *float64
	MinTimeBetweenEvals *time.Duration
}

// Validator checks raw option maps.
type Validator struct{}

// New returns a Validator.
func New() *Validator {
	return &Validator{}
}

// ParseOptions converts a decoded JSON object into Options. Unknown keys,
// non-numeric values and out-of-range values are rejected.
func (v *Validator) ParseOptions(raw map[string]any) (Options, error) {
	var opts Options
	if len(raw) == 0 {
		return opts, nil
	}

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		n, err := number(raw[k])
		switch k {
		case KeyConfidenceThreshold:
			if err != nil {
				return Options{}, fmt.Errorf("%w: %s %v", ErrInvalidOptions, k, err)
			}
			if n < 0 || n > 1 {
				return Options{}, fmt.Errorf("%w: %s must be between 0 and 1, got %v", ErrInvalidOptions, k, n)
			}
			opts.ConfidenceThreshold = &n
		case KeyMinTimeBetweenEvals:
			if err != nil {
				return Options{}, fmt.Errorf("%w: %s %v", ErrInvalidOptions, k, err)
			}
			if n < 0 {
				return Options{}, fmt.Errorf("%w: %s must not be negative, got %v", ErrInvalidOptions, k, n)
			}
			d := time.Duration(n * float64(time.Second))
			opts.MinTimeBetweenEvals = &d
		default:
			return Options{}, fmt.Errorf("%w: unknown option %q", ErrInvalidOptions, k)
		}
	}
	return opts, nil
}

// Validate checks already-typed options.
func (v *Validator) Validate(opts Options) error {
	if t := opts.ConfidenceThreshold; t != nil && (*t < 0 || *t > 1 || math.IsNaN(*t)) {
		return fmt.Errorf("%w: %s must be between 0 and 1, got %v", ErrInvalidOptions, KeyConfidenceThreshold, *t)
	}
	if d := opts.MinTimeBetweenEvals; d != nil && *d < 0 {
		return fmt.Errorf("%w: %s must not be negative, got %v", ErrInvalidOptions, KeyMinTimeBetweenEvals, *d)
	}
	return nil
}

func number(v any) (float64, error) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		var err error
		if f, err = n.Float64(); err != nil {
			return 0, fmt.Errorf("must be a number, got %q", n.String())
		}
	default:
		return 0, fmt.Errorf("must be a number, got %T", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, errors.New("must be a finite number")
	}
	return f, nil
}

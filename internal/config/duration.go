package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// durations parses the duration options of one config, collecting every
// error under its dotted key.
type durations struct {
	errs []error
}

func (d *durations) parse(key, raw string) (time.Duration, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, false
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		d.errs = append(d.errs, fmt.Errorf("%s: invalid duration %q", key, raw))
		return 0, false
	}
	if v < 0 {
		d.errs = append(d.errs, fmt.Errorf("%s: must not be negative, got %s", key, s))
		return 0, false
	}
	return v, true
}

// optional yields 0, meaning disabled, when raw is empty.
func (d *durations) optional(key, raw string) time.Duration {
	v, _ := d.parse(key, raw)
	return v
}

// or yields def when raw is empty or zero.
func (d *durations) or(key, raw string, def time.Duration) time.Duration {
	if v, ok := d.parse(key, raw); ok && v > 0 {
		return v
	}
	return def
}

// unlessSet yields def only when raw is empty; an explicit zero is kept.
func (d *durations) unlessSet(key, raw string, def time.Duration) time.Duration {
	if v, ok := d.parse(key, raw); ok {
		return v
	}
	if strings.TrimSpace(raw) == "" {
		return def
	}
	return 0
}

func (d *durations) err() error { return errors.Join(d.errs...) }

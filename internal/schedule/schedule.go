// Package schedule parses the period specs that drive periodic jobs:
// either a plain Go duration ("2s", "10m") or a five-field cron
// expression ("*/10 * * * *").
package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

type Period struct {
	Interval time.Duration // set when the spec is a duration
	CronExpr string        // set when the spec is a cron expression
}

func Parse(raw string) (*Period, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty period spec")
	}

	if d, err := time.ParseDuration(raw); err == nil {
		if d <= 0 {
			return nil, fmt.Errorf("period must be positive: %s", raw)
		}
		return &Period{Interval: d}, nil
	}

	if !gronx.New().IsValid(raw) {
		return nil, fmt.Errorf("invalid period spec: not a duration or cron expression: %s", raw)
	}
	return &Period{CronExpr: raw}, nil
}

// Next returns the first run time strictly after from.
func (p *Period) Next(from time.Time) (time.Time, error) {
	if p.CronExpr != "" {
		next, err := gronx.NextTickAfter(p.CronExpr, from, false)
		if err != nil {
			return time.Time{}, fmt.Errorf("next cron tick: %w", err)
		}
		return next, nil
	}
	return from.Add(p.Interval), nil
}

// String returns a human-readable description of the period.
func (p *Period) String() string {
	if p.CronExpr != "" {
		return "cron " + p.CronExpr
	}
	d := p.Interval
	switch {
	case d%time.Hour == 0 && d >= time.Hour:
		h := int(d.Hours())
		if h == 1 {
			return "every hour"
		}
		return fmt.Sprintf("every %d hours", h)
	case d%time.Minute == 0 && d >= time.Minute:
		m := int(d.Minutes())
		if m == 1 {
			return "every minute"
		}
		return fmt.Sprintf("every %d minutes", m)
	default:
		return fmt.Sprintf("every %s", d)
	}
}

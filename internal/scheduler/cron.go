// AuditForge - Tamper-Evident Audit Ingestion and Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditforge

// Package scheduler drives the periodic pipeline jobs and evaluates
// the cron expressions of scheduled reports.
package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tomtom215/auditforge/internal/models"
)

// Schedule is a parsed 5-field cron expression
// (minute hour day-of-month month day-of-week). Each field is a bitmask
// of accepted values.
type Schedule struct {
	minute uint64 // bits 0-59
	hour   uint32 // bits 0-23
	dom    uint32 // bits 1-31
	month  uint16 // bits 1-12
	dow    uint8  // bits 0-6, Sunday = 0

	domAny bool
	dowAny bool
}

// ParseSchedule parses a 5-field cron expression. Supported syntax per
// field: "*", single values, ranges "n-m", lists "a,b,c" and steps
// "*/s" or "n-m/s". Day-of-week 7 is normalized to Sunday.
func ParseSchedule(expr string) (*Schedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("%w: cron expression needs 5 fields, got %d", models.ErrValidation, len(fields))
	}

	minute, err := parseCronField(fields[0], 0, 59)
	if err != nil {
		return nil, fmt.Errorf("minute field: %w", err)
	}
	hour, err := parseCronField(fields[1], 0, 23)
	if err != nil {
		return nil, fmt.Errorf("hour field: %w", err)
	}
	dom, err := parseCronField(fields[2], 1, 31)
	if err != nil {
		return nil, fmt.Errorf("day-of-month field: %w", err)
	}
	month, err := parseCronField(fields[3], 1, 12)
	if err != nil {
		return nil, fmt.Errorf("month field: %w", err)
	}
	dow, err := parseCronField(fields[4], 0, 7)
	if err != nil {
		return nil, fmt.Errorf("day-of-week field: %w", err)
	}
	// Normalize 7 to Sunday.
	if dow&(1<<7) != 0 {
		dow = (dow &^ (1 << 7)) | 1
	}

	return &Schedule{
		minute: minute,
		hour:   uint32(hour),
		dom:    uint32(dom),
		month:  uint16(month),
		dow:    uint8(dow),
		domAny: fields[2] == "*",
		dowAny: fields[4] == "*",
	}, nil
}

// Next returns the first matching time strictly after t, in UTC. The
// search is bounded; a valid expression always matches within the
// bound.
func (s *Schedule) Next(t time.Time) time.Time {
	t = t.UTC().Truncate(time.Minute).Add(time.Minute)

	// Four years of minutes bounds the scan for every valid expression.
	const maxMinutes = 4 * 366 * 24 * 60
	for i := 0; i < maxMinutes; i++ {
		if s.matches(t) {
			return t
		}
		t = t.Add(time.Minute)
	}
	return time.Time{}
}

func (s *Schedule) matches(t time.Time) bool {
	if s.minute&(1<<uint(t.Minute())) == 0 {
		return false
	}
	if s.hour&(1<<uint(t.Hour())) == 0 {
		return false
	}
	if s.month&(1<<uint(t.Month())) == 0 {
		return false
	}

	domMatch := s.dom&(1<<uint(t.Day())) != 0
	dowMatch := s.dow&(1<<uint(t.Weekday())) != 0

	// Standard cron: when both day fields are restricted, either may
	// match; otherwise the restricted one decides.
	switch {
	case s.domAny && s.dowAny:
		return true
	case s.domAny:
		return dowMatch
	case s.dowAny:
		return domMatch
	default:
		return domMatch || dowMatch
	}
}

// parseCronField parses one field into a bitmask of accepted values.
func parseCronField(field string, lo, hi int) (uint64, error) {
	var mask uint64
	for _, part := range strings.Split(field, ",") {
		m, err := parseCronPart(part, lo, hi)
		if err != nil {
			return 0, err
		}
		mask |= m
	}
	if mask == 0 {
		return 0, fmt.Errorf("%w: empty cron field %q", models.ErrValidation, field)
	}
	return mask, nil
}

func parseCronPart(part string, lo, hi int) (uint64, error) {
	step := 1
	if idx := strings.IndexByte(part, '/'); idx >= 0 {
		var err error
		step, err = strconv.Atoi(part[idx+1:])
		if err != nil || step <= 0 {
			return 0, fmt.Errorf("%w: bad step in %q", models.ErrValidation, part)
		}
		part = part[:idx]
	}

	start, end := lo, hi
	switch {
	case part == "*":
		// full range
	case strings.Contains(part, "-"):
		bounds := strings.SplitN(part, "-", 2)
		var err error
		if start, err = strconv.Atoi(bounds[0]); err != nil {
			return 0, fmt.Errorf("%w: bad range start in %q", models.ErrValidation, part)
		}
		if end, err = strconv.Atoi(bounds[1]); err != nil {
			return 0, fmt.Errorf("%w: bad range end in %q", models.ErrValidation, part)
		}
	default:
		v, err := strconv.Atoi(part)
		if err != nil {
			return 0, fmt.Errorf("%w: bad value %q", models.ErrValidation, part)
		}
		start, end = v, v
		if step > 1 {
			// "n/s" runs from n to the top of the field.
			end = hi
		}
	}

	if start > end || start < lo || end > hi {
		return 0, fmt.Errorf("%w: %q out of range %d-%d", models.ErrValidation, part, lo, hi)
	}

	var mask uint64
	for v := start; v <= end; v += step {
		mask |= 1 << uint(v)
	}
	return mask, nil
}

// Package cron computes trigger fire times. Expression parsing is delegated
// to robfig/cron.
package cron

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Parser accepts standard five-field expressions, an optional leading
// seconds field and descriptors such as @hourly or @every 5m.
type Parser struct {
	parser cron.Parser

	mu    sync.RWMutex
	cache map[cacheKey]Schedule
}

type cacheKey struct {
	expr, tz string
}

func NewParser() *Parser {
	return &Parser{
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		cache:  make(map[cacheKey]Schedule),
	}
}

// Parse compiles expression in timezone ("" = UTC). Results are memoized,
// since every coordinator pass asks for the same few expressions.
func (p *Parser) Parse(expression string, timezone string) (Schedule, error) {
	if timezone == "" {
		timezone = "UTC"
	}
	k := cacheKey{expression, timezone}

	p.mu.RLock()
	s, ok := p.cache[k]
	p.mu.RUnlock()
	if ok {
		return s, nil
	}

	sched, err := p.parser.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("parse cron: %w", err)
	}

	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone: %w", err)
	}

	s = &schedule{sched: sched, loc: loc}
	p.mu.Lock()
	p.cache[k] = s
	p.mu.Unlock()
	return s, nil
}

type Schedule interface {
	// Next returns the first activation strictly after after, or the zero
	// time if there is none.
	Next(after time.Time) time.Time
}

type schedule struct {
	sched cron.Schedule
	loc   *time.Location
}

func (s *schedule) Next(after time.Time) time.Time {
	return s.sched.Next(after.In(s.loc))
}

package dbqueue

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

// SQLStats holds the counters a Profiler keeps for one SQL text.
type SQLStats struct {
	SQL         string
	Prepares    int
	Steps       int
	Execs       int
	Errors      int
	PrepareTime time.Duration
	StepTime    time.Duration
	ExecTime    time.Duration
}

// Total returns the time spent in all native calls for this SQL.
func (s SQLStats) Total() time.Duration {
	return s.PrepareTime + s.StepTime + s.ExecTime
}

// Profiler accumulates per-SQL timings of prepare, step and exec calls. It
// may be read from any goroutine while a Connection writes to it. A nil
// *Profiler records nothing.
type Profiler struct {
	mu    sync.Mutex
	stats map[string]*SQLStats
}

func NewProfiler() *Profiler {
	return &Profiler{stats: make(map[string]*SQLStats)}
}

func (p *Profiler) entry(sql string) *SQLStats {
	s, ok := p.stats[sql]
	if !ok {
		s = &SQLStats{SQL: sql}
		p.stats[sql] = s
	}
	return s
}

func (p *Profiler) reportPrepare(sql string, start time.Time, rc int) {
	if p == nil {
		return
	}
	d := time.Since(start)
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.entry(sql)
	s.Prepares++
	s.PrepareTime += d
	if rc != ResultOK {
		s.Errors++
	}
}

func (p *Profiler) reportStep(sql string, start time.Time, rc int) {
	if p == nil {
		return
	}
	d := time.Since(start)
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.entry(sql)
	s.Steps++
	s.StepTime += d
	if rc != ResultRow && rc != ResultDone {
		s.Errors++
	}
}

func (p *Profiler) reportExec(sql string, start time.Time, rc int) {
	if p == nil {
		return
	}
	d := time.Since(start)
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.entry(sql)
	s.Execs++
	s.ExecTime += d
	if rc != ResultOK {
		s.Errors++
	}
}

// Stats returns a snapshot ordered by total time, longest first.
func (p *Profiler) Stats() []SQLStats {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	out := make([]SQLStats, 0, len(p.stats))
	for _, s := range p.stats {
		out = append(out, *s)
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Total() != out[j].Total() {
			return out[i].Total() > out[j].Total()
		}
		return out[i].SQL < out[j].SQL
	})
	return out
}

// Reset drops all collected statistics.
func (p *Profiler) Reset() {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.stats = make(map[string]*SQLStats)
	p.mu.Unlock()
}

// PrintReport writes a plain text report to w.
func (p *Profiler) PrintReport(w io.Writer) error {
	for _, s := range p.Stats() {
		if _, err := fmt.Fprintf(w, "%s\n", s.SQL); err != nil {
			return err
		}
		if s.Prepares > 0 {
			fmt.Fprintf(w, "    prepare  %6d  total %v\n", s.Prepares, s.PrepareTime)
		}
		if s.Steps > 0 {
			fmt.Fprintf(w, "    step     %6d  total %v\n", s.Steps, s.StepTime)
		}
		if s.Execs > 0 {
			fmt.Fprintf(w, "    exec     %6d  total %v\n", s.Execs, s.ExecTime)
		}
		if s.Errors > 0 {
			fmt.Fprintf(w, "    errors   %6d\n", s.Errors)
		}
	}
	return nil
}

package utils

import (
	"sync"

	"github.com/edaniels/golog"
)

// Progress reports incremental advance through a known total, emitting one
// log line per whole percent. It is safe for concurrent use; updates may be
// coalesced but the reported percentage never overcounts.
type Progress struct {
	mu       sync.Mutex
	logger   golog.Logger
	label    string
	total    int64
	done     int64
	lastPct  int
	finished bool
}

// NewProgress returns a reporter for total units of work. A non-positive
// total disables reporting.
func NewProgress(logger golog.Logger, label string, total int64) *Progress {
	return &Progress{logger: logger, label: label, total: total, lastPct: -1}
}

// Add records n more units of completed work.
func (p *Progress) Add(n int64) {
	if p == nil || p.total <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done += n
	if p.done > p.total {
		p.done = p.total
	}
	pct := int(100 * p.done / p.total)
	if pct > p.lastPct {
		p.lastPct = pct
		p.logger.Infof("%s: %d%%", p.label, pct)
	}
}

// Finish forces the 100% line if it has not been emitted yet.
func (p *Progress) Finish() {
	if p == nil || p.total <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return
	}
	p.finished = true
	if p.lastPct < 100 {
		p.lastPct = 100
		p.logger.Infof("%s: 100%%", p.label)
	}
}

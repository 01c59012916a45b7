package httpapi

import (
	"sync"
	"time"
)

// auditEntry records one admin mutation for the operators' recent-changes
// view.
type auditEntry struct {
	Time   time.Time `json:"time"`
	Tenant string    `json:"tenant,omitempty"`
	Actor  string    `json:"actor"`
	Action string    `json:"action"`
	Detail string    `json:"detail,omitempty"`
}

// auditLog is a bounded in-memory ring of admin actions. It is an
// operational convenience, not the compliance trail: durable history lives
// in the ledger's transaction rows.
type auditLog struct {
	mu      sync.Mutex
	entries []auditEntry
	max     int
}

func newAuditLog(max int) *auditLog {
	if max <= 0 {
		max = 200
	}
	return &auditLog{max: max}
}

func (l *auditLog) add(entry auditEntry) {
	entry.Time = time.Now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	if len(l.entries) > l.max {
		l.entries = l.entries[len(l.entries)-l.max:]
	}
}

// list returns entries newest first.
func (l *auditLog) list() []auditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]auditEntry, len(l.entries))
	for i, e := range l.entries {
		out[len(l.entries)-1-i] = e
	}
	return out
}

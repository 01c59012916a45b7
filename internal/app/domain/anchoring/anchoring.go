// Package anchoring defines per-chain anchor attempts and their persisted
// aggregate record.
package anchoring

import "time"

// AttemptResult is the outcome of one chain's anchor or verify call. Partial
// success across chains is a valid terminal state, not a failure.
type AttemptResult struct {
	Chain       string
	Anchored    bool
	TxHash      string
	BlockNumber uint64
	Error       string
}

// Record aggregates a verification hash's anchoring state across all
// configured chains.
type Record struct {
	ID              string
	VerificationHash string
	Results         map[string]AttemptResult
	AnchoredCount   int
	ChainCount      int
	FullyAnchored   bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Anchored reports whether at least one chain accepted the hash.
func (r Record) Anchored() bool { return r.AnchoredCount > 0 }

// Recount refreshes the aggregate counters from Results.
func (r *Record) Recount() {
	count := 0
	for _, res := range r.Results {
		if res.Anchored {
			count++
		}
	}
	r.AnchoredCount = count
	r.ChainCount = len(r.Results)
	r.FullyAnchored = r.ChainCount > 0 && count == r.ChainCount
}

package peers

import (
	"time"
)

// Record is the last known state of one peer.
type Record struct {
	Nick     string // empty when the peer has no name
	ID       string
	Tipset   []string
	Height   int64
	TSLBlock time.Time // zero until a tipset change has been observed
}

// BlockKnown reports whether a tipset change has been observed for the peer.
func (r Record) BlockKnown() bool {
	return !r.TSLBlock.IsZero()
}

// SinceBlock returns the time elapsed since the last tipset change, and false
// when none has been observed.
func (r Record) SinceBlock(now time.Time) (time.Duration, bool) {
	if !r.BlockKnown() {
		return 0, false
	}
	return now.Sub(r.TSLBlock), true
}

func (r Record) copy() Record {
	res := r
	res.Tipset = append([]string(nil), r.Tipset...)
	return res
}

// byPresentation orders records with named peers first, by nick, and the
// others by id.
type byPresentation []Record

func (a byPresentation) Len() int      { return len(a) }
func (a byPresentation) Swap(i, j int) { a[i], a[j] = a[j], a[i] }
func (a byPresentation) Less(i, j int) bool {
	ni, nj := a[i].Nick != "", a[j].Nick != ""
	switch {
	case ni && nj:
		if a[i].Nick != a[j].Nick {
			return a[i].Nick < a[j].Nick
		}
	case ni:
		return true
	case nj:
		return false
	}
	return a[i].ID < a[j].ID
}

// Stats summarizes the record table.
type Stats struct {
	TotalPeers int
	// LastBlockTime is the earliest known TSLBlock, zero if no peer has one.
	LastBlockTime time.Time
}

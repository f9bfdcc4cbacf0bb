package peers

import (
	"errors"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mosaicnetworks/feedhub/src/heartbeat"
	"github.com/mosaicnetworks/feedhub/src/telemetry"
	"github.com/sirupsen/logrus"
)

// Verdict is the outcome of applying one heartbeat.
type Verdict int

const (
	// Created means the peer was unseen.
	Created Verdict = iota
	// SameTip means the canonical tipset did not change.
	SameTip
	// NewTip means the canonical tipset changed.
	NewTip
)

func (v Verdict) String() string {
	switch v {
	case Created:
		return telemetry.ResultCreated
	case SameTip:
		return telemetry.ResultSameTip
	case NewTip:
		return telemetry.ResultNewTip
	default:
		return "unknown"
	}
}

// Transition describes the effect of a heartbeat on a Record.
type Transition struct {
	Verdict Verdict
	Record  Record
}

// Reconciler owns the record table. Messages must be fed from one goroutine;
// reads are safe from any goroutine.
type Reconciler struct {
	lock    sync.RWMutex
	records map[string]*Record

	now    func() time.Time
	logger *logrus.Entry

	messages  atomic.Uint64
	ignored   atomic.Uint64
	malformed atomic.Uint64
}

// NewReconciler creates an empty Reconciler. now defaults to time.Now.
func NewReconciler(now func() time.Time, logger *logrus.Entry) *Reconciler {
	if now == nil {
		now = time.Now
	}

	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}

	return &Reconciler{
		records: make(map[string]*Record),
		now:     now,
		logger:  logger,
	}
}

// OnMessage parses one raw feed message and applies it. Malformed messages
// and operations other than HeartBeat are dropped without touching any
// record.
func (r *Reconciler) OnMessage(raw []byte) {
	r.messages.Add(1)

	msg, err := heartbeat.Parse(raw)
	if err != nil {
		r.malformed.Add(1)
		telemetry.Heartbeats.WithLabelValues(telemetry.ResultMalformed).Inc()

		entry := r.logger.WithError(err)
		if errors.Is(err, heartbeat.ErrMissingHeartbeat) || errors.Is(err, heartbeat.ErrMissingPeerID) {
			entry.Warn("Dropping heartbeat")
		} else {
			entry.WithField("size", len(raw)).Debug("Dropping malformed message")
		}
		return
	}

	switch m := msg.(type) {
	case *heartbeat.HeartBeat:
		r.Apply(m)
	default:
		r.ignored.Add(1)
		telemetry.Heartbeats.WithLabelValues(telemetry.ResultIgnored).Inc()
		r.logger.WithField("operation", m.Operation()).Debug("Ignoring message")
	}
}

// Apply runs the tip-change rule for hb and stores the resulting Record.
func (r *Reconciler) Apply(hb *heartbeat.HeartBeat) Transition {
	tipset := heartbeat.Canonical(hb.Tipset)

	r.lock.Lock()

	prev, ok := r.records[hb.PeerID]

	next := &Record{
		Nick:   hb.PeerName,
		ID:     hb.PeerID,
		Tipset: tipset,
		Height: hb.Height,
	}

	var verdict Verdict
	switch {
	case !ok:
		verdict = Created
	case heartbeat.Equal(prev.Tipset, tipset):
		verdict = SameTip
		next.TSLBlock = prev.TSLBlock
	default:
		verdict = NewTip
		next.TSLBlock = r.now()
		// keep TSLBlock strictly increasing on coarse clocks
		if prev.BlockKnown() && !next.TSLBlock.After(prev.TSLBlock) {
			next.TSLBlock = prev.TSLBlock.Add(time.Nanosecond)
		}
	}

	r.records[hb.PeerID] = next
	total := len(r.records)
	res := next.copy()

	r.lock.Unlock()

	telemetry.Heartbeats.WithLabelValues(verdict.String()).Inc()
	telemetry.PeersTracked.Set(float64(total))

	fields := logrus.Fields{
		"peer":   hb.PeerID,
		"height": hb.Height,
	}
	switch verdict {
	case Created:
		r.logger.WithFields(fields).WithField("nick", hb.PeerName).Info("New peer")
	case NewTip:
		r.logger.WithFields(fields).WithField("tipset", tipset).Debug("Tipset changed")
	}

	return Transition{Verdict: verdict, Record: res}
}

// Get returns a copy of the Record of peer id.
func (r *Reconciler) Get(id string) (Record, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	rec, ok := r.records[id]
	if !ok {
		return Record{}, false
	}
	return rec.copy(), true
}

// Len returns the number of records.
func (r *Reconciler) Len() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.records)
}

// Snapshot returns a copy of every Record in presentation order: named peers
// first by nick, then the others by id.
func (r *Reconciler) Snapshot() []Record {
	r.lock.RLock()
	res := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		res = append(res, rec.copy())
	}
	r.lock.RUnlock()

	sort.Sort(byPresentation(res))

	return res
}

// Stats returns the peer count and the earliest known TSLBlock.
func (r *Reconciler) Stats() Stats {
	r.lock.RLock()
	defer r.lock.RUnlock()

	res := Stats{TotalPeers: len(r.records)}
	for _, rec := range r.records {
		if !rec.BlockKnown() {
			continue
		}
		if res.LastBlockTime.IsZero() || rec.TSLBlock.Before(res.LastBlockTime) {
			res.LastBlockTime = rec.TSLBlock
		}
	}

	return res
}

// Now returns the reconciler's current time.
func (r *Reconciler) Now() time.Time {
	return r.now()
}

// GetStats returns counters describing the message flow.
func (r *Reconciler) GetStats() map[string]string {
	stats := r.Stats()

	lastBlock := "never"
	if !stats.LastBlockTime.IsZero() {
		lastBlock = stats.LastBlockTime.UTC().Format(time.RFC3339Nano)
	}

	return map[string]string{
		"peers":           strconv.Itoa(stats.TotalPeers),
		"messages":        strconv.FormatUint(r.messages.Load(), 10),
		"ignored":         strconv.FormatUint(r.ignored.Load(), 10),
		"malformed":       strconv.FormatUint(r.malformed.Load(), 10),
		"last_block_time": lastBlock,
	}
}

package net

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mosaicnetworks/feedhub/src/telemetry"
	"github.com/sirupsen/logrus"
)

// Sink receives every line forwarded by the Merger. Publish is called from
// producer goroutines and must not block.
type Sink interface {
	Publish(line []byte)
}

// Producer is the registration entry of one producer connection.
type Producer struct {
	ID          string
	RemoteAddr  string
	ConnectedAt time.Time

	lines atomic.Uint64
}

// Lines returns the number of lines forwarded for this producer.
func (p *Producer) Lines() uint64 {
	return p.lines.Load()
}

// ProducerInfo is a point-in-time copy of a Producer.
type ProducerInfo struct {
	ID          string    `json:"id"`
	RemoteAddr  string    `json:"remoteAddr"`
	ConnectedAt time.Time `json:"connectedAt"`
	Lines       uint64    `json:"lines"`
}

// Merger joins the lines of every producer into one stream and forwards them
// to its sinks.
type Merger struct {
	producersLock sync.RWMutex
	producers     map[string]*Producer

	sinksLock sync.RWMutex
	sinks     []sinkEntry
	nextSink  int

	lines  atomic.Uint64
	logger *logrus.Entry
}

type sinkEntry struct {
	id   int
	sink Sink
}

// NewMerger creates an empty Merger.
func NewMerger(logger *logrus.Entry) *Merger {
	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}

	return &Merger{
		producers: make(map[string]*Producer),
		logger:    logger,
	}
}

// Subscribe adds a sink to the merged stream. The returned function removes
// it again; calling it more than once is harmless.
func (m *Merger) Subscribe(s Sink) func() {
	m.sinksLock.Lock()
	id := m.nextSink
	m.nextSink++
	m.sinks = append(m.sinks, sinkEntry{id: id, sink: s})
	m.sinksLock.Unlock()

	return func() {
		m.sinksLock.Lock()
		defer m.sinksLock.Unlock()
		for i, e := range m.sinks {
			if e.id == id {
				m.sinks = append(m.sinks[:i:i], m.sinks[i+1:]...)
				return
			}
		}
	}
}

// AddProducer registers a new producer connection.
func (m *Merger) AddProducer(remoteAddr string) *Producer {
	p := &Producer{
		ID:          uuid.New().String(),
		RemoteAddr:  remoteAddr,
		ConnectedAt: time.Now(),
	}

	m.producersLock.Lock()
	m.producers[p.ID] = p
	total := len(m.producers)
	m.producersLock.Unlock()

	telemetry.ProducersConnected.Set(float64(total))

	m.logger.WithFields(logrus.Fields{
		"producer": p.ID,
		"from":     remoteAddr,
		"total":    total,
	}).Info("New log connection")

	return p
}

// RemoveProducer deregisters a producer. Removing an unknown or already
// removed producer is a no-op.
func (m *Merger) RemoveProducer(p *Producer) {
	m.producersLock.Lock()
	_, ok := m.producers[p.ID]
	delete(m.producers, p.ID)
	total := len(m.producers)
	m.producersLock.Unlock()

	if !ok {
		return
	}

	telemetry.ProducersConnected.Set(float64(total))

	m.logger.WithFields(logrus.Fields{
		"producer": p.ID,
		"from":     p.RemoteAddr,
		"lines":    p.Lines(),
		"total":    total,
	}).Info("Closed log connection")
}

// Forward hands one complete line from producer p to every sink.
func (m *Merger) Forward(p *Producer, line []byte) {
	if p != nil {
		p.lines.Add(1)
	}
	m.lines.Add(1)
	telemetry.LinesForwarded.Inc()
	telemetry.BytesForwarded.Add(float64(len(line)))

	m.sinksLock.RLock()
	defer m.sinksLock.RUnlock()
	for _, e := range m.sinks {
		e.sink.Publish(line)
	}
}

// Count returns the number of registered producers.
func (m *Merger) Count() int {
	m.producersLock.RLock()
	defer m.producersLock.RUnlock()
	return len(m.producers)
}

// Lines returns the total number of lines forwarded.
func (m *Merger) Lines() uint64 {
	return m.lines.Load()
}

// Producers returns the registered producers ordered by connection time.
func (m *Merger) Producers() []ProducerInfo {
	m.producersLock.RLock()
	res := make([]ProducerInfo, 0, len(m.producers))
	for _, p := range m.producers {
		res = append(res, ProducerInfo{
			ID:          p.ID,
			RemoteAddr:  p.RemoteAddr,
			ConnectedAt: p.ConnectedAt,
			Lines:       p.Lines(),
		})
	}
	m.producersLock.RUnlock()

	sort.Slice(res, func(i, j int) bool {
		return res[i].ConnectedAt.Before(res[j].ConnectedAt)
	})

	return res
}

package fanout

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mosaicnetworks/feedhub/src/telemetry"
	"github.com/sirupsen/logrus"
)

// DefaultQueueSize is the send queue length used when none is configured.
const DefaultQueueSize = 256

// Conn is the write side of a subscriber transport.
type Conn interface {
	// WriteLine sends one line as a single message. It must give up once
	// deadline has passed.
	WriteLine(line []byte, deadline time.Time) error
	Close() error
}

// Subscriber is one registered consumer of the stream.
type Subscriber struct {
	ID          string
	RemoteAddr  string
	ConnectedAt time.Time

	conn      Conn
	relay     bool
	queue     chan []byte
	done      chan struct{}
	closeOnce sync.Once

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// Done is closed once the subscriber has been unregistered.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

// Sent returns the number of lines written to the subscriber.
func (s *Subscriber) Sent() uint64 {
	return s.sent.Load()
}

// Dropped returns the number of lines dropped because the queue was full.
func (s *Subscriber) Dropped() uint64 {
	return s.dropped.Load()
}

// SubscriberInfo is a point-in-time copy of a Subscriber.
type SubscriberInfo struct {
	ID          string    `json:"id"`
	RemoteAddr  string    `json:"remoteAddr"`
	ConnectedAt time.Time `json:"connectedAt"`
	Sent        uint64    `json:"sent"`
	Dropped     uint64    `json:"dropped"`
}

// Broadcaster holds the subscriber set and fans lines out to it.
type Broadcaster struct {
	queueSize    int
	writeTimeout time.Duration

	lock        sync.RWMutex
	subscribers map[string]*Subscriber
	closed      bool

	published atomic.Uint64
	logger    *logrus.Entry
}

// NewBroadcaster creates an empty Broadcaster. A writeTimeout of zero means
// subscriber writes have no deadline.
func NewBroadcaster(queueSize int, writeTimeout time.Duration, logger *logrus.Entry) *Broadcaster {
	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}

	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	return &Broadcaster{
		queueSize:    queueSize,
		writeTimeout: writeTimeout,
		subscribers:  make(map[string]*Subscriber),
		logger:       logger,
	}
}

// Register adds conn to the subscriber set and starts its sender. It returns
// nil if the Broadcaster is closed, in which case conn is closed.
func (b *Broadcaster) Register(conn Conn, remoteAddr string) *Subscriber {
	return b.register(conn, remoteAddr, false)
}

// RegisterRelay adds an in-process consumer, such as a republisher, that
// receives every line like a subscriber but is not one: it is left out of
// Count and Subscribers, and a failed write does not remove it.
func (b *Broadcaster) RegisterRelay(conn Conn, name string) *Subscriber {
	return b.register(conn, name, true)
}

func (b *Broadcaster) register(conn Conn, remoteAddr string, relay bool) *Subscriber {
	s := &Subscriber{
		ID:          uuid.New().String(),
		RemoteAddr:  remoteAddr,
		ConnectedAt: time.Now(),
		conn:        conn,
		relay:       relay,
		queue:       make(chan []byte, b.queueSize),
		done:        make(chan struct{}),
	}

	b.lock.Lock()
	if b.closed {
		b.lock.Unlock()
		conn.Close()
		return nil
	}
	b.subscribers[s.ID] = s
	total := b.countLocked()
	b.lock.Unlock()

	fields := logrus.Fields{
		"subscriber": s.ID,
		"from":       remoteAddr,
	}

	if relay {
		b.logger.WithFields(fields).Debug("Relay registered")
	} else {
		telemetry.SubscribersConnected.Set(float64(total))
		fields["total"] = total
		b.logger.WithFields(fields).Info("New dashboard connection")
	}

	go b.sender(s)

	return s
}

// countLocked returns the number of dashboard subscribers. The caller holds
// the lock.
func (b *Broadcaster) countLocked() int {
	n := 0
	for _, s := range b.subscribers {
		if !s.relay {
			n++
		}
	}
	return n
}

// Unregister removes s and closes its connection. It is safe to call more
// than once and from any goroutine.
func (b *Broadcaster) Unregister(s *Subscriber) {
	b.lock.Lock()
	_, ok := b.subscribers[s.ID]
	delete(b.subscribers, s.ID)
	total := b.countLocked()
	b.lock.Unlock()

	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})

	if !ok {
		return
	}

	fields := logrus.Fields{
		"subscriber": s.ID,
		"from":       s.RemoteAddr,
		"sent":       s.Sent(),
		"dropped":    s.Dropped(),
	}

	if s.relay {
		b.logger.WithFields(fields).Debug("Relay removed")
		return
	}

	telemetry.SubscribersConnected.Set(float64(total))
	fields["total"] = total
	b.logger.WithFields(fields).Info("Closed dashboard connection")
}

// Publish offers line to every subscriber registered at the time of the
// call. It never blocks.
func (b *Broadcaster) Publish(line []byte) {
	b.published.Add(1)

	b.lock.RLock()
	defer b.lock.RUnlock()

	for _, s := range b.subscribers {
		select {
		case s.queue <- line:
		default:
			s.dropped.Add(1)
			telemetry.SubscriberDrops.Inc()
		}
	}
}

// Count returns the number of registered subscribers, relays excluded.
func (b *Broadcaster) Count() int {
	b.lock.RLock()
	defer b.lock.RUnlock()
	return b.countLocked()
}

// Published returns the number of lines offered to the subscribers.
func (b *Broadcaster) Published() uint64 {
	return b.published.Load()
}

// Subscribers returns the registered subscribers ordered by connection time.
// Relays are not listed.
func (b *Broadcaster) Subscribers() []SubscriberInfo {
	b.lock.RLock()
	res := make([]SubscriberInfo, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		if s.relay {
			continue
		}
		res = append(res, SubscriberInfo{
			ID:          s.ID,
			RemoteAddr:  s.RemoteAddr,
			ConnectedAt: s.ConnectedAt,
			Sent:        s.Sent(),
			Dropped:     s.Dropped(),
		})
	}
	b.lock.RUnlock()

	sort.Slice(res, func(i, j int) bool {
		return res[i].ConnectedAt.Before(res[j].ConnectedAt)
	})

	return res
}

// Close unregisters every subscriber and refuses new ones.
func (b *Broadcaster) Close() {
	b.lock.Lock()
	b.closed = true
	subs := make([]*Subscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		subs = append(subs, s)
	}
	b.lock.Unlock()

	for _, s := range subs {
		b.Unregister(s)
	}
}

// sender drains the queue of s into its connection until s is unregistered
// or a write fails. A relay keeps going after a failed write.
func (b *Broadcaster) sender(s *Subscriber) {
	for {
		select {
		case <-s.done:
			return
		case line := <-s.queue:
			var deadline time.Time
			if b.writeTimeout > 0 {
				deadline = time.Now().Add(b.writeTimeout)
			}

			if err := s.conn.WriteLine(line, deadline); err != nil {
				select {
				case <-s.done:
				default:
					telemetry.DeliveryFailures.Inc()
					b.logger.WithFields(logrus.Fields{
						"subscriber": s.ID,
						"error":      err,
					}).Warn("Failed to write to subscriber")
				}
				if s.relay {
					continue
				}
				b.Unregister(s)
				return
			}

			s.sent.Add(1)
		}
	}
}

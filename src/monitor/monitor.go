// Package monitor implements the consumer side of the feed: it subscribes to
// the aggregation server over a websocket and feeds every message, in order,
// to a single peers.Reconciler. Lost connections are re-dialed after a delay.
package monitor

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mosaicnetworks/feedhub/src/peers"
	"github.com/mosaicnetworks/feedhub/src/telemetry"
	"github.com/sirupsen/logrus"
)

// Monitor keeps a Reconciler in sync with a feed.
type Monitor struct {
	url            string
	reconnectDelay time.Duration
	reconciler     *peers.Reconciler
	dialer         *websocket.Dialer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	connLock sync.Mutex
	conn     *websocket.Conn

	connected atomic.Bool
	dials     atomic.Uint64
	messages  atomic.Uint64

	logger *logrus.Entry
}

// NewMonitor creates a Monitor for the feed at url. It does not connect until
// Run is called.
func NewMonitor(url string,
	reconnectDelay time.Duration,
	reconciler *peers.Reconciler,
	logger *logrus.Entry) *Monitor {

	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Monitor{
		url:            url,
		reconnectDelay: reconnectDelay,
		reconciler:     reconciler,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		logger: logger.WithField("feed", url),
	}
}

// Run dials the feed and processes messages until Shutdown is called.
func (m *Monitor) Run() {
	defer close(m.done)

	for {
		if m.ctx.Err() != nil {
			return
		}

		m.dials.Add(1)
		conn, _, err := m.dialer.DialContext(m.ctx, m.url, nil)
		if err != nil {
			if m.ctx.Err() != nil {
				return
			}
			m.logger.WithError(err).Warn("Failed to connect to feed")
			if !m.wait() {
				return
			}
			continue
		}

		if !m.setConn(conn) {
			conn.Close()
			return
		}

		m.logger.Info("Connected to feed")
		m.readLoop(conn)
		m.clearConn()

		if m.ctx.Err() != nil {
			return
		}

		m.logger.Warn("Lost connection to feed")
		if !m.wait() {
			return
		}
	}
}

func (m *Monitor) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if m.ctx.Err() == nil {
				m.logger.WithError(err).Debug("Feed read error")
			}
			return
		}

		m.messages.Add(1)
		m.reconciler.OnMessage(data)
	}
}

// wait sleeps for the reconnect delay. It returns false if the Monitor was
// shut down meanwhile.
func (m *Monitor) wait() bool {
	timer := time.NewTimer(m.reconnectDelay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-m.ctx.Done():
		return false
	}
}

func (m *Monitor) setConn(conn *websocket.Conn) bool {
	m.connLock.Lock()
	defer m.connLock.Unlock()

	if m.ctx.Err() != nil {
		return false
	}

	m.conn = conn
	m.connected.Store(true)
	telemetry.FeedConnected.Set(1)

	return true
}

func (m *Monitor) clearConn() {
	m.connLock.Lock()
	defer m.connLock.Unlock()

	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.connected.Store(false)
	telemetry.FeedConnected.Set(0)
}

// Shutdown stops the Monitor and waits for Run to return. It must only be
// called after Run has been started.
func (m *Monitor) Shutdown() {
	m.connLock.Lock()
	m.cancel()
	if m.conn != nil {
		m.conn.Close()
	}
	m.connLock.Unlock()

	<-m.done
}

// Connected reports whether the Monitor currently holds a feed connection.
func (m *Monitor) Connected() bool {
	return m.connected.Load()
}

// Reconciler returns the Reconciler fed by the Monitor.
func (m *Monitor) Reconciler() *peers.Reconciler {
	return m.reconciler
}

// GetStats returns information about the feed connection.
func (m *Monitor) GetStats() map[string]string {
	stats := m.reconciler.GetStats()
	stats["feed_url"] = m.url
	stats["feed_connected"] = strconv.FormatBool(m.Connected())
	stats["feed_dials"] = strconv.FormatUint(m.dials.Load(), 10)
	stats["feed_messages"] = strconv.FormatUint(m.messages.Load(), 10)
	return stats
}

package net

import (
	"errors"
	"io"
	"net"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/mosaicnetworks/feedhub/src/framer"
	"github.com/mosaicnetworks/feedhub/src/telemetry"
	"github.com/sirupsen/logrus"
)

const defaultReadBufferSize = 4096

var (
	// ErrServerShutdown is returned when operations on an IngestServer are
	// invoked after it's been terminated.
	ErrServerShutdown = errors.New("ingest server shutdown")
)

// IngestServer accepts producer connections and feeds their lines into a
// Merger.
type IngestServer struct {
	logger *logrus.Entry

	stream StreamLayer
	merger *Merger

	maxLine    int
	readBuffer int

	connsLock sync.Mutex
	conns     map[net.Conn]struct{}
	wg        sync.WaitGroup

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex
}

// NewIngestServer creates an IngestServer on top of stream. maxLine caps the
// length of a single line (0 disables the cap) and readBuffer is the size of
// each socket read.
func NewIngestServer(
	stream StreamLayer,
	merger *Merger,
	maxLine int,
	readBuffer int,
	logger *logrus.Entry,
) *IngestServer {

	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}

	if readBuffer <= 0 {
		readBuffer = defaultReadBufferSize
	}

	return &IngestServer{
		logger:     logger,
		stream:     stream,
		merger:     merger,
		maxLine:    maxLine,
		readBuffer: readBuffer,
		conns:      make(map[net.Conn]struct{}),
		shutdownCh: make(chan struct{}),
	}
}

// Close stops accepting connections, closes every producer connection and
// waits for their handlers to return.
func (s *IngestServer) Close() error {
	s.shutdownLock.Lock()
	if s.shutdown {
		s.shutdownLock.Unlock()
		return nil
	}
	s.shutdown = true
	close(s.shutdownCh)
	err := s.stream.Close()
	s.shutdownLock.Unlock()

	s.connsLock.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.connsLock.Unlock()

	s.wg.Wait()

	return err
}

// LocalAddr returns the address the server is bound to.
func (s *IngestServer) LocalAddr() string {
	addr := s.stream.Addr()

	if addr != nil {
		return addr.String()
	}

	return ""
}

// AdvertiseAddr returns the address producers should dial.
func (s *IngestServer) AdvertiseAddr() string {
	return s.stream.AdvertiseAddr()
}

// IsShutdown is used to check if the server is shutdown.
func (s *IngestServer) IsShutdown() bool {
	select {
	case <-s.shutdownCh:
		return true
	default:
		return false
	}
}

// Listen accepts incoming producer connections until Close is called, after
// which it returns ErrServerShutdown. Any other return value is the error
// that stopped the listener.
func (s *IngestServer) Listen() error {
	for {
		// Accept incoming connections
		conn, err := s.stream.Accept()
		if err != nil {
			if s.IsShutdown() {
				return ErrServerShutdown
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.logger.WithField("error", err).Error("Failed to accept connection")
			continue
		}

		if !s.track(conn) {
			conn.Close()
			return ErrServerShutdown
		}

		s.logger.WithFields(logrus.Fields{
			"node": conn.LocalAddr(),
			"from": conn.RemoteAddr(),
		}).Debug("accepted connection")

		// Handle the connection in dedicated routine
		go s.handleConn(conn)
	}
}

// track records conn as live so Close can reach it. It reports false once the
// server is shut down.
func (s *IngestServer) track(conn net.Conn) bool {
	s.shutdownLock.Lock()
	defer s.shutdownLock.Unlock()

	if s.shutdown {
		return false
	}

	s.connsLock.Lock()
	s.conns[conn] = struct{}{}
	s.connsLock.Unlock()
	s.wg.Add(1)

	return true
}

func (s *IngestServer) untrack(conn net.Conn) {
	s.connsLock.Lock()
	delete(s.conns, conn)
	s.connsLock.Unlock()
	s.wg.Done()
}

// handleConn is used to handle an inbound producer connection for its
// lifespan.
func (s *IngestServer) handleConn(conn net.Conn) {
	defer s.untrack(conn)
	defer conn.Close()

	producer := s.merger.AddProducer(conn.RemoteAddr().String())
	defer s.merger.RemoveProducer(producer)

	logger := s.logger.WithField("producer", producer.ID)

	fr := framer.New(s.maxLine)
	defer fr.Reset()

	buf := make([]byte, s.readBuffer)

	for {
		n, err := conn.Read(buf)

		if n > 0 {
			lines, ferr := fr.Feed(buf[:n])

			for _, line := range lines {
				s.merger.Forward(producer, line)
			}

			if ferr != nil {
				telemetry.FramerErrors.Inc()
				logger.WithFields(logrus.Fields{
					"error": ferr,
					"limit": humanize.IBytes(uint64(s.maxLine)),
				}).Warn("Closing producer: line exceeds limit")
				return
			}
		}

		if err != nil {
			if err != io.EOF && !s.IsShutdown() {
				logger.WithField("error", err).Error("Failed to read from producer")
			}
			if pending := fr.Buffered(); pending > 0 {
				logger.WithField("bytes", pending).Debug("Discarding incomplete line")
			}
			return
		}
	}
}

// Package service exposes the state of a feedhub process over HTTP as JSON.
package service

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	json "github.com/json-iterator/go"
	"github.com/mosaicnetworks/feedhub/src/fanout"
	feednet "github.com/mosaicnetworks/feedhub/src/net"
	"github.com/mosaicnetworks/feedhub/src/peers"
	"github.com/mosaicnetworks/feedhub/src/telemetry"
	"github.com/sirupsen/logrus"
)

// StatsSource is anything that can describe itself with a flat map.
type StatsSource interface {
	GetStats() map[string]string
}

// Connections lists the live connections of an aggregation server.
type Connections interface {
	Producers() []feednet.ProducerInfo
	Subscribers() []fanout.SubscriberInfo
}

// Service serves the HTTP API. Optional sources that are nil leave their
// routes unregistered.
type Service struct {
	bindAddress string
	stats       StatsSource
	conns       Connections
	reconciler  *peers.Reconciler

	mux    *http.ServeMux
	server *http.Server
	logger *logrus.Entry
}

// NewService creates a Service and registers its handlers.
func NewService(bindAddress string,
	stats StatsSource,
	conns Connections,
	reconciler *peers.Reconciler,
	logger *logrus.Entry) *Service {

	service := Service{
		bindAddress: bindAddress,
		stats:       stats,
		conns:       conns,
		reconciler:  reconciler,
		mux:         http.NewServeMux(),
		logger:      logger,
	}

	service.registerHandlers()

	service.server = &http.Server{
		Addr:              bindAddress,
		Handler:           service.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &service
}

// registerHandlers registers the API handlers on the Service's own mux.
func (s *Service) registerHandlers() {
	s.logger.Debug("Registering feedhub API handlers")
	s.handle("/healthz", s.GetHealth)
	s.mux.Handle("/metrics", telemetry.Instrument("metrics", telemetry.MetricsHandler()))

	if s.stats != nil {
		s.handle("/stats", s.GetStats)
	}

	if s.conns != nil {
		s.handle("/producers", s.GetProducers)
		s.handle("/subscribers", s.GetSubscribers)
	}

	if s.reconciler != nil {
		s.handle("/peers", s.GetPeers)
		s.handle("/peers/", s.GetPeer)
		s.handle("/network", s.GetNetwork)
	}
}

func (s *Service) handle(path string, fn func(http.ResponseWriter, *http.Request)) {
	op := strings.Trim(path, "/")
	s.mux.Handle(path, telemetry.Instrument(op, s.makeHandler(fn)))
}

func (s *Service) makeHandler(fn func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// enable CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")

		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		fn(w, r)
	}
}

// Handler returns the http.Handler serving the API.
func (s *Service) Handler() http.Handler {
	return s.mux
}

// Serve binds the service address and serves until Shutdown is called. This
// is a blocking call.
func (s *Service) Serve() error {
	l, err := net.Listen("tcp", s.bindAddress)
	if err != nil {
		s.logger.WithError(err).Error("Failed to bind service address")
		return err
	}
	return s.ServeListener(l)
}

// ServeListener serves on an already bound listener.
func (s *Service) ServeListener(l net.Listener) error {
	s.logger.WithField("bind_address", l.Addr().String()).Debug("Serving feedhub API")

	err := s.server.Serve(l)
	if err != nil && err != http.ErrServerClosed {
		s.logger.Error(err)
		return err
	}
	return nil
}

// Shutdown stops the HTTP server.
func (s *Service) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.WithError(err).Error("Shutting down service")
	}
}

// GetHealth ...
func (s *Service) GetHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// GetStats ...
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.stats.GetStats())
}

// GetProducers ...
func (s *Service) GetProducers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.conns.Producers())
}

// GetSubscribers ...
func (s *Service) GetSubscribers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.conns.Subscribers())
}

// GetPeers returns every peer record in presentation order.
func (s *Service) GetPeers(w http.ResponseWriter, r *http.Request) {
	now := s.reconciler.Now()
	records := s.reconciler.Snapshot()

	res := make([]PeerView, 0, len(records))
	for _, rec := range records {
		res = append(res, NewPeerView(rec, now))
	}

	writeJSON(w, res)
}

// GetPeer returns the record of the peer named in the path.
func (s *Service) GetPeer(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Path[len("/peers/"):]
	if id == "" {
		s.GetPeers(w, r)
		return
	}

	rec, ok := s.reconciler.Get(id)
	if !ok {
		http.Error(w, "unknown peer "+id, http.StatusNotFound)
		return
	}

	writeJSON(w, NewPeerView(rec, s.reconciler.Now()))
}

// GetNetwork returns the aggregate view shown in a dashboard header together
// with the peer list.
func (s *Service) GetNetwork(w http.ResponseWriter, r *http.Request) {
	now := s.reconciler.Now()
	stats := s.reconciler.Stats()
	records := s.reconciler.Snapshot()

	res := NetworkView{
		TotalPeers: stats.TotalPeers,
		Peers:      make([]PeerView, 0, len(records)),
	}
	if !stats.LastBlockTime.IsZero() {
		lbt := stats.LastBlockTime
		res.LastBlockTime = &lbt
		res.LastBlockHuman = humanize.RelTime(lbt, now, "ago", "from now")
	}
	for _, rec := range records {
		res.Peers = append(res.Peers, NewPeerView(rec, now))
	}

	writeJSON(w, res)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(v)
}

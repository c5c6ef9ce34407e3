// Package feed streams session events to WebSocket clients as JSON.
package feed

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/eventbus"
	"github.com/srg/blecentral/internal/groutine"
)

// Source is the event producer the feed subscribes to.
type Source interface {
	SubscribeAll(h eventbus.Handler) *eventbus.Subscription
}

// Message is the wire form of one event.
type Message struct {
	device.Event
	Error string `json:"error,omitempty"`
}

// NewMessage converts an event to its wire form.
func NewMessage(ev device.Event) Message {
	m := Message{Event: ev}
	if ev.Err != nil {
		m.Error = ev.Err.Error()
	}
	return m
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// Server serves the event stream on /events. The optional kind query
// parameter (comma separated) restricts the stream to those event kinds.
type Server struct {
	source       Source
	logger       *logrus.Logger
	pingInterval time.Duration
	clientBuffer int
	clients      atomic.Int64
}

// NewServer creates a feed over source.
func NewServer(source Source, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	return &Server{
		source:       source,
		logger:       logger,
		pingInterval: 20 * time.Second,
		clientBuffer: 256,
	}
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	return int(s.clients.Load())
}

// Handler returns the HTTP routes of the feed.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", s.eventStream)
	return mux
}

func parseKinds(raw string) map[device.EventKind]bool {
	if raw == "" {
		return nil
	}
	kinds := make(map[device.EventKind]bool)
	for _, k := range strings.Split(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			kinds[device.EventKind(k)] = true
		}
	}
	return kinds
}

func (s *Server) eventStream(w http.ResponseWriter, r *http.Request) {
	kinds := parseKinds(r.URL.Query().Get("kind"))

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("Feed upgrade failed")
		return
	}
	defer conn.Close()

	log := s.logger.WithField("client", r.RemoteAddr)
	s.clients.Add(1)
	defer s.clients.Add(-1)
	log.Info("Feed client connected")

	ch := make(chan device.Event, s.clientBuffer)
	var dropped atomic.Uint64
	sub := s.source.SubscribeAll(func(ev device.Event) {
		if kinds != nil && !kinds[ev.Kind] {
			return
		}
		select {
		case ch <- ev:
		default:
			dropped.Add(1)
		}
	})
	defer sub.Release()

	// drain reads so close frames and pongs are processed
	closed := make(chan struct{})
	groutine.Go(r.Context(), "feed-reader", func(context.Context) {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	ping := time.NewTicker(s.pingInterval)
	defer ping.Stop()

	for {
		select {
		case ev := <-ch:
			if err := conn.WriteJSON(NewMessage(ev)); err != nil {
				log.WithError(err).Debug("Feed write failed")
				return
			}
		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			log.WithField("dropped", dropped.Load()).Info("Feed client disconnected")
			return
		case <-r.Context().Done():
			return
		}
	}
}

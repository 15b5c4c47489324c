package ws

import (
	"context"
	"net/http"

	"github.com/HerbHall/floodwatch/internal/flood"
	"github.com/HerbHall/floodwatch/pkg/plugin"
	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var (
	connectedClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "floodwatch",
		Subsystem: "ws",
		Name:      "clients",
		Help:      "Connected tick stream clients.",
	})
	droppedMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "floodwatch",
		Subsystem: "ws",
		Name:      "dropped_messages_total",
		Help:      "Messages dropped because a client's send buffer was full.",
	})
)

func init() {
	prometheus.MustRegister(connectedClients, droppedMessages)
}

// Handler provides the WebSocket endpoint for live detector feeds.
type Handler struct {
	hub    *Hub
	bus    plugin.EventBus
	logger *zap.Logger
}

// Compile-time check that Handler implements the server interface.
var _ interface {
	RegisterRoutes(mux *http.ServeMux)
} = (*Handler)(nil)

// NewHandler creates a WebSocket handler and subscribes to flood events.
func NewHandler(bus plugin.EventBus, logger *zap.Logger, maxClients int) *Handler {
	h := &Handler{
		hub:    NewHub(logger, maxClients),
		bus:    bus,
		logger: logger,
	}
	h.subscribeToEvents()
	return h
}

// RegisterRoutes registers WebSocket routes on the server mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/ws/ticks", h.handleTicks)
}

// Hub returns the handler's hub.
func (h *Handler) Hub() *Hub { return h.hub }

// handleTicks upgrades the connection and streams detector events. The
// optional "monitor" query parameter restricts the feed to one monitor.
func (h *Handler) handleTicks(w http.ResponseWriter, r *http.Request) {
	client := &Client{
		remote:  r.RemoteAddr,
		monitor: r.URL.Query().Get("monitor"),
		send:    make(chan Message, sendBuffer),
		logger:  h.logger,
	}
	if !h.hub.Register(client) {
		http.Error(w, "too many websocket clients", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The feed is read-only and carries no credentials.
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.hub.Unregister(client)
		h.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	client.conn = conn
	connectedClients.Inc()
	defer connectedClients.Dec()

	// Run read and write pumps. When either exits, clean up.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	done := make(chan struct{})
	go func() {
		client.writePump(ctx)
		cancel()
		close(done)
	}()

	// readPump blocks until the client disconnects or the write pump fails.
	client.readPump(ctx)

	h.hub.Unregister(client)
	conn.Close(websocket.StatusNormalClosure, "")
	<-done
}

// subscribeToEvents forwards flood events to connected clients.
func (h *Handler) subscribeToEvents() {
	if h.bus == nil {
		return
	}

	h.bus.Subscribe(flood.TopicTick, func(_ context.Context, event plugin.Event) {
		ev, ok := event.Payload.(flood.TickEvent)
		if !ok {
			return
		}
		t := ev.Tick
		h.hub.Broadcast(Message{
			Type:      MessageTick,
			MonitorID: ev.MonitorID,
			Timestamp: event.Timestamp,
			Data: TickData{
				Tick:       t.Index,
				Seconds:    t.Seconds,
				Sample:     t.Sample,
				Cumulative: t.Cumulative,
				Threshold:  t.Threshold,
				Phase:      t.Phase.String(),
				Anomalous:  t.PredicateHolds,
			},
		})
	})

	h.bus.Subscribe(flood.TopicDetected, func(_ context.Context, event plugin.Event) {
		ev, ok := event.Payload.(flood.DetectionEvent)
		if !ok {
			return
		}
		h.hub.Broadcast(Message{
			Type:      MessageDetected,
			MonitorID: ev.MonitorID,
			Timestamp: event.Timestamp,
			Data: DetectedData{
				Name:       ev.Name,
				Tick:       ev.Tick,
				Seconds:    ev.Seconds,
				Cumulative: ev.Cumulative,
				Threshold:  ev.Threshold,
				Reason:     ev.TripReason(),
			},
		})
	})

	h.bus.Subscribe(flood.TopicRunCompleted, func(_ context.Context, event plugin.Event) {
		r, ok := event.Payload.(*flood.Report)
		if !ok {
			return
		}
		h.hub.Broadcast(Message{
			Type:      MessageRunCompleted,
			MonitorID: r.MonitorID,
			Timestamp: event.Timestamp,
			Data: RunCompletedData{
				ReportID:           r.ID,
				Name:               r.Name,
				Mode:               string(r.Mode),
				Status:             r.Status,
				Ticks:              r.Ticks,
				Detected:           r.Detected,
				FirstDetectionTick: r.FirstDetectionTick,
				DetectionDelay:     r.DetectionDelay,
			},
		})
	})

	h.logger.Info("subscribed to flood events for WebSocket broadcasting")
}

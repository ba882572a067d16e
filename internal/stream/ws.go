package stream

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/r3e-network/execengine/internal/coordination"
	"github.com/r3e-network/execengine/internal/registry"
	"github.com/r3e-network/execengine/pkg/logger"
)

// writeTimeout bounds a single websocket write, so a stalled subscriber
// cannot block its handler goroutine indefinitely.
const writeTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// SubscriptionHandler upgrades an HTTP request into the duplex
// subscription protocol of spec.md §6: one Snapshot, the reconciled
// persisted backlog, then live pub/sub.
type SubscriptionHandler struct {
	registry registry.Store
	bus      *coordination.Bus
	log      *logger.Logger
}

func NewSubscriptionHandler(reg registry.Store, bus *coordination.Bus, log *logger.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{registry: reg, bus: bus, log: log}
}

// ServeRun handles one subscriber for runID. It is wired by the HTTP
// layer (outside this spec's scope) behind a route that extracts runID.
func (h *SubscriptionHandler) ServeRun(w http.ResponseWriter, r *http.Request, runID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx := r.Context()
	rec, err := h.registry.Get(ctx, runID)
	if err != nil || rec == nil {
		_ = conn.WriteJSON(SubscriberMessage{Kind: KindTerminal, Terminal: &Terminal{Status: "NotFound"}})
		return
	}

	backlog, err := h.registry.ListLogs(ctx, runID, 0)
	if err != nil {
		h.log.WithError(err).Warn("failed to load persisted backlog for subscriber")
	}
	hwm := uint64(0)
	if len(backlog) > 0 {
		hwm = backlog[len(backlog)-1].Sequence + 1
	}

	if err := h.writeJSON(conn, SubscriberMessage{Kind: KindSnapshot, Snapshot: &Snapshot{Status: string(rec.Status), SequenceHWM: hwm}}); err != nil {
		return
	}
	for _, rec := range backlog {
		msg := SubscriberMessage{Kind: KindLogAppended, Log: &LogAppended{
			Sequence: rec.Sequence, Severity: rec.Severity, Source: rec.Source,
			Timestamp: rec.Timestamp, Message: rec.Message, Data: rec.Data,
		}}
		if err := h.writeJSON(conn, msg); err != nil {
			return
		}
	}

	if rec.Status.IsTerminal() {
		return
	}

	sub := h.bus.Subscribe(ctx, coordination.RunChannel(runID))
	defer sub.Close()

	for payload := range sub.C {
		var msg SubscriberMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			continue
		}
		if msg.Kind == KindLogAppended && msg.Log != nil && msg.Log.Sequence < hwm {
			continue // already delivered in the backlog
		}
		if err := h.writeJSON(conn, msg); err != nil {
			return
		}
		if msg.Kind == KindTerminal {
			return
		}
	}
}

func (h *SubscriptionHandler) writeJSON(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(v)
}

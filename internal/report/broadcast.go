package report

import (
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"kws-forge/internal/trainer"
)

// writeWait bounds each event write so a stalled client cannot hold up
// training.
const writeWait = time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Broadcaster pushes training events to connected dashboard clients via
// WebSocket.
type Broadcaster struct {
	logger    *slog.Logger
	writeWait time.Duration
	mu        sync.Mutex
	clients   map[*websocket.Conn]bool
}

func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		logger:    logger,
		writeWait: writeWait,
		clients:   make(map[*websocket.Conn]bool),
	}
}

// HandleWS is the WebSocket upgrade handler for /ws.
func (b *Broadcaster) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("websocket upgrade failed", "err", err)
		return
	}

	b.mu.Lock()
	b.clients[conn] = true
	n := len(b.clients)
	b.mu.Unlock()
	b.logger.Info("dashboard client connected", "clients", n)

	// read until the client goes away
	go func() {
		defer b.drop(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Clients reports the number of connected clients.
func (b *Broadcaster) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Report sends ev to every client and drops clients whose write fails or
// exceeds the write deadline. It satisfies trainer.Reporter.
func (b *Broadcaster) Report(ev trainer.Event) {
	data, err := json.Marshal(newWireEvent(ev))
	if err != nil {
		b.logger.Warn("encode event", "err", err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	deadline := time.Now().Add(b.writeWait)
	for conn := range b.clients {
		if err := conn.SetWriteDeadline(deadline); err != nil {
			conn.Close()
			delete(b.clients, conn)
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			b.logger.Warn("dropping dashboard client", "err", err)
			conn.Close()
			delete(b.clients, conn)
		}
	}
}

// Close disconnects every client.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for conn := range b.clients {
		conn.Close()
		delete(b.clients, conn)
	}
}

func (b *Broadcaster) drop(conn *websocket.Conn) {
	b.mu.Lock()
	_, ok := b.clients[conn]
	delete(b.clients, conn)
	n := len(b.clients)
	b.mu.Unlock()
	conn.Close()
	if ok {
		b.logger.Info("dashboard client disconnected", "clients", n)
	}
}

// wireEvent is the JSON payload pushed to the dashboard. Non-finite
// numbers are sent as null since JSON cannot carry them.
type wireEvent struct {
	Phase     string   `json:"phase"`
	Epoch     int      `json:"epoch"`
	Batch     int      `json:"batch"`
	Step      int64    `json:"step"`
	Utts      int      `json:"utts"`
	Loss      *float64 `json:"loss"`
	Acc       *float64 `json:"acc"`
	GradNorm  *float64 `json:"grad_norm,omitempty"`
	Skipped   bool     `json:"skipped_step,omitempty"`
	DataMS    float64  `json:"data_ms"`
	ComputeMS float64  `json:"compute_ms"`
}

func newWireEvent(ev trainer.Event) wireEvent {
	w := wireEvent{
		Phase:     ev.Phase,
		Epoch:     ev.Epoch,
		Batch:     ev.Batch,
		Step:      ev.Step,
		Utts:      ev.Utts,
		Loss:      finite(ev.Loss),
		Acc:       finite(ev.Acc),
		Skipped:   ev.SkippedStep,
		DataMS:    ev.DataTime.Seconds() * 1000,
		ComputeMS: ev.ComputeTime.Seconds() * 1000,
	}
	if ev.Phase == trainer.PhaseTrain {
		w.GradNorm = finite(ev.GradNorm)
	}
	return w
}

func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/rlm/internal/ratelimit"
	"github.com/jkaninda/rlm/internal/rlm"
)

const (
	streamSubprotocol = "rlm-stream-v1"
	requestWait       = 30 * time.Second
	writeTimeout      = 10 * time.Second
)

// StreamMessage is one server-to-client message on /v1/runs/stream.
type StreamMessage struct {
	Type   string     `json:"type"` // "event", "result" or "error"
	Event  *rlm.Event `json:"event,omitempty"`
	Answer string     `json:"answer,omitempty"`
	RunID  string     `json:"run_id,omitempty"`
	Stats  *rlm.Stats `json:"stats,omitempty"`
	Error  string     `json:"error,omitempty"`
	Status string     `json:"status,omitempty"`
}

// handleStream upgrades to a WebSocket. The first client message is a
// CompleteRequest; the server streams run events (including delegated
// sub-runs) and closes after a final result or error message. Closing the
// socket from the client side cancels the run.
func (g *Gateway) handleStream(w http.ResponseWriter, r *http.Request) {
	if err := g.limiter.Allow(ratelimit.ClientKey(r)); err != nil {
		g.rateLimited()
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{streamSubprotocol},
	})
	if err != nil {
		g.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(g.config.MaxRequestSize)

	ctx := r.Context()
	req, err := readRequest(ctx, conn)
	if err != nil {
		g.writeMessage(ctx, conn, StreamMessage{Type: "error", Error: err.Error()})
		conn.Close(websocket.StatusPolicyViolation, "invalid request")
		return
	}

	// No further client messages are expected; a client close cancels the run.
	ctx = conn.CloseRead(ctx)

	sink := rlm.EventFunc(func(ctx context.Context, ev rlm.Event) {
		g.writeMessage(ctx, conn, StreamMessage{Type: "event", Event: &ev})
	})
	orch, err := g.runner(rlm.WithEventSink(sink))
	if err != nil {
		g.logger.Error("building orchestrator failed", slog.String("error", err.Error()))
		g.writeMessage(ctx, conn, StreamMessage{Type: "error", Error: "run setup failed"})
		conn.Close(websocket.StatusInternalError, "run setup failed")
		return
	}

	pending := orch.Start(ctx, req.Query, req.Context, req.overrides())
	answer, err := pending.Wait(ctx)
	if err != nil {
		g.writeMessage(ctx, conn, StreamMessage{
			Type:   "error",
			RunID:  pending.RunID(),
			Error:  err.Error(),
			Status: rlm.Status(err),
		})
		conn.Close(websocket.StatusNormalClosure, "run failed")
		return
	}

	stats := orch.Stats()
	g.writeMessage(ctx, conn, StreamMessage{
		Type:   "result",
		RunID:  pending.RunID(),
		Answer: answer,
		Stats:  &stats,
	})
	conn.Close(websocket.StatusNormalClosure, "run finished")
}

func readRequest(ctx context.Context, conn *websocket.Conn) (*CompleteRequest, error) {
	readCtx, cancel := context.WithTimeout(ctx, requestWait)
	defer cancel()

	typ, data, err := conn.Read(readCtx)
	if err != nil {
		return nil, fmt.Errorf("reading request: %w", err)
	}
	if typ != websocket.MessageText {
		return nil, errors.New("request must be a text message")
	}

	var req CompleteRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("parsing request: %w", err)
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

// writeMessage sends msg. Events from nested runs may arrive from several
// goroutines; websocket.Conn.Write is safe for concurrent use.
func (g *Gateway) writeMessage(ctx context.Context, conn *websocket.Conn, msg StreamMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		g.logger.Debug("stream write failed", slog.String("error", err.Error()))
	}
}

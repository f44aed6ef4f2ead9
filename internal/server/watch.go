package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/limiquantix/orchestrator/internal/domain"
	"github.com/limiquantix/orchestrator/internal/repository/redis"
)

const watchWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origins are enforced by the CORS layer for browser clients.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// watchMessage is pushed to watchers whenever an operation changes.
type watchMessage struct {
	Kind      string `json:"kind"` // "drain" or "provisioning"
	Operation any    `json:"operation"`
	Terminal  bool   `json:"terminal"`
}

// snapshotFunc returns the current operation snapshot, its registry version
// and whether it reached a terminal state.
type snapshotFunc func(ctx context.Context) (any, uint64, bool, bool)

// lookupOperation finds id in the drain or provisioning registry.
func (s *Server) lookupOperation(ctx context.Context, id string) (string, snapshotFunc, bool) {
	if _, ok := s.drainOps.Get(ctx, id); ok {
		return "drain", func(ctx context.Context) (any, uint64, bool, bool) {
			op, ok := s.drainOps.Get(ctx, id)
			if !ok {
				return nil, 0, false, false
			}
			return op, s.drainOps.Version(id), op.Status.IsTerminal(), true
		}, true
	}
	if _, ok := s.clusterOps.Get(ctx, id); ok {
		return "provisioning", func(ctx context.Context) (any, uint64, bool, bool) {
			state, ok := s.clusterOps.Get(ctx, id)
			if !ok {
				return nil, 0, false, false
			}
			return state, s.clusterOps.Version(id), state.Status.IsTerminal(), true
		}, true
	}
	return "", nil, false
}

// watchOperation handles GET /api/v1/operations/{id}/watch. It pushes the
// operation snapshot on every change and closes once the operation is terminal.
func (s *Server) watchOperation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	kind, snapshot, ok := s.lookupOperation(r.Context(), id)
	if !ok {
		s.writeError(w, r, domain.NotFoundf("operation %s not found", id))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade WebSocket", zap.Error(err))
		return
	}
	defer conn.Close()
	// The server read timeout must not end long-lived watches.
	_ = conn.SetReadDeadline(time.Time{})

	logger := s.logger.With(zap.String("operation_id", id), zap.String("kind", kind))
	logger.Debug("Operation watcher connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Drain client frames so close and ping control messages are processed.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	updates := s.operationUpdates(ctx, id)
	ticker := time.NewTicker(s.watchInterval)
	defer ticker.Stop()

	var (
		lastVersion uint64
		lastPayload []byte
	)
	for {
		op, version, terminal, found := snapshot(ctx)
		if !found {
			s.closeWatch(conn, websocket.CloseGoingAway, "operation expired")
			return
		}

		if version == 0 || version != lastVersion {
			payload, err := json.Marshal(watchMessage{Kind: kind, Operation: op, Terminal: terminal})
			if err != nil {
				logger.Error("Failed to marshal operation snapshot", zap.Error(err))
				return
			}
			if !bytes.Equal(payload, lastPayload) {
				_ = conn.SetWriteDeadline(time.Now().Add(watchWriteTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
					logger.Debug("Operation watcher write failed", zap.Error(err))
					return
				}
				lastPayload = payload
			}
			lastVersion = version
		}

		if terminal {
			s.closeWatch(conn, websocket.CloseNormalClosure, "operation finished")
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-updates:
		}
	}
}

// operationUpdates signals whenever an update event for id is published.
// It returns nil when no event source is configured.
func (s *Server) operationUpdates(ctx context.Context, id string) <-chan struct{} {
	if s.events == nil {
		return nil
	}
	events := s.events.Subscribe(ctx, redis.OperationsChannel)
	updates := make(chan struct{}, 1)
	go func() {
		for event := range events {
			if event.ResourceID != id {
				continue
			}
			select {
			case updates <- struct{}{}:
			default:
			}
		}
	}()
	return updates
}

func (s *Server) closeWatch(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

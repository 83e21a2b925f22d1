package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alanyang/agent-coordinator/internal/domain/event"
	porteventbus "github.com/alanyang/agent-coordinator/internal/port/eventbus"
	portnotifier "github.com/alanyang/agent-coordinator/internal/port/notifier"
)

var _ portnotifier.WorkerNotifier = (*SessionRegistry)(nil)

const notificationMethod = "notifications/message"

// sender is the part of the mcp-go server used to push notifications.
type sender interface {
	SendNotificationToSpecificClient(sessionID string, method string, params map[string]any) error
}

// SessionRegistry maps MCP sessions to worker ids and pushes feed events to
// the worker they concern.
//
// [SRP] Session storage and notification dispatch only.
// [DIP] Reads the feed through porteventbus.Feed, never the coordinator.
type SessionRegistry struct {
	mu         sync.RWMutex
	bySessions map[string]string // sessionID → workerID
	byWorker   map[string]string // workerID → sessionID

	// srv is set after the MCP server is constructed.
	srvMu sync.RWMutex
	srv   sender
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		bySessions: make(map[string]string),
		byWorker:   make(map[string]string),
	}
}

func (r *SessionRegistry) SetSender(s sender) {
	r.srvMu.Lock()
	r.srv = s
	r.srvMu.Unlock()
}

// Register binds a session to a worker. A worker reconnecting on a new
// session replaces its old one.
func (r *SessionRegistry) Register(sessionID, workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.byWorker[workerID]; ok {
		delete(r.bySessions, old)
	}
	if prev, ok := r.bySessions[sessionID]; ok {
		delete(r.byWorker, prev)
	}
	r.bySessions[sessionID] = workerID
	r.byWorker[workerID] = sessionID
}

// Unregister removes a session when it closes and returns the worker it served.
func (r *SessionRegistry) Unregister(sessionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	workerID, ok := r.bySessions[sessionID]
	if !ok {
		return "", false
	}
	delete(r.bySessions, sessionID)
	delete(r.byWorker, workerID)
	return workerID, true
}

func (r *SessionRegistry) IsConnected(workerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byWorker[workerID]
	return ok
}

// NotifyWorker sends payload to the worker's session. A worker without a
// session is a no-op.
func (r *SessionRegistry) NotifyWorker(_ context.Context, workerID string, payload any) error {
	r.mu.RLock()
	sessionID, ok := r.byWorker[workerID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	r.srvMu.RLock()
	srv := r.srv
	r.srvMu.RUnlock()
	if srv == nil {
		return fmt.Errorf("mcp server not initialized")
	}

	params, err := toParams(payload)
	if err != nil {
		return fmt.Errorf("serialize notification: %w", err)
	}
	return srv.SendNotificationToSpecificClient(sessionID, notificationMethod, params)
}

// Forward pushes assignment and cancel-request events to the bound worker
// until ctx is done. Only events published after the call are forwarded;
// a reconnecting worker catches up through the worker_tasks tool.
func (r *SessionRegistry) Forward(ctx context.Context, feed porteventbus.Feed) error {
	return forward(ctx, feed, r)
}

func forward(ctx context.Context, feed porteventbus.Feed, n portnotifier.WorkerNotifier) error {
	sub, err := feed.Subscribe(ctx, feed.LastSequence()+1)
	if err != nil {
		return fmt.Errorf("subscribe to feed: %w", err)
	}
	defer sub.Close()

	for {
		e, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, porteventbus.ErrClosed) || ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if e.Type != event.TypeTaskAssigned && e.Type != event.TypeTaskCancelRequested {
			continue
		}

		var p event.TaskPayload
		if err := e.Decode(&p); err != nil || p.WorkerID == "" {
			continue
		}
		if err := n.NotifyWorker(ctx, p.WorkerID, e); err != nil {
			slog.WarnContext(ctx, "mcp: notify worker failed", "worker_id", p.WorkerID, "type", e.Type, "error", err)
		}
	}
}

func toParams(payload any) (map[string]any, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var params map[string]any
	if err := json.Unmarshal(data, &params); err != nil {
		return map[string]any{"data": payload}, nil
	}
	return params, nil
}

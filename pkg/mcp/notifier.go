package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"
	"github.com/skeinhq/skein/internal/streaming"
)

// RunNotifier forwards run lifecycle events from the stream hub to the MCP
// session watching each run. Delivery is best-effort: events for runs with no
// watcher, or whose watcher disconnected, are dropped.
type RunNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
	hub       streaming.EventHub
	logger    *slog.Logger
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewRunNotifier creates a notifier that pushes stream events over MCP.
func NewRunNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry, hub streaming.EventHub, logger *slog.Logger) *RunNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunNotifier{
		mcpServer: mcpServer,
		sessions:  sessions,
		hub:       hub,
		logger:    logger,
	}
}

// Start subscribes to the hub and forwards events until ctx is cancelled or
// Stop is called.
func (n *RunNotifier) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	events, unsubscribe, err := n.hub.Subscribe(ctx, streaming.EventFilter{})
	if err != nil {
		cancel()
		return err
	}

	n.cancel = cancel
	n.done = make(chan struct{})

	go func() {
		defer close(n.done)
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-events:
				if !ok {
					return
				}
				n.forward(event)
			}
		}
	}()
	return nil
}

// Stop shuts down the forwarding loop.
func (n *RunNotifier) Stop() {
	if n.cancel == nil {
		return
	}
	n.cancel()
	<-n.done
}

func (n *RunNotifier) forward(event streaming.StreamEvent) {
	sessionID, ok := n.sessions.SessionFor(event.RunID)
	if !ok {
		return
	}

	payload := map[string]any{
		"run_id":     event.RunID,
		"event_type": event.EventType,
		"sequence":   event.Sequence,
	}
	if event.NodeID != "" {
		payload["node_id"] = event.NodeID
	}
	if event.Payload != nil {
		payload["payload"] = event.Payload
	}

	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send.
		n.sessions.Remove(sessionID)
		return
	}
	if err != nil {
		n.logger.Warn("push notification failed",
			"run_id", event.RunID, "session_id", sessionID, "error", err)
	}
}

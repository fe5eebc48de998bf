package router

import (
	"context"
	"strings"
)

// AgentFunc adapts a plain function to the Agent interface.
type AgentFunc func(ctx context.Context, msg QueuedMessage) (string, error)

func (f AgentFunc) Respond(ctx context.Context, msg QueuedMessage) (string, error) {
	return f(ctx, msg)
}

// EchoAgent is the default collaborator when no real agent is configured:
// it mirrors the payload back, which keeps the full routing / scheduling /
// delivery path exercisable end to end.
type EchoAgent struct{}

func (EchoAgent) Respond(_ context.Context, msg QueuedMessage) (string, error) {
	return "echo: " + strings.TrimSpace(msg.Payload), nil
}

package router

import (
	"context"
	"time"

	"botflow/internal/scheduler"
)

// QueuedMessage is an inbound channel payload tagged with enough addressing
// to route the eventual reply. Ordering is (priority, created_at): within
// equal priority, FIFO by arrival.
type QueuedMessage struct {
	ID         string              `json:"id"`
	Priority   scheduler.Priority  `json:"priority"`
	Payload    string              `json:"payload"`
	ChannelID  string              `json:"channel_id"`
	ReplyToken string              `json:"reply_token"`
	SessionID  string              `json:"session_id"`
	CreatedAt  time.Time           `json:"created_at"`
}

// Reply is the produced response addressed back to the originating channel.
type Reply struct {
	MessageID  string `json:"message_id"`
	ChannelID  string `json:"channel_id"`
	ReplyToken string `json:"reply_token"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error"`
}

// Channel is the capability interface every transport implements. Concrete
// transports (console, websocket) register by name; the router depends only
// on this interface. Framing, auth and connection lifecycle are the
// transport's own concern.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Deliver(ctx context.Context, reply Reply) error
}

// Agent is the external language-model collaborator: an opaque async
// operation producing a text result or a failure.
type Agent interface {
	Respond(ctx context.Context, msg QueuedMessage) (string, error)
}

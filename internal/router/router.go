// Package router maps inbound channel messages to scheduled tasks and
// routes produced replies back to the originating channel handle.
package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"botflow/internal/errs"
	"botflow/internal/history"
	"botflow/internal/logging"
	"botflow/internal/scheduler"
	"botflow/internal/session"
)

// Router converts channel payloads into queued messages, submits them to
// the shared scheduler, and forwards replies to the channel they came from.
// A message observed on channel A is never delivered as a reply to channel B.
type Router struct {
	sched    *scheduler.Scheduler
	agent    Agent
	store    *history.Store
	sessions *session.Manager
	logger   logging.Logger

	mu       sync.RWMutex
	channels map[string]Channel
}

// New creates a router over the shared scheduler. store and sessions are
// optional; a nil store disables history persistence.
func New(sched *scheduler.Scheduler, agent Agent, store *history.Store, sessions *session.Manager, logger logging.Logger) *Router {
	return &Router{
		sched:    sched,
		agent:    agent,
		store:    store,
		sessions: sessions,
		logger:   logging.OrNop(logger),
		channels: make(map[string]Channel),
	}
}

// Register adds a channel under its name. Later registrations replace
// earlier ones with the same name.
func (r *Router) Register(ch Channel) {
	r.mu.Lock()
	r.channels[ch.Name()] = ch
	r.mu.Unlock()
	r.logger.Info("registered channel %q", ch.Name())
}

// Channels returns the names of all registered channels.
func (r *Router) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	return names
}

// StartAll starts every registered channel concurrently and fails if any
// of them fails to come up.
func (r *Router) StartAll(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	// The channels keep ctx for their own lifetime, so the group context
	// (cancelled once Wait returns) is deliberately not used here.
	var g errgroup.Group
	for name, ch := range r.channels {
		name, ch := name, ch
		g.Go(func() error {
			if err := ch.Start(ctx); err != nil {
				return fmt.Errorf("start channel %q: %w", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// StopAll stops every registered channel.
func (r *Router) StopAll(ctx context.Context) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, ch := range r.channels {
		if err := ch.Stop(ctx); err != nil {
			r.logger.Warn("stop channel %q: %v", name, err)
		}
	}
}

// OnReceive is called by transports when new input arrives. It tags the
// payload with the channel identity and reply token, persists it, and
// submits a processing task to the scheduler. Returns CapacityExceeded when
// the scheduler backlog is full.
func (r *Router) OnReceive(ctx context.Context, payload, channelID, replyToken string) error {
	return r.OnReceiveWithPriority(ctx, payload, channelID, replyToken, scheduler.PriorityNormal)
}

// OnReceiveWithPriority is OnReceive with an explicit priority tag.
func (r *Router) OnReceiveWithPriority(ctx context.Context, payload, channelID, replyToken string, priority scheduler.Priority) error {
	msg := QueuedMessage{
		ID:         uuid.NewString(),
		Priority:   priority,
		Payload:    payload,
		ChannelID:  channelID,
		ReplyToken: replyToken,
		CreatedAt:  time.Now().UTC(),
	}

	if r.sessions != nil {
		sess := r.sessions.GetOrCreate(channelID + "/" + replyToken)
		msg.SessionID = sess.ID
	}

	if r.store != nil {
		if err := r.store.SaveMessage(ctx, history.Message{
			ID:        msg.ID,
			ChannelID: channelID,
			Content:   payload,
			Role:      "user",
			CreatedAt: msg.CreatedAt,
		}); err != nil {
			r.logger.Warn("failed to persist inbound message: %v", err)
		}
	}

	task := &scheduler.Task{
		ID:        msg.ID,
		Name:      fmt.Sprintf("process_msg_%s", channelID),
		Priority:  priority,
		Action:    r.processAction(msg),
		OnFailure: r.failureHandler(msg),
		CreatedAt: msg.CreatedAt,
	}

	if err := r.sched.Submit(task); err != nil {
		r.logger.Warn("submit for channel %q failed: %v", channelID, err)
		return err
	}
	return nil
}

// processAction builds the scheduled unit of work for one message: invoke
// the agent, then deliver the reply to the originating channel.
func (r *Router) processAction(msg QueuedMessage) scheduler.Action {
	return func(ctx context.Context) error {
		started := time.Now()

		content, err := r.agent.Respond(ctx, msg)
		if err != nil {
			return err
		}

		processTime := int(time.Since(started).Milliseconds())

		if r.store != nil {
			if saveErr := r.store.SaveMessage(ctx, history.Message{
				ID:            uuid.NewString(),
				ChannelID:     msg.ChannelID,
				Content:       content,
				Role:          "bot",
				ProcessTimeMs: processTime,
				CreatedAt:     time.Now().UTC(),
			}); saveErr != nil {
				r.logger.Warn("failed to persist reply: %v", saveErr)
			}
		}

		reply := Reply{
			MessageID:  msg.ID,
			ChannelID:  msg.ChannelID,
			ReplyToken: msg.ReplyToken,
			Content:    content,
		}
		if err := r.deliver(ctx, reply); err != nil {
			return err
		}

		r.logger.Info("processed message %s on %q in %dms", msg.ID, msg.ChannelID, processTime)
		return nil
	}
}

// failureHandler surfaces a final failure as a reply on the originating
// channel. The reply describes the failure kind, never an internal trace.
func (r *Router) failureHandler(msg QueuedMessage) func(error) {
	return func(err error) {
		reply := Reply{
			MessageID:  msg.ID,
			ChannelID:  msg.ChannelID,
			ReplyToken: msg.ReplyToken,
			Content:    errs.UserMessage(err),
			IsError:    true,
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if deliverErr := r.deliver(ctx, reply); deliverErr != nil {
			r.logger.Error("failed to deliver failure reply for %s: %v", msg.ID, deliverErr)
		}
	}
}

// deliver forwards a reply to the channel it is addressed to. A reply for a
// channel that no longer exists is a reportable error, not a silent drop.
func (r *Router) deliver(ctx context.Context, reply Reply) error {
	r.mu.RLock()
	ch, ok := r.channels[reply.ChannelID]
	r.mu.RUnlock()

	if !ok {
		return errs.New(errs.KindUnknownChannel,
			fmt.Sprintf("reply for message %s addressed to unknown channel %q", reply.MessageID, reply.ChannelID), nil)
	}
	return ch.Deliver(ctx, reply)
}

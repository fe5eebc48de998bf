// Package console implements a terminal transport: lines read from stdin
// become inbound messages, replies print to stdout.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"

	"botflow/internal/async"
	"botflow/internal/logging"
	"botflow/internal/router"
)

const channelName = "console"

var (
	promptColor = color.New(color.FgCyan).SprintFunc()
	botColor    = color.New(color.FgGreen).SprintFunc()
	errColor    = color.New(color.FgRed).SprintFunc()
)

// Receiver is the router-side entry point for inbound payloads.
type Receiver interface {
	OnReceive(ctx context.Context, payload, channelID, replyToken string) error
}

// Channel reads lines from in and prints replies to out.
type Channel struct {
	receiver Receiver
	in       io.Reader
	out      io.Writer
	logger   logging.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
}

// New creates a console channel bound to stdin/stdout.
func New(receiver Receiver, logger logging.Logger) *Channel {
	return &Channel{
		receiver: receiver,
		in:       os.Stdin,
		out:      os.Stdout,
		logger:   logging.OrNop(logger),
	}
}

func (c *Channel) Name() string { return channelName }

// Start launches the stdin read loop.
func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}
	c.started = true

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	async.Go(c.logger, "console-read-loop", func() {
		c.readLoop(loopCtx)
	})

	fmt.Fprintln(c.out, promptColor("console channel ready - type a message"))
	return nil
}

// Stop halts the read loop. A blocked stdin read ends on process exit.
func (c *Channel) Stop(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
	c.started = false
	return nil
}

func (c *Channel) readLoop(ctx context.Context) {
	scanner := bufio.NewScanner(c.in)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if err := c.receiver.OnReceive(ctx, line, channelName, ""); err != nil {
			fmt.Fprintln(c.out, errColor("message not accepted: "+err.Error()))
		}
	}
	if err := scanner.Err(); err != nil {
		c.logger.Warn("console read loop ended: %v", err)
	}
}

// Deliver prints a reply to stdout.
func (c *Channel) Deliver(_ context.Context, reply router.Reply) error {
	if reply.IsError {
		_, err := fmt.Fprintln(c.out, errColor("bot: "+reply.Content))
		return err
	}
	_, err := fmt.Fprintln(c.out, botColor("bot: ")+reply.Content)
	return err
}

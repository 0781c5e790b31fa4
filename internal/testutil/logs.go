package testutil

import (
	"context"
	"log/slog"
	"slices"
	"sync"
)

// LogCapture is a slog.Handler that keeps the messages of every record it receives.
// It's safe for concurrent use, so background goroutines can log while a test inspects it.
type LogCapture struct {
	lock     sync.Mutex
	messages []string
}

// Logger returns a logger writing to the capture.
func (c *LogCapture) Logger() *slog.Logger {
	return slog.New(c)
}

// Messages returns a copy of the captured messages, in the order they were logged.
func (c *LogCapture) Messages() []string {
	c.lock.Lock()
	defer c.lock.Unlock()
	return slices.Clone(c.messages)
}

// HasMessage returns true if msg was logged at least once.
func (c *LogCapture) HasMessage(msg string) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return slices.Contains(c.messages, msg)
}

func (c *LogCapture) Enabled(context.Context, slog.Level) bool {
	return true
}

func (c *LogCapture) Handle(_ context.Context, r slog.Record) error {
	c.lock.Lock()
	c.messages = append(c.messages, r.Message)
	c.lock.Unlock()
	return nil
}

// Attributes and groups are dropped: only messages are kept.
func (c *LogCapture) WithAttrs([]slog.Attr) slog.Handler {
	return c
}

func (c *LogCapture) WithGroup(string) slog.Handler {
	return c
}

package delivery

import (
	"context"

	logx "tend/pkg/logx"
)

// Console writes each message to the log. It never fails.
type Console struct {
	log logx.Logger
}

func NewConsole(log logx.Logger) *Console {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Console{log: log}
}

func (c *Console) Name() string { return "console" }

func (c *Console) Send(_ context.Context, m Message) error {
	fields := []logx.Field{
		logx.Int64("id", m.ID),
		logx.String("title", m.Title),
		logx.String("message", m.Body),
		logx.Time("scheduled_at", m.At),
	}
	if m.Urgent {
		c.log.Warn("URGENT reminder", fields...)
		return nil
	}
	c.log.Info("reminder", fields...)
	return nil
}

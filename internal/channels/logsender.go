package channels

import (
	"context"

	"assistd/internal/notifier"
	"assistd/pkg/logx"
)

// LogSender writes deliveries to the log. It stands in for sms and voice.
type LogSender struct {
	log logx.Logger
}

func NewLogSender(log logx.Logger) LogSender {
	if log.IsZero() {
		log = logx.Nop()
	}
	return LogSender{log: log}
}

func (s LogSender) Send(_ context.Context, d notifier.Delivery) error {
	s.log.Info("delivery",
		logx.String("id", d.ID),
		logx.String("channel", d.Channel),
		logx.String("priority", d.Priority),
		logx.String("recipient", d.Recipient),
		logx.String("text", d.Text()),
	)
	return nil
}

package audit

import (
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	amqp "github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/webitel/tpm-broker/config"
)

// NewPubSub builds the watermill Publisher/Subscriber pair backing the
// audit dispatcher and the admin /events long-poll feed. "channel" (the
// default) keeps everything in-process via a single gochannel.GoChannel,
// which implements both interfaces over the same in-memory topic;
// "amqp" fans events out to a real message broker for operators who
// want a durable audit trail.
func NewPubSub(log *slog.Logger, cfg *config.Config) (message.Publisher, message.Subscriber, error) {
	switch cfg.Audit.Backend {
	case "amqp":
		amqpConfig := amqp.NewDurablePubSubConfig(cfg.Audit.AMQPURI, nil)
		pub, err := amqp.NewPublisher(amqpConfig, watermillLogger{log})
		if err != nil {
			return nil, nil, err
		}
		sub, err := amqp.NewSubscriber(amqpConfig, watermillLogger{log})
		if err != nil {
			return nil, nil, err
		}
		return pub, sub, nil
	default:
		gc := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, watermillLogger{log})
		return gc, gc, nil
	}
}

// watermillLogger adapts *slog.Logger to watermill.LoggerAdapter.
type watermillLogger struct{ log *slog.Logger }

func (l watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	l.log.Error(msg, append(fieldsToArgs(fields), "error", err)...)
}

func (l watermillLogger) Info(msg string, fields watermill.LogFields) {
	l.log.Info(msg, fieldsToArgs(fields)...)
}

func (l watermillLogger) Debug(msg string, fields watermill.LogFields) {
	l.log.Debug(msg, fieldsToArgs(fields)...)
}

func (l watermillLogger) Trace(msg string, fields watermill.LogFields) {
	l.log.Debug(msg, fieldsToArgs(fields)...)
}

func (l watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return watermillLogger{log: l.log.With(fieldsToArgs(fields)...)}
}

func fieldsToArgs(fields watermill.LogFields) []any {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return args
}

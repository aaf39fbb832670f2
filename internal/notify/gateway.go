package notify

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
)

const (
	TransportLog    = "log"
	TransportTwilio = "twilio"
	TransportAMQP   = "amqp"
)

var (
	// ErrEmptyRecipient indicates a message without a destination.
	ErrEmptyRecipient = errors.New("notify: recipient required")
	// ErrEmptyBody indicates a message without content.
	ErrEmptyBody = errors.New("notify: body required")
	// ErrUnknownTransport indicates an unsupported gateway selection.
	ErrUnknownTransport = errors.New("notify: unknown transport")
)

// Gateway delivers one message to one recipient through an external transport.
type Gateway interface {
	Send(ctx context.Context, to, body string) error
}

// Message is a single outbound notification.
type Message struct {
	To   string
	Body string
	// Kind labels the batch for logs, e.g. "pack_open" or "pack_graded".
	Kind string
}

func (m Message) validate() error {
	if strings.TrimSpace(m.To) == "" {
		return ErrEmptyRecipient
	}
	if strings.TrimSpace(m.Body) == "" {
		return ErrEmptyBody
	}
	return nil
}

// LogGateway records messages in the log instead of sending them.
type LogGateway struct {
	logger *zap.Logger
}

// NewLogGateway constructs a LogGateway.
func NewLogGateway(logger *zap.Logger) *LogGateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogGateway{logger: logger}
}

func (g *LogGateway) Send(_ context.Context, to, body string) error {
	g.logger.Info("sms suppressed by log transport", zap.String("to", to), zap.Int("length", len(body)))
	return nil
}

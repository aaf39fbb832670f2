package notify

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

const defaultQueueName = "sms_outbound"

var errMissingAMQPURL = errors.New("notify: amqp url required")

type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

type queuedMessage struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

// AMQPGateway hands messages to an external sender service through a durable queue.
type AMQPGateway struct {
	mu      sync.Mutex
	channel publisher
	queue   string
	closers []func() error
}

// DialAMQPGateway connects to the broker and declares the outbound queue.
func DialAMQPGateway(url, queue string) (*AMQPGateway, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errMissingAMQPURL
	}
	if strings.TrimSpace(queue) == "" {
		queue = defaultQueueName
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if _, err := channel.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, err
	}
	return &AMQPGateway{
		channel: channel,
		queue:   queue,
		closers: []func() error{channel.Close, conn.Close},
	}, nil
}

func (g *AMQPGateway) Send(ctx context.Context, to, body string) error {
	payload, err := json.Marshal(queuedMessage{To: to, Body: body})
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.channel.PublishWithContext(ctx, "", g.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         payload,
	})
}

// Close releases the channel and connection.
func (g *AMQPGateway) Close() error {
	var errs []error
	for _, closer := range g.closers {
		if err := closer(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

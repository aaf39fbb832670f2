package notify

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultConcurrency = 4

var (
	errMissingGateway = errors.New("notify: gateway required")
	// ErrGatewayPanic marks a send whose gateway panicked.
	ErrGatewayPanic = errors.New("notify: gateway panicked")
)

// DispatcherConfig configures the bounded fan-out.
type DispatcherConfig struct {
	Gateway     Gateway
	Concurrency int
	Logger      *zap.Logger
}

// Dispatcher sends notifications through a gateway with at most Concurrency sends in flight.
type Dispatcher struct {
	gateway     Gateway
	concurrency int
	logger      *zap.Logger
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Gateway == nil {
		return nil, errMissingGateway
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{gateway: cfg.Gateway, concurrency: concurrency, logger: logger}, nil
}

// Delivery is the outcome of one message in a batch.
type Delivery struct {
	Message Message
	Err     error
}

// Report aggregates the deliveries of a batch in input order.
type Report struct {
	Deliveries []Delivery
	Sent       int
	Failed     int
}

// Send delivers one message. Failures are logged and returned; they never panic the caller.
func (d *Dispatcher) Send(ctx context.Context, message Message) error {
	if err := message.validate(); err != nil {
		d.logger.Warn("notification skipped", zap.String("kind", message.Kind), zap.Error(err))
		return err
	}
	if err := d.deliver(ctx, message); err != nil {
		d.logger.Warn("notification failed",
			zap.String("kind", message.Kind),
			zap.String("to", message.To),
			zap.Error(err))
		return err
	}
	return nil
}

// deliver converts a gateway panic into an error for this message only.
func (d *Dispatcher) deliver(ctx context.Context, message Message) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("%w: %v", ErrGatewayPanic, recovered)
		}
	}()
	return d.gateway.Send(ctx, message.To, message.Body)
}

// Dispatch fans messages out to the gateway. A failed send is recorded on its delivery and
// does not cancel the remaining sends.
func (d *Dispatcher) Dispatch(ctx context.Context, messages []Message) Report {
	deliveries := make([]Delivery, len(messages))
	var group errgroup.Group
	group.SetLimit(d.concurrency)
	for index, message := range messages {
		group.Go(func() error {
			deliveries[index] = Delivery{Message: message, Err: d.Send(ctx, message)}
			return nil
		})
	}
	_ = group.Wait()

	report := Report{Deliveries: deliveries}
	for _, delivery := range deliveries {
		if delivery.Err != nil {
			report.Failed++
			continue
		}
		report.Sent++
	}
	if len(messages) > 0 {
		d.logger.Info("notification batch dispatched",
			zap.Int("total", len(messages)),
			zap.Int("sent", report.Sent),
			zap.Int("failed", report.Failed))
	}
	return report
}

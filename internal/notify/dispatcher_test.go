package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingGateway struct {
	mu        sync.Mutex
	sent      []string
	failFor   map[string]error
	inFlight  atomic.Int32
	maxFlight atomic.Int32
	delay     time.Duration
}

func (g *countingGateway) Send(_ context.Context, to, body string) error {
	current := g.inFlight.Add(1)
	defer g.inFlight.Add(-1)
	for {
		observed := g.maxFlight.Load()
		if current <= observed || g.maxFlight.CompareAndSwap(observed, current) {
			break
		}
	}
	if g.delay > 0 {
		time.Sleep(g.delay)
	}
	if err := g.failFor[to]; err != nil {
		return err
	}
	g.mu.Lock()
	g.sent = append(g.sent, to+":"+body)
	g.mu.Unlock()
	return nil
}

func TestDispatchBoundsConcurrency(t *testing.T) {
	gateway := &countingGateway{delay: 20 * time.Millisecond}
	dispatcher, err := NewDispatcher(DispatcherConfig{Gateway: gateway, Concurrency: 3})
	require.NoError(t, err)

	messages := make([]Message, 0, 12)
	for index := 0; index < 12; index++ {
		messages = append(messages, Message{To: fmt.Sprintf("+1555000%02d", index), Body: "hello", Kind: "pack_open"})
	}

	report := dispatcher.Dispatch(context.Background(), messages)

	assert.Equal(t, 12, report.Sent)
	assert.Equal(t, 0, report.Failed)
	assert.LessOrEqual(t, gateway.maxFlight.Load(), int32(3))
	assert.Len(t, gateway.sent, 12)
}

func TestDispatchIsolatesFailures(t *testing.T) {
	errGateway := errors.New("carrier rejected")
	gateway := &countingGateway{failFor: map[string]error{"+2": errGateway}}
	dispatcher, err := NewDispatcher(DispatcherConfig{Gateway: gateway, Concurrency: 2})
	require.NoError(t, err)

	report := dispatcher.Dispatch(context.Background(), []Message{
		{To: "+1", Body: "a"},
		{To: "+2", Body: "b"},
		{To: "", Body: "c"},
		{To: "+4", Body: "d"},
	})

	require.Len(t, report.Deliveries, 4)
	assert.Equal(t, 2, report.Sent)
	assert.Equal(t, 2, report.Failed)
	assert.NoError(t, report.Deliveries[0].Err)
	assert.ErrorIs(t, report.Deliveries[1].Err, errGateway)
	assert.ErrorIs(t, report.Deliveries[2].Err, ErrEmptyRecipient)
	assert.NoError(t, report.Deliveries[3].Err)
	assert.Equal(t, "+4", report.Deliveries[3].Message.To)
}

type panickingGateway struct {
	panicFor string
	sent     atomic.Int32
}

func (g *panickingGateway) Send(_ context.Context, to, _ string) error {
	if to == g.panicFor {
		panic("nil transport client")
	}
	g.sent.Add(1)
	return nil
}

func TestDispatchRecoversGatewayPanic(t *testing.T) {
	gateway := &panickingGateway{panicFor: "+2"}
	dispatcher, err := NewDispatcher(DispatcherConfig{Gateway: gateway, Concurrency: 2})
	require.NoError(t, err)

	report := dispatcher.Dispatch(context.Background(), []Message{
		{To: "+1", Body: "a"},
		{To: "+2", Body: "b"},
		{To: "+3", Body: "c"},
	})

	assert.Equal(t, 2, report.Sent)
	assert.Equal(t, 1, report.Failed)
	assert.ErrorIs(t, report.Deliveries[1].Err, ErrGatewayPanic)
	assert.Contains(t, report.Deliveries[1].Err.Error(), "nil transport client")
	assert.Equal(t, int32(2), gateway.sent.Load())

	assert.ErrorIs(t, dispatcher.Send(context.Background(), Message{To: "+2", Body: "solo"}), ErrGatewayPanic)
}

func TestDispatchEmptyBatch(t *testing.T) {
	dispatcher, err := NewDispatcher(DispatcherConfig{Gateway: &countingGateway{}})
	require.NoError(t, err)

	report := dispatcher.Dispatch(context.Background(), nil)
	assert.Empty(t, report.Deliveries)
	assert.Zero(t, report.Sent)
}

func TestNewDispatcherRequiresGateway(t *testing.T) {
	_, err := NewDispatcher(DispatcherConfig{})
	assert.Error(t, err)
}

package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/warp/dispense-engine/events"
)

var at = time.Date(2025, time.March, 10, 9, 30, 0, 0, time.UTC)

func TestBus_DeliversToNamedAndWildcardSubscribers(t *testing.T) {
	bus := events.NewBus(zaptest.NewLogger(t), nil)
	var stock, all events.Recorder
	bus.Subscribe(events.NameStockUpdated, stock.Handle)
	bus.SubscribeAll(all.Handle)

	bus.Publish(context.Background(), events.New(events.StockUpdated{DrugID: "amox", OldQuantity: 10, NewQuantity: 6}, at))
	bus.Publish(context.Background(), events.New(events.LowStock{DrugID: "amox", Quantity: 2, Threshold: 5}, at))

	require.Len(t, stock.Events(), 1)
	assert.Equal(t, events.NameStockUpdated, stock.Events()[0].Name)
	assert.Len(t, all.Events(), 2)
}

func TestBus_SubscriberFailuresAreContained(t *testing.T) {
	// GIVEN: one subscriber that errors, one that panics, one healthy
	bus := events.NewBus(zaptest.NewLogger(t), nil)
	var healthy events.Recorder
	bus.Subscribe(events.NameLowStock, func(context.Context, events.Event) error {
		return errors.New("boom")
	})
	bus.Subscribe(events.NameLowStock, func(context.Context, events.Event) error {
		panic("subscriber exploded")
	})
	bus.Subscribe(events.NameLowStock, healthy.Handle)

	// WHEN: publishing
	// THEN: Publish does not panic and the healthy subscriber still runs
	assert.NotPanics(t, func() {
		bus.Publish(context.Background(), events.New(events.LowStock{DrugID: "amox"}, at))
	})
	assert.Len(t, healthy.Events(), 1)
}

type failingSink struct{ calls int }

func (s *failingSink) Send(context.Context, events.Event) error {
	s.calls++
	return errors.New("broker down")
}

func TestBus_SinkIsBestEffort(t *testing.T) {
	sink := &failingSink{}
	bus := events.NewBus(zaptest.NewLogger(t), sink)

	assert.NotPanics(t, func() {
		bus.Publish(context.Background(), events.New(events.StockUpdated{DrugID: "amox"}, at))
	})
	assert.Equal(t, 1, sink.calls, "sink called once, never retried")
}

func TestPayload_FieldNamesAreStable(t *testing.T) {
	raw, err := json.Marshal(events.DrugDispensed{
		PrescriptionID: "rx-1", LineID: "l-1", DrugID: "amox", ActorID: "ph-1", Quantity: 4, Timestamp: at,
	})
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"prescriptionId":"rx-1","lineId":"l-1","drugId":"amox","actorId":"ph-1","quantity":4,"timestamp":"2025-03-10T09:30:00Z"}`,
		string(raw))

	raw, err = json.Marshal(events.StockUpdated{DrugID: "amox", Location: "main", OldQuantity: 10, NewQuantity: 6, Timestamp: at})
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"drugId":"amox","location":"main","oldQuantity":10,"newQuantity":6,"timestamp":"2025-03-10T09:30:00Z"}`,
		string(raw))

	raw, err = json.Marshal(events.LowStock{DrugID: "amox", Location: "main", Quantity: 2, Threshold: 5, Timestamp: at})
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"drugId":"amox","location":"main","quantity":2,"threshold":5,"timestamp":"2025-03-10T09:30:00Z"}`,
		string(raw))
}

func TestEvent_EnvelopeDecodesToTypedPayload(t *testing.T) {
	in := events.New(events.LowStock{DrugID: "amox", Location: "main", Quantity: 2, Threshold: 5, Timestamp: at}, at)
	in.ID = "evt-1"

	raw, err := json.Marshal(in)
	require.NoError(t, err)

	var out events.Event
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, in, out)
}

func TestDecode_UnknownName(t *testing.T) {
	_, err := events.Decode("Nope", []byte(`{}`))
	assert.Error(t, err)
}

type captureWriter struct {
	msgs []kafka.Message
}

func (w *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *captureWriter) Close() error { return nil }

func TestKafkaSink_KeysByDrug(t *testing.T) {
	w := &captureWriter{}
	sink := events.NewKafkaSinkWithWriter(w)

	err := sink.Send(context.Background(), events.New(events.StockUpdated{DrugID: "amox", Location: "main", OldQuantity: 3, NewQuantity: 1}, at))
	require.NoError(t, err)

	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, "amox", string(msg.Key))
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, "StockUpdated", string(msg.Headers[0].Value))

	var ev events.Event
	require.NoError(t, json.Unmarshal(msg.Value, &ev))
	assert.Equal(t, events.StockUpdated{DrugID: "amox", Location: "main", OldQuantity: 3, NewQuantity: 1}, ev.Payload)
}

// stalledWriter never reaches a broker; it only returns when ctx ends.
type stalledWriter struct{}

func (stalledWriter) WriteMessages(ctx context.Context, _ ...kafka.Message) error {
	<-ctx.Done()
	return ctx.Err()
}

func (stalledWriter) Close() error { return nil }

func TestKafkaSink_UnreachableBrokerIsBounded(t *testing.T) {
	// GIVEN: A sink whose broker never answers
	// WHEN: Publishing through the bus
	// THEN: Publish returns once the send timeout expires and the error is only logged

	sink := events.NewKafkaSinkWithWriter(stalledWriter{})
	sink.SendTimeout = 20 * time.Millisecond

	err := sink.Send(context.Background(), events.New(events.LowStock{DrugID: "amox"}, at))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	bus := events.NewBus(zaptest.NewLogger(t), sink)
	done := make(chan struct{})
	go func() {
		bus.Publish(context.Background(), events.New(events.LowStock{DrugID: "amox"}, at))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on an unreachable broker")
	}
}

func TestKafkaSink_DefaultSendTimeout(t *testing.T) {
	assert.Equal(t, events.DefaultSendTimeout, events.NewKafkaSink("localhost:9092", "stock").SendTimeout)
}

package broker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"escrow-service/internal/models"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	keys   []string
	events []interface{}
}

func (w *recordingWriter) PublishEvent(ctx context.Context, key string, event interface{}) error {
	w.keys = append(w.keys, key)
	w.events = append(w.events, event)
	return nil
}

func TestPublishBookingEventKeysByBooking(t *testing.T) {
	w := &recordingWriter{}
	p := NewEventPublisher(w)

	err := p.PublishBookingEvent(context.Background(), &models.BookingEvent{BookingID: "b-1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"booking-b-1"}, w.keys)
}

func TestHandleMessageRoutesByType(t *testing.T) {
	h := NewEventHandler()

	var got *models.BookingEvent
	h.On(models.EventTypeStageApproved, func(ctx context.Context, e *models.BookingEvent) error {
		got = e
		return nil
	})

	payload, err := json.Marshal(models.BookingEvent{
		BaseEvent: models.BaseEvent{EventID: "e-1", EventType: models.EventTypeStageApproved, Timestamp: time.Now()},
		BookingID: "b-1",
		StageID:   "s-1",
	})
	require.NoError(t, err)

	require.NoError(t, h.HandleMessage(context.Background(), kafka.Message{Value: payload}))
	require.NotNil(t, got)
	assert.Equal(t, "s-1", got.StageID)
}

func TestHandleMessageSkipsUnknownAndPropagatesErrors(t *testing.T) {
	h := NewEventHandler()
	h.On(models.EventTypeStageApproved, func(ctx context.Context, e *models.BookingEvent) error {
		return errors.New("boom")
	})

	unknown, _ := json.Marshal(models.BookingEvent{BaseEvent: models.BaseEvent{EventType: models.EventTypeBookingCreated}})
	assert.NoError(t, h.HandleMessage(context.Background(), kafka.Message{Value: unknown}))

	approved, _ := json.Marshal(models.BookingEvent{BaseEvent: models.BaseEvent{EventType: models.EventTypeStageApproved}})
	assert.EqualError(t, h.HandleMessage(context.Background(), kafka.Message{Value: approved}), "boom")

	assert.ErrorIs(t, h.HandleMessage(context.Background(), kafka.Message{Value: []byte("{")}), ErrMalformedEvent)
}

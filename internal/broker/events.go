package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"escrow-service/internal/models"
	"escrow-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// ErrMalformedEvent marks a message that can never be decoded
var ErrMalformedEvent = errors.New("malformed booking event")

// EventWriter is the transport used by EventPublisher
type EventWriter interface {
	PublishEvent(ctx context.Context, key string, event interface{}) error
}

// EventPublisher handles publishing booking lifecycle events
type EventPublisher struct {
	writer EventWriter
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(writer EventWriter) *EventPublisher {
	return &EventPublisher{writer: writer}
}

// PublishBookingEvent publishes a booking event keyed by booking id
func (ep *EventPublisher) PublishBookingEvent(ctx context.Context, event *models.BookingEvent) error {
	key := fmt.Sprintf("booking-%s", event.BookingID)
	return ep.writer.PublishEvent(ctx, key, event)
}

// EventHandler routes incoming booking events by type
type EventHandler struct {
	handlers map[string]func(context.Context, *models.BookingEvent) error
	logger   *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{
		handlers: make(map[string]func(context.Context, *models.BookingEvent) error),
		logger:   util.GetLogger(),
	}
}

// On registers a handler for an event type
func (eh *EventHandler) On(eventType string, handler func(context.Context, *models.BookingEvent) error) {
	eh.handlers[eventType] = handler
}

// HandleMessage routes messages to the registered handler. Unknown types are skipped.
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var event models.BookingEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	handler, ok := eh.handlers[event.EventType]
	if !ok {
		eh.logger.Debug("Unhandled event type", zap.String("event_type", event.EventType))
		return nil
	}

	eh.logger.Debug("Handling event",
		zap.String("event_type", event.EventType),
		zap.String("event_id", event.EventID))
	return handler(ctx, &event)
}

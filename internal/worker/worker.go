package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"escrow-service/internal/apperr"
	"escrow-service/internal/broker"
	"escrow-service/internal/identity"
	"escrow-service/internal/models"
	"escrow-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// SystemActor is the identity recorded for automated releases
var SystemActor = identity.System("auto-release")

// StageReleaser is the escrow operation the worker drives
type StageReleaser interface {
	ReleaseStage(ctx context.Context, actor identity.Caller, stageID string) (*models.Stage, error)
}

// EventLog de-duplicates consumed events
type EventLog interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// MessageSource feeds messages to a handler until ctx is done
type MessageSource interface {
	StartConsuming(ctx context.Context, handler broker.MessageHandler) error
	Close() error
}

// AutoReleaser releases escrow for stages as soon as they are approved
type AutoReleaser struct {
	releaser StageReleaser
	events   EventLog
	logger   *zap.Logger
}

// NewAutoReleaser creates a new auto releaser
func NewAutoReleaser(releaser StageReleaser, events EventLog) *AutoReleaser {
	return &AutoReleaser{releaser: releaser, events: events, logger: util.GetLogger()}
}

// HandleStageApproved handles a STAGE_APPROVED event. Redelivered events are
// skipped; a stage that is no longer Approved is treated as already handled.
func (a *AutoReleaser) HandleStageApproved(ctx context.Context, event *models.BookingEvent) error {
	ctx, span := util.StartSpan(ctx, "AutoReleaser.HandleStageApproved")
	defer span.End()

	processed, err := a.events.IsEventProcessed(ctx, event.EventID)
	if err != nil {
		return fmt.Errorf("failed to check event processed: %w", err)
	}
	if processed {
		a.logger.Info("Event already processed", zap.String("event_id", event.EventID))
		return nil
	}

	a.logger.Info("Auto-releasing approved stage",
		zap.String("booking_id", event.BookingID),
		zap.String("stage_id", event.StageID))

	_, err = a.releaser.ReleaseStage(ctx, SystemActor, event.StageID)
	switch {
	case err == nil:
	case errors.Is(err, apperr.ErrInvalidState), errors.Is(err, apperr.ErrNotFound):
		a.logger.Info("Stage not releasable, skipping",
			zap.String("stage_id", event.StageID),
			zap.String("code", apperr.CodeOf(err)))
	case apperr.Retryable(err):
		// Unmarked; AutoReleaseWorker.Handle retries the same message.
		return fmt.Errorf("auto-release of stage %s: %w", event.StageID, err)
	default:
		a.logger.Error("Auto-release failed",
			zap.String("stage_id", event.StageID),
			zap.Error(err))
	}

	if err := a.events.MarkEventProcessed(ctx, event.EventID, event.EventType); err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	return nil
}

// AutoReleaseWorker consumes booking events and feeds STAGE_APPROVED to the releaser
type AutoReleaseWorker struct {
	source       MessageSource
	eventHandler *broker.EventHandler
	logger       *zap.Logger

	retryBackoff    time.Duration
	maxRetryBackoff time.Duration
}

// NewAutoReleaseWorker creates a new auto-release worker
func NewAutoReleaseWorker(source MessageSource, releaser *AutoReleaser) *AutoReleaseWorker {
	eventHandler := broker.NewEventHandler()
	eventHandler.On(models.EventTypeStageApproved, releaser.HandleStageApproved)

	return &AutoReleaseWorker{
		source:          source,
		eventHandler:    eventHandler,
		logger:          util.GetLogger(),
		retryBackoff:    200 * time.Millisecond,
		maxRetryBackoff: 30 * time.Second,
	}
}

// Start starts the worker
func (w *AutoReleaseWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting auto-release worker...")
	return w.source.StartConsuming(ctx, w.Handle)
}

// Handle processes one message. Failures are retried in place with capped
// exponential backoff until they succeed or ctx ends, so the consumer never
// moves past an unreleased approval. Malformed messages are dropped.
func (w *AutoReleaseWorker) Handle(ctx context.Context, msg kafka.Message) error {
	delay := w.retryBackoff
	for attempt := 1; ; attempt++ {
		err := w.eventHandler.HandleMessage(ctx, msg)
		if err == nil {
			return nil
		}
		if errors.Is(err, broker.ErrMalformedEvent) {
			w.logger.Error("Dropping malformed message",
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
			return nil
		}

		w.logger.Warn("Handling failed, retrying",
			zap.Int64("offset", msg.Offset),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if delay *= 2; delay > w.maxRetryBackoff {
			delay = w.maxRetryBackoff
		}
	}
}

// Stop stops the worker
func (w *AutoReleaseWorker) Stop() error {
	w.logger.Info("Stopping auto-release worker...")
	return w.source.Close()
}

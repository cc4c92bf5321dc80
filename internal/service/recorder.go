package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"escrow-service/internal/apperr"
	"escrow-service/internal/identity"
	"escrow-service/internal/models"
	"escrow-service/internal/store"
	"escrow-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Audited operation names
const (
	OpCreateBooking   = "CreateBooking"
	OpCancelBooking   = "CancelBooking"
	OpOpenDispute     = "OpenDispute"
	OpCreateStages    = "CreateStages"
	OpStartStage      = "StartStage"
	OpSubmitStage     = "SubmitStage"
	OpApproveStage    = "ApproveStage"
	OpRejectStage     = "RejectStage"
	OpReleaseStage    = "ReleaseStage"
	OpCompleteProject = "CompleteProject"
)

// EventPublisher publishes committed booking transitions
type EventPublisher interface {
	PublishBookingEvent(ctx context.Context, event *models.BookingEvent) error
}

type noopPublisher struct{}

func (noopPublisher) PublishBookingEvent(ctx context.Context, event *models.BookingEvent) error {
	return nil
}

// recorder is shared by the core services: it runs per-booking units of
// work, writes the audit trail and publishes events after commit.
type recorder struct {
	repo      store.Repository
	publisher EventPublisher
	logger    *zap.Logger
}

func newRecorder(repo store.Repository, publisher EventPublisher) *recorder {
	if publisher == nil {
		publisher = noopPublisher{}
	}
	return &recorder{repo: repo, publisher: publisher, logger: util.GetLogger()}
}

func successEntry(bookingID, stageID string, actor identity.Caller, op, detail string) *models.AuditEntry {
	return &models.AuditEntry{
		BookingID: bookingID,
		StageID:   stageID,
		ActorID:   actor.ID(),
		Operation: op,
		Outcome:   models.OutcomeSuccess,
		Detail:    detail,
	}
}

// reject counts a failed operation and marks the active span.
func (r *recorder) reject(ctx context.Context, op string, err error) {
	kind := apperr.KindOf(err)
	if kind == "" {
		kind = "internal"
	}
	util.OperationsRejectedTotal.WithLabelValues(op, string(kind)).Inc()
	util.RecordSpanError(ctx, apperr.CodeOf(err), err)
}

// failUnaudited handles a failure with no booking trail to append to. The
// log entry is its only record, so callers pass whatever identifies the
// request.
func (r *recorder) failUnaudited(ctx context.Context, actor identity.Caller, op string, err error, fields ...zap.Field) error {
	r.reject(ctx, op, err)
	r.logger.Warn("Operation rejected without audit trail", append([]zap.Field{
		zap.String("actor", actor.ID()),
		zap.String("operation", op),
		zap.String("code", apperr.CodeOf(err)),
		zap.Error(err),
	}, fields...)...)
	return err
}

// fail appends a failure entry for an operation on an existing booking and
// returns err unchanged.
func (r *recorder) fail(ctx context.Context, bookingID, stageID string, actor identity.Caller, op string, err error) error {
	if bookingID == "" || errors.Is(err, apperr.ErrNotFound) {
		return r.failUnaudited(ctx, actor, op, err, zap.String("booking_id", bookingID), zap.String("stage_id", stageID))
	}
	r.reject(ctx, op, err)

	entry := &models.AuditEntry{
		BookingID: bookingID,
		StageID:   stageID,
		ActorID:   actor.ID(),
		Operation: op,
		Outcome:   models.OutcomeFailure,
		ErrorCode: apperr.CodeOf(err),
		Detail:    err.Error(),
	}
	// The request context may already be done; the trail must still be written.
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if auditErr := r.repo.AppendAudit(auditCtx, entry); auditErr != nil {
		r.logger.Error("Failed to append audit entry",
			zap.String("booking_id", bookingID),
			zap.String("operation", op),
			zap.Error(auditErr))
	}

	r.logger.Info("Operation rejected",
		zap.String("booking_id", bookingID),
		zap.String("stage_id", stageID),
		zap.String("actor", actor.ID()),
		zap.String("operation", op),
		zap.String("code", apperr.CodeOf(err)))
	return err
}

// publish sends a booking event. Failures are logged only; the audit trail
// is the record of truth.
func (r *recorder) publish(ctx context.Context, eventType string, b *models.Booking, actor identity.Caller, st *models.Stage, reason string) {
	event := &models.BookingEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: eventType,
			Timestamp: time.Now().UTC(),
		},
		BookingID:     b.ID,
		ActorID:       actor.ID(),
		ClientID:      b.ClientID,
		FreelancerID:  b.FreelancerID,
		BookingStatus: b.Status,
		EscrowAmount:  b.EscrowAmount,
		Reason:        reason,
	}
	if st != nil {
		event.StageID = st.ID
		event.StageNumber = st.Number
		event.StageStatus = st.Status
		event.Amount = st.Amount
	}

	if err := r.publisher.PublishBookingEvent(ctx, event); err != nil {
		util.EventsPublishFailedTotal.Inc()
		r.logger.Error("Failed to publish booking event",
			zap.String("event_type", eventType),
			zap.String("booking_id", b.ID),
			zap.Error(err))
	}
}

// stageTx holds the locked state a stage operation works on
type stageTx struct {
	tx      store.BookingTx
	booking *models.Booking
	stage   *models.Stage
	stages  []models.Stage
}

// stageOp describes one stage transition
type stageOp struct {
	name      string
	action    models.StageAction
	authorize func(actor identity.Caller, b *models.Booking) error
	// apply runs once the stage holds its new status and before it is saved.
	// It may call collaborators and mutate the booking.
	apply  func(ctx context.Context, s *stageTx) error
	detail func(st *models.Stage) string
}

// runStage loads the stage, locks its booking and applies op atomically.
func (r *recorder) runStage(ctx context.Context, actor identity.Caller, stageID string, op stageOp) (*models.Stage, *models.Booking, error) {
	if actor.IsZero() {
		return nil, nil, apperr.Unauthorized("%s requires a caller identity", op.name)
	}

	current, err := r.repo.GetStage(ctx, stageID)
	if err != nil {
		return nil, nil, r.failUnaudited(ctx, actor, op.name, stageLoadError(err, stageID), zap.String("stage_id", stageID))
	}

	util.AnnotateBooking(ctx, current.BookingID)
	var (
		result  models.Stage
		booking models.Booking
	)
	err = r.repo.WithBookingTx(ctx, current.BookingID, func(tx store.BookingTx) error {
		b := tx.Booking()
		if err := op.authorize(actor, b); err != nil {
			return err
		}
		if b.Status != models.BookingInProgress {
			return apperr.InvalidState("", "booking "+string(b.Status), "booking "+string(models.BookingInProgress), op.name)
		}

		stages, err := tx.Stages(ctx)
		if err != nil {
			return fmt.Errorf("failed to load stages: %w", err)
		}
		st := findStage(stages, stageID)
		if st == nil {
			return apperr.NotFound(apperr.CodeStageNotFound, "stage %s not found", stageID)
		}

		next, err := st.Status.Apply(op.action)
		if err != nil {
			return transitionError(err, op.name)
		}

		st.Status = next
		s := &stageTx{tx: tx, booking: b, stage: st, stages: stages}
		if op.apply != nil {
			if err := op.apply(ctx, s); err != nil {
				return err
			}
		}

		if err := tx.SaveStage(ctx, st); err != nil {
			return fmt.Errorf("failed to save stage: %w", err)
		}

		detail := ""
		if op.detail != nil {
			detail = op.detail(st)
		}
		if err := tx.AppendAudit(ctx, successEntry(b.ID, st.ID, actor, op.name, detail)); err != nil {
			return fmt.Errorf("failed to append audit entry: %w", err)
		}

		result = *st
		booking = *b
		return nil
	})
	if err != nil {
		return nil, nil, r.fail(ctx, current.BookingID, stageID, actor, op.name, storeError(err, current.BookingID))
	}

	util.StageTransitionsTotal.WithLabelValues(string(op.action)).Inc()
	r.logger.Info("Stage transitioned",
		zap.String("booking_id", booking.ID),
		zap.String("stage_id", result.ID),
		zap.Int("stage_number", result.Number),
		zap.String("status", string(result.Status)),
		zap.String("actor", actor.ID()))

	return &result, &booking, nil
}

// runBooking locks a booking and runs fn; failures are appended to the trail.
func (r *recorder) runBooking(ctx context.Context, actor identity.Caller, bookingID, op string, fn func(tx store.BookingTx) error) error {
	if actor.IsZero() {
		return apperr.Unauthorized("%s requires a caller identity", op)
	}
	util.AnnotateBooking(ctx, bookingID)
	err := r.repo.WithBookingTx(ctx, bookingID, fn)
	if err != nil {
		return r.fail(ctx, bookingID, "", actor, op, storeError(err, bookingID))
	}
	return nil
}

func findStage(stages []models.Stage, id string) *models.Stage {
	for i := range stages {
		if stages[i].ID == id {
			return &stages[i]
		}
	}
	return nil
}

func transitionError(err error, op string) error {
	var terr *models.TransitionError
	if errors.As(err, &terr) {
		return apperr.InvalidState("", terr.From, terr.Required(), op)
	}
	return err
}

func storeError(err error, bookingID string) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return apperr.NotFound(apperr.CodeBookingNotFound, "booking %s not found", bookingID)
	case errors.Is(err, store.ErrVersionConflict):
		return apperr.New(apperr.KindConflict, apperr.CodeConcurrentUpdate, "booking %s changed concurrently, retry", bookingID)
	}
	return err
}

func stageLoadError(err error, stageID string) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound(apperr.CodeStageNotFound, "stage %s not found", stageID)
	}
	return fmt.Errorf("failed to load stage: %w", err)
}

func now() *time.Time {
	t := time.Now().UTC()
	return &t
}

package service

import (
	"context"
	"errors"
	"fmt"

	"escrow-service/internal/apperr"
	"escrow-service/internal/identity"
	"escrow-service/internal/models"
	"escrow-service/internal/store"
	"escrow-service/internal/util"

	"go.uber.org/zap"
)

// ErrConservationViolated means a booking's money no longer adds up
var ErrConservationViolated = errors.New("escrow conservation violated")

// EscrowAccountant executes stage releases. A stage's Approved -> Released
// transition and the escrow debit commit together or not at all.
type EscrowAccountant struct {
	*recorder
	rail PaymentRail
}

// NewEscrowAccountant creates a new escrow accountant
func NewEscrowAccountant(repo store.Repository, rail PaymentRail, publisher EventPublisher) *EscrowAccountant {
	return &EscrowAccountant{recorder: newRecorder(repo, publisher), rail: rail}
}

// ReleaseStage pays an approved stage to the freelancer. The client or a
// system process may call it; repeated or concurrent calls release once.
func (e *EscrowAccountant) ReleaseStage(ctx context.Context, actor identity.Caller, stageID string) (*models.Stage, error) {
	ctx, span := util.StartSpan(ctx, "EscrowAccountant.ReleaseStage")
	defer span.End()

	st, b, err := e.runStage(ctx, actor, stageID, stageOp{
		name:      OpReleaseStage,
		action:    models.StageActionRelease,
		authorize: requireClientOrSystem,
		apply:     e.release,
		detail: func(st *models.Stage) string {
			return fmt.Sprintf("released %d via %s", st.Amount, st.ReleaseTxID)
		},
	})
	if err != nil {
		return nil, err
	}

	util.EscrowReleasedAmount.Add(float64(st.Amount))
	e.logger.Info("Escrow released",
		zap.String("booking_id", b.ID),
		zap.Int("stage_number", st.Number),
		zap.Int64("amount", st.Amount),
		zap.Int64("escrow_remaining", b.EscrowAmount))

	e.publish(ctx, models.EventTypeStageReleased, b, actor, st, "")
	return st, nil
}

// release runs under the booking lock. The rail is called before any local
// write; its idempotency key makes a retry after a failed commit safe.
func (e *EscrowAccountant) release(ctx context.Context, t *stageTx) error {
	b, st := t.booking, t.stage
	if b.EscrowAmount < st.Amount {
		return apperr.New(apperr.KindInsufficientEscrow, apperr.CodeInsufficientEscrow,
			"escrow %d cannot cover stage %d amount %d", b.EscrowAmount, st.Number, st.Amount)
	}

	receipt, err := e.rail.Release(ctx, st.Amount, b.FreelancerID, "release:"+st.ID)
	if err != nil {
		return railError(models.RailRelease, err)
	}

	b.EscrowAmount -= st.Amount
	// The last release leaves payment_status for CompleteProject to finalize.
	if len(unreleasedStageNumbers(t.stages)) > 0 {
		b.PaymentStatus = models.PaymentPartiallyReleased
	}
	st.ReleaseTxID = receipt.TxID
	st.ReleasedAt = now()

	if err := CheckConservation(b, t.stages); err != nil {
		return err
	}
	if err := t.tx.SaveBooking(ctx, b); err != nil {
		return err
	}
	if err := t.tx.SaveReceipt(ctx, receipt); err != nil {
		return fmt.Errorf("failed to record release receipt: %w", err)
	}
	return nil
}

// CheckConservation verifies total = escrow + released stages + refunded
// and that escrow never goes negative.
func CheckConservation(b *models.Booking, stages []models.Stage) error {
	var released int64
	for _, st := range stages {
		if st.Status == models.StageReleased {
			released += st.Amount
		}
	}
	if b.EscrowAmount < 0 {
		return fmt.Errorf("%w: booking %s escrow is %d", ErrConservationViolated, b.ID, b.EscrowAmount)
	}
	if b.TotalAmount != b.EscrowAmount+released+b.RefundedAmount {
		return fmt.Errorf("%w: booking %s total %d != escrow %d + released %d + refunded %d",
			ErrConservationViolated, b.ID, b.TotalAmount, b.EscrowAmount, released, b.RefundedAmount)
	}
	return nil
}

func requireClientOrSystem(actor identity.Caller, b *models.Booking) error {
	if actor.IsSystem() || actor.ID() == b.ClientID {
		return nil
	}
	return apperr.Unauthorized("only the booking's client or an automated release may release funds")
}

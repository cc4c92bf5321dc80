package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"escrow-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// WithBookingTx locks the booking row (FOR UPDATE) for the lifetime of fn
func (s *Store) WithBookingTx(ctx context.Context, bookingID string, fn func(tx BookingTx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var booking models.Booking
	err = tx.GetContext(ctx, &booking, "SELECT * FROM bookings WHERE id = $1 FOR UPDATE", bookingID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("booking %s: %w", bookingID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to lock booking: %w", err)
	}

	if err := fn(&pgBookingTx{tx: tx, booking: &booking}); err != nil {
		return err
	}

	return tx.Commit()
}

type pgBookingTx struct {
	tx      *sqlx.Tx
	booking *models.Booking
}

func (t *pgBookingTx) Booking() *models.Booking {
	return t.booking
}

func (t *pgBookingTx) Stages(ctx context.Context) ([]models.Stage, error) {
	return selectStages(ctx, t.tx, t.booking.ID)
}

func (t *pgBookingTx) SaveBooking(ctx context.Context, b *models.Booking) error {
	query := `
		UPDATE bookings
		SET escrow_amount = $1, refunded_amount = $2, payment_status = $3, booking_status = $4,
		    cancel_reason = $5, dispute_reason = $6, completed_at = $7, cancelled_at = $8,
		    version = version + 1, updated_at = NOW()
		WHERE id = $9 AND version = $10
		RETURNING version, updated_at`

	err := t.tx.QueryRowxContext(ctx, query,
		b.EscrowAmount, b.RefundedAmount, b.PaymentStatus, b.Status,
		b.CancelReason, b.DisputeReason, b.CompletedAt, b.CancelledAt,
		b.ID, b.Version).
		Scan(&b.Version, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrVersionConflict
	}
	return err
}

func (t *pgBookingTx) InsertStages(ctx context.Context, stages []models.Stage) error {
	query := `
		INSERT INTO stages (id, booking_id, stage_number, title, description, amount, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`

	for i := range stages {
		st := &stages[i]
		if err := t.tx.QueryRowxContext(ctx, query,
			st.ID, st.BookingID, st.Number, st.Title, st.Description, st.Amount, st.Status).
			Scan(&st.CreatedAt, &st.UpdatedAt); err != nil {
			return fmt.Errorf("failed to insert stage %d: %w", st.Number, err)
		}
	}
	return nil
}

func (t *pgBookingTx) SaveStage(ctx context.Context, st *models.Stage) error {
	query := `
		UPDATE stages
		SET status = $1, submission_notes = $2, artifacts = $3, rejection_reason = $4, release_tx_id = $5,
		    started_at = $6, submitted_at = $7, approved_at = $8, rejected_at = $9, released_at = $10,
		    updated_at = NOW()
		WHERE id = $11 AND booking_id = $12
		RETURNING updated_at`

	err := t.tx.QueryRowxContext(ctx, query,
		st.Status, st.SubmissionNotes, st.Artifacts, st.RejectionReason, st.ReleaseTxID,
		st.StartedAt, st.SubmittedAt, st.ApprovedAt, st.RejectedAt, st.ReleasedAt,
		st.ID, st.BookingID).
		Scan(&st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("stage %s: %w", st.ID, ErrNotFound)
	}
	return err
}

func (t *pgBookingTx) SaveReceipt(ctx context.Context, r *models.RailReceipt) error {
	return insertReceipt(ctx, t.tx, r)
}

func (t *pgBookingTx) AppendAudit(ctx context.Context, e *models.AuditEntry) error {
	return insertAudit(ctx, t.tx, e)
}

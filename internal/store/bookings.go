package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"escrow-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

// CreateBooking inserts a funded booking together with its funding receipt and
// audit entry. A second insert with the same idempotency key returns
// ErrDuplicateIdempotencyKey.
func (s *Store) CreateBooking(ctx context.Context, booking *models.Booking, receipt *models.RailReceipt, entry *models.AuditEntry) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO bookings (id, package_id, client_id, freelancer_id, total_amount, escrow_amount,
			refunded_amount, payment_status, booking_status, special_instructions, idempotency_key, funding_tx_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING version, created_at, updated_at`

	err = tx.QueryRowxContext(ctx, query,
		booking.ID, booking.PackageID, booking.ClientID, booking.FreelancerID,
		booking.TotalAmount, booking.EscrowAmount, booking.RefundedAmount,
		booking.PaymentStatus, booking.Status, booking.SpecialInstructions,
		booking.IdempotencyKey, booking.FundingTxID).
		Scan(&booking.Version, &booking.CreatedAt, &booking.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation && strings.Contains(pqErr.Constraint, "idempotency") {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to insert booking: %w", err)
	}

	if receipt != nil {
		if err := insertReceipt(ctx, tx, receipt); err != nil {
			return err
		}
	}
	if entry != nil {
		if err := insertAudit(ctx, tx, entry); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetBooking retrieves a booking by ID
func (s *Store) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	var booking models.Booking
	err := s.db.GetContext(ctx, &booking, "SELECT * FROM bookings WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("booking %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &booking, nil
}

// GetBookingByIdempotencyKey retrieves a booking by idempotency key. It returns nil when none exists.
func (s *Store) GetBookingByIdempotencyKey(ctx context.Context, key string) (*models.Booking, error) {
	var booking models.Booking
	err := s.db.GetContext(ctx, &booking, "SELECT * FROM bookings WHERE idempotency_key = $1", key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &booking, nil
}

// ListBookings lists bookings where the party holds the given role
func (s *Store) ListBookings(ctx context.Context, filter models.BookingFilter) ([]models.Booking, error) {
	column := "client_id"
	if filter.Role == models.RoleFreelancer {
		column = "freelancer_id"
	}

	query := "SELECT * FROM bookings WHERE " + column + " = $1"
	args := []interface{}{filter.PartyID}
	if filter.Status != "" {
		query += " AND booking_status = $2"
		args = append(args, filter.Status)
	}
	query += " ORDER BY created_at DESC"

	bookings := []models.Booking{}
	err := s.db.SelectContext(ctx, &bookings, query, args...)
	return bookings, err
}

// GetStage retrieves a stage by ID
func (s *Store) GetStage(ctx context.Context, id string) (*models.Stage, error) {
	var stage models.Stage
	err := s.db.GetContext(ctx, &stage, "SELECT * FROM stages WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("stage %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &stage, nil
}

// ListStages retrieves the stages of a booking in stage-number order
func (s *Store) ListStages(ctx context.Context, bookingID string) ([]models.Stage, error) {
	return selectStages(ctx, s.db, bookingID)
}

func selectStages(ctx context.Context, q sqlx.QueryerContext, bookingID string) ([]models.Stage, error) {
	stages := []models.Stage{}
	err := sqlx.SelectContext(ctx, q, &stages,
		"SELECT * FROM stages WHERE booking_id = $1 ORDER BY stage_number", bookingID)
	return stages, err
}

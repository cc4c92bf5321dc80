package store

import (
	"context"

	"escrow-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// AppendAudit records an operation outcome outside of any booking transaction.
// Used for failed attempts, whose transaction was rolled back.
func (s *Store) AppendAudit(ctx context.Context, entry *models.AuditEntry) error {
	return insertAudit(ctx, s.db, entry)
}

// ListAudit returns a booking's audit trail, oldest first
func (s *Store) ListAudit(ctx context.Context, bookingID string) ([]models.AuditEntry, error) {
	entries := []models.AuditEntry{}
	err := s.db.SelectContext(ctx, &entries,
		"SELECT * FROM booking_audit WHERE booking_id = $1 ORDER BY id", bookingID)
	return entries, err
}

// ListReceipts returns rail receipts recorded under an idempotency key
func (s *Store) ListReceipts(ctx context.Context, key string) ([]models.RailReceipt, error) {
	receipts := []models.RailReceipt{}
	err := s.db.SelectContext(ctx, &receipts,
		"SELECT * FROM rail_receipts WHERE idempotency_key = $1 ORDER BY created_at", key)
	return receipts, err
}

// IsEventProcessed checks if an event has been processed
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)", eventID)
	return exists, err
}

// MarkEventProcessed marks an event as processed
func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		eventID, eventType)
	return err
}

func insertAudit(ctx context.Context, q sqlx.QueryerContext, e *models.AuditEntry) error {
	query := `
		INSERT INTO booking_audit (booking_id, stage_id, actor_id, operation, outcome, error_code, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`

	return q.QueryRowxContext(ctx, query,
		e.BookingID, e.StageID, e.ActorID, e.Operation, e.Outcome, e.ErrorCode, e.Detail).
		Scan(&e.ID, &e.CreatedAt)
}

// Replays under the same key hit ON CONFLICT and keep the first receipt.
func insertReceipt(ctx context.Context, q sqlx.ExecerContext, r *models.RailReceipt) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO rail_receipts (tx_id, kind, idempotency_key, party_id, amount)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		r.TxID, r.Kind, r.IdempotencyKey, r.PartyID, r.Amount)
	return err
}

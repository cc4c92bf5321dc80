package store

import (
	"context"
	"os"
	"sync"
	"testing"

	"escrow-service/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore connects to TEST_DATABASE_URL and applies migrations.
// Integration tests are skipped when it is unset.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("Integration test - set TEST_DATABASE_URL to run")
	}

	s, err := NewStore(url)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate())
	return s
}

func TestPostgresCreateBookingIdempotency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := "it-" + uuid.NewString()

	first := seedBooking(t, s, key)
	assert.Equal(t, int64(1), first.Version)

	dup := *first
	dup.ID = uuid.NewString()
	err := s.CreateBooking(ctx, &dup, nil, nil)
	assert.ErrorIs(t, err, ErrDuplicateIdempotencyKey)

	got, err := s.GetBookingByIdempotencyKey(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first.ID, got.ID)

	receipts, err := s.ListReceipts(ctx, "fund:"+key)
	require.NoError(t, err)
	assert.Len(t, receipts, 1)
}

func TestPostgresBookingTxRollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	b := seedBooking(t, s, "it-"+uuid.NewString())

	err := s.WithBookingTx(ctx, b.ID, func(tx BookingTx) error {
		booking := tx.Booking()
		booking.Status = models.BookingCancelled
		require.NoError(t, tx.SaveBooking(ctx, booking))
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	got, err := s.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BookingInProgress, got.Status)
}

func TestPostgresBookingTxSerializesWriters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	b := seedBooking(t, s, "it-"+uuid.NewString())

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.WithBookingTx(ctx, b.ID, func(tx BookingTx) error {
				booking := tx.Booking()
				booking.EscrowAmount -= 100
				return tx.SaveBooking(ctx, booking)
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.TotalAmount-writers*100, got.EscrowAmount)
	assert.Equal(t, int64(1+writers), got.Version)
}

func TestPostgresStagesAndAudit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	b := seedBooking(t, s, "it-"+uuid.NewString())
	stageID := uuid.NewString()

	require.NoError(t, s.WithBookingTx(ctx, b.ID, func(tx BookingTx) error {
		if err := tx.InsertStages(ctx, []models.Stage{
			{ID: stageID, BookingID: b.ID, Number: 1, Title: "design", Amount: 4000, Status: models.StagePending, Artifacts: []string{}},
		}); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, &models.AuditEntry{BookingID: b.ID, ActorID: b.FreelancerID, Operation: "create_stages", Outcome: models.OutcomeSuccess})
	}))

	require.NoError(t, s.WithBookingTx(ctx, b.ID, func(tx BookingTx) error {
		stages, err := tx.Stages(ctx)
		if err != nil {
			return err
		}
		st := stages[0]
		st.Status = models.StageSubmitted
		st.Artifacts = []string{"https://files/1"}
		return tx.SaveStage(ctx, &st)
	}))

	st, err := s.GetStage(ctx, stageID)
	require.NoError(t, err)
	assert.Equal(t, models.StageSubmitted, st.Status)
	assert.Equal(t, []string{"https://files/1"}, []string(st.Artifacts))

	entries, err := s.ListAudit(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "create_booking", entries[0].Operation)
	assert.Equal(t, "create_stages", entries[1].Operation)
}

func TestPostgresProcessedEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := uuid.NewString()

	ok, err := s.IsEventProcessed(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.MarkEventProcessed(ctx, id, "STAGE_APPROVED"))
	require.NoError(t, s.MarkEventProcessed(ctx, id, "STAGE_APPROVED"))

	ok, err = s.IsEventProcessed(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
}

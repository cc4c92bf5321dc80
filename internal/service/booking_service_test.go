package service

import (
	"context"
	"testing"
	"time"

	"escrow-service/internal/apperr"
	"escrow-service/internal/identity"
	"escrow-service/internal/models"
	"escrow-service/internal/redisclient"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sync/errgroup"
)

func newRedis(t *testing.T) *redisclient.Client {
	t.Helper()
	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return redisclient.NewFromRedis(rdb)
}

func TestCreateBookingFundsEscrow(t *testing.T) {
	h := newHarness(t)
	b := h.book(t, 10000)

	assert.Equal(t, int64(10000), b.TotalAmount)
	assert.Equal(t, int64(10000), b.EscrowAmount)
	assert.Equal(t, models.PaymentFunded, b.PaymentStatus)
	assert.Equal(t, models.BookingInProgress, b.Status)
	assert.Equal(t, h.client.ID(), b.ClientID)
	assert.Equal(t, h.freelancer.ID(), b.FreelancerID)
	assert.NotEmpty(t, b.FundingTxID)
	assert.Equal(t, 1, h.rail.Calls(models.RailFund))
	assert.Equal(t, []string{models.EventTypeBookingCreated}, h.pub.types(b.ID))

	trail, err := h.bookings.ListAuditTrail(context.Background(), b.ID)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, OpCreateBooking, trail[0].Operation)
	assert.Equal(t, models.OutcomeSuccess, trail[0].Outcome)
}

func TestCreateBookingIsIdempotent(t *testing.T) {
	for _, withRedis := range []bool{false, true} {
		name := "store"
		if withRedis {
			name = "redis"
		}
		t.Run(name, func(t *testing.T) {
			var h *harness
			if withRedis {
				h = newHarnessWithRedis(t, newRedis(t))
			} else {
				h = newHarness(t)
			}
			ctx := context.Background()
			pkg := h.listPackage(t, 10000)
			req := &CreateBookingRequest{PackageID: pkg.ID, IdempotencyKey: "retry-key"}

			first, err := h.bookings.CreateBooking(ctx, h.client, req)
			require.NoError(t, err)
			second, err := h.bookings.CreateBooking(ctx, h.client, req)
			require.NoError(t, err)

			assert.Equal(t, first.ID, second.ID)
			assert.Equal(t, 1, h.rail.Calls(models.RailFund))

			list, err := h.bookings.ListBookingsFor(ctx, h.client, models.RoleClient, "")
			require.NoError(t, err)
			assert.Len(t, list, 1)
		})
	}
}

func TestCreateBookingConcurrentDuplicatesFundOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pkg := h.listPackage(t, 5000)
	req := CreateBookingRequest{PackageID: pkg.ID, IdempotencyKey: "double-click"}

	ids := make([]string, 8)
	var g errgroup.Group
	for i := range ids {
		i := i
		g.Go(func() error {
			r := req
			b, err := h.bookings.CreateBooking(ctx, h.client, &r)
			if err != nil {
				return err
			}
			ids[i] = b.ID
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	receipt, ok := h.rail.Receipt("fund:double-click")
	require.True(t, ok)
	assert.Equal(t, int64(5000), receipt.Amount)

	list, err := h.bookings.ListBookingsFor(ctx, h.client, models.RoleClient, "")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestCreateBookingInFlightKeyConflicts(t *testing.T) {
	rc := newRedis(t)
	h := newHarnessWithRedis(t, rc)
	ctx := context.Background()
	pkg := h.listPackage(t, 5000)

	lock, err := rc.AcquireLock(ctx, "booking-create:busy", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, lock)

	_, err = h.bookings.CreateBooking(ctx, h.client, &CreateBookingRequest{PackageID: pkg.ID, IdempotencyKey: "busy"})
	assert.ErrorIs(t, err, apperr.ErrConflict)
	assert.True(t, apperr.Retryable(err))
	assert.Zero(t, h.rail.Calls(models.RailFund))

	require.NoError(t, lock.Release(ctx))
	b, err := h.bookings.CreateBooking(ctx, h.client, &CreateBookingRequest{PackageID: pkg.ID, IdempotencyKey: "busy"})
	require.NoError(t, err)
	assert.Equal(t, models.BookingInProgress, b.Status)
}

// gatedRail blocks Fund until gate is closed
type gatedRail struct {
	PaymentRail
	entered chan struct{}
	gate    chan struct{}
}

func (g *gatedRail) Fund(ctx context.Context, amount int64, payer, key string) (*models.RailReceipt, error) {
	close(g.entered)
	<-g.gate
	return g.PaymentRail.Fund(ctx, amount, payer, key)
}

func TestCreateBookingKeepsLockAliveDuringSlowFunding(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	rc := redisclient.NewFromRedis(rdb)

	h := newHarness(t)
	ctx := context.Background()
	pkg := h.listPackage(t, 5000)

	const ttl = 90 * time.Millisecond
	rail := &gatedRail{PaymentRail: h.rail, entered: make(chan struct{}), gate: make(chan struct{})}
	bookings := NewBookingService(h.repo, rc, h.catalog, rail, h.pub, BookingOptions{CreateLockTTL: ttl})
	req := &CreateBookingRequest{PackageID: pkg.ID, IdempotencyKey: "slow"}

	type result struct {
		b   *models.Booking
		err error
	}
	first := make(chan result, 1)
	go func() {
		b, err := bookings.CreateBooking(ctx, h.client, req)
		first <- result{b, err}
	}()
	<-rail.entered

	// Without refreshes the lock would be gone after the second step.
	for i := 0; i < 3; i++ {
		time.Sleep(2 * ttl / 3)
		mr.FastForward(ttl * 2 / 3)
		assert.True(t, mr.Exists("lock:booking-create:slow"), "lock expired after step %d", i+1)
	}

	_, err = bookings.CreateBooking(ctx, h.client, req)
	assert.Equal(t, apperr.CodeRequestInFlight, apperr.CodeOf(err))

	close(rail.gate)
	res := <-first
	require.NoError(t, res.err)
	assert.Equal(t, 1, h.rail.Calls(models.RailFund))
	assert.False(t, mr.Exists("lock:booking-create:slow"), "lock released after create")
}

func TestCreateBookingRejectsKeyReuseForAnotherRequest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.listPackage(t, 5000)
	other := h.listPackage(t, 7000)

	_, err := h.bookings.CreateBooking(ctx, h.client, &CreateBookingRequest{PackageID: first.ID, IdempotencyKey: "k"})
	require.NoError(t, err)

	_, err = h.bookings.CreateBooking(ctx, h.client, &CreateBookingRequest{PackageID: other.ID, IdempotencyKey: "k"})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.Equal(t, apperr.CodeIdempotencyMismatch, apperr.CodeOf(err))
}

func TestCreateBookingPackageChecks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.bookings.CreateBooking(ctx, h.client, &CreateBookingRequest{PackageID: "missing", IdempotencyKey: uuid.NewString()})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Equal(t, apperr.CodePackageNotFound, apperr.CodeOf(err))

	pkg := h.listPackage(t, 5000)
	_, err = h.bookings.CreateBooking(ctx, h.freelancer, &CreateBookingRequest{PackageID: pkg.ID, IdempotencyKey: uuid.NewString()})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = h.bookings.CreateBooking(ctx, h.client, &CreateBookingRequest{PackageID: pkg.ID})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = h.bookings.CreateBooking(ctx, identity.Caller{}, &CreateBookingRequest{PackageID: pkg.ID, IdempotencyKey: uuid.NewString()})
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	view, err := h.catalog.GetPackage(ctx, pkg.ID)
	require.NoError(t, err)
	_, err = h.catalog.SetServiceStatus(ctx, h.freelancer, view.ServiceID, models.ServicePaused)
	require.NoError(t, err)

	_, err = h.bookings.CreateBooking(ctx, h.client, &CreateBookingRequest{PackageID: pkg.ID, IdempotencyKey: uuid.NewString()})
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
	assert.Equal(t, apperr.CodePackageInactive, apperr.CodeOf(err))
	assert.Zero(t, h.rail.Calls(models.RailFund))
}

func TestCreateBookingRailFailureIsRetryable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pkg := h.listPackage(t, 5000)
	req := &CreateBookingRequest{PackageID: pkg.ID, IdempotencyKey: "flaky"}

	h.rail.FailNext(models.RailFund, nil)
	_, err := h.bookings.CreateBooking(ctx, h.client, req)
	assert.ErrorIs(t, err, apperr.ErrCollaboratorFailure)
	assert.ErrorIs(t, err, ErrRailDeclined)

	list, err := h.bookings.ListBookingsFor(ctx, h.client, models.RoleClient, "")
	require.NoError(t, err)
	assert.Empty(t, list)

	b, err := h.bookings.CreateBooking(ctx, h.client, req)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), b.EscrowAmount)
}

func TestCreateBookingCopiesPriceAtBookingTime(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pkg := h.listPackage(t, 5000)

	b, err := h.bookings.CreateBooking(ctx, h.client, &CreateBookingRequest{PackageID: pkg.ID, IdempotencyKey: uuid.NewString()})
	require.NoError(t, err)

	_, err = h.catalog.UpdatePackagePrice(ctx, h.freelancer, pkg.ID, 9000)
	require.NoError(t, err)

	got, err := h.bookings.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), got.TotalAmount)
}

func TestCancelBookingRefundsEscrow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.book(t, 10000)
	h.createStages(t, b.ID, 4000, 6000)

	cancelled, err := h.bookings.CancelBooking(ctx, h.client, b.ID, "changed my mind")
	require.NoError(t, err)

	assert.Equal(t, models.BookingCancelled, cancelled.Status)
	assert.Equal(t, models.PaymentRefunded, cancelled.PaymentStatus)
	assert.Zero(t, cancelled.EscrowAmount)
	assert.Equal(t, int64(10000), cancelled.RefundedAmount)
	assert.NotNil(t, cancelled.CancelledAt)

	receipt, ok := h.rail.Receipt("refund:" + b.ID)
	require.True(t, ok)
	assert.Equal(t, h.client.ID(), receipt.PartyID)
	h.assertConserved(t, b.ID)

	receipts, err := h.repo.ListReceipts(ctx, "refund:"+b.ID)
	require.NoError(t, err)
	assert.Len(t, receipts, 1)

	_, err = h.bookings.CancelBooking(ctx, h.client, b.ID, "again")
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
	assert.Equal(t, 1, h.rail.Calls(models.RailRefund))
}

func TestCancelBookingRules(t *testing.T) {
	ctx := context.Background()

	t.Run("only the client", func(t *testing.T) {
		h := newHarness(t)
		b := h.book(t, 10000)
		_, err := h.bookings.CancelBooking(ctx, h.freelancer, b.ID, "")
		assert.ErrorIs(t, err, apperr.ErrUnauthorized)
	})

	t.Run("not after a release", func(t *testing.T) {
		h := newHarness(t)
		b := h.book(t, 10000)
		stages := h.createStages(t, b.ID, 4000, 6000)
		h.drive(t, stages[0].ID, models.StageReleased)

		_, err := h.bookings.CancelBooking(ctx, h.client, b.ID, "")
		assert.ErrorIs(t, err, apperr.ErrInvalidState)
		assert.Zero(t, h.rail.Calls(models.RailRefund))
		h.assertConserved(t, b.ID)
	})

	t.Run("unknown booking", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.bookings.CancelBooking(ctx, h.client, "nope", "")
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	})

	t.Run("refund failure changes nothing", func(t *testing.T) {
		h := newHarness(t)
		b := h.book(t, 10000)
		h.rail.FailNext(models.RailRefund, nil)

		_, err := h.bookings.CancelBooking(ctx, h.client, b.ID, "")
		assert.ErrorIs(t, err, apperr.ErrCollaboratorFailure)

		got, err := h.bookings.GetBooking(ctx, b.ID)
		require.NoError(t, err)
		assert.Equal(t, models.BookingInProgress, got.Status)
		assert.Equal(t, int64(10000), got.EscrowAmount)

		cancelled, err := h.bookings.CancelBooking(ctx, h.client, b.ID, "")
		require.NoError(t, err)
		assert.Equal(t, models.BookingCancelled, cancelled.Status)
	})
}

func TestOpenDispute(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.book(t, 10000)
	stages := h.createStages(t, b.ID, 10000)

	_, err := h.bookings.OpenDispute(ctx, identity.Trusted("stranger"), b.ID, "scam")
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	_, err = h.bookings.OpenDispute(ctx, h.freelancer, b.ID, " ")
	assert.Equal(t, apperr.CodeMissingReason, apperr.CodeOf(err))

	disputed, err := h.bookings.OpenDispute(ctx, h.freelancer, b.ID, "client unresponsive")
	require.NoError(t, err)
	assert.Equal(t, models.BookingDisputed, disputed.Status)
	assert.Equal(t, "client unresponsive", disputed.DisputeReason)

	_, err = h.do(ctx, models.StageActionSubmit, stages[0].ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	_, err = h.bookings.CancelBooking(ctx, h.client, b.ID, "")
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
}

func TestCompleteProjectGate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.book(t, 10000)

	_, err := h.bookings.CompleteProject(ctx, h.freelancer, b.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidState, "no stages defined yet")

	stages := h.createStages(t, b.ID, 3000, 3000, 4000)
	h.drive(t, stages[0].ID, models.StageReleased)
	h.drive(t, stages[2].ID, models.StageApproved)

	_, err = h.bookings.CompleteProject(ctx, h.client, b.ID)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	_, err = h.bookings.CompleteProject(ctx, h.freelancer, b.ID)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeStagesIncomplete, apperr.CodeOf(err))
	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, map[string]any{"stage_numbers": []int{2, 3}}, appErr.Details)

	h.drive(t, stages[1].ID, models.StageReleased)
	_, err = h.escrow.ReleaseStage(ctx, h.client, stages[2].ID)
	require.NoError(t, err)

	done, err := h.bookings.CompleteProject(ctx, h.freelancer, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BookingCompleted, done.Status)
	assert.Equal(t, models.PaymentReleased, done.PaymentStatus)
	assert.NotNil(t, done.CompletedAt)

	_, err = h.bookings.CompleteProject(ctx, h.freelancer, b.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
}

func TestCompleteProjectKeepsResidualEscrow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.book(t, 10000)
	stages := h.createStages(t, b.ID, 7000)
	h.drive(t, stages[0].ID, models.StageReleased)

	done, err := h.bookings.CompleteProject(ctx, h.freelancer, b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3000), done.EscrowAmount)
	assert.Equal(t, models.PaymentPartiallyReleased, done.PaymentStatus)
	h.assertConserved(t, b.ID)
}

func TestListBookingsFor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.book(t, 1000)
	second := h.book(t, 2000)
	_, err := h.bookings.CancelBooking(ctx, h.client, first.ID, "")
	require.NoError(t, err)

	asClient, err := h.bookings.ListBookingsFor(ctx, h.client, models.RoleClient, "")
	require.NoError(t, err)
	assert.Len(t, asClient, 2)

	asFreelancer, err := h.bookings.ListBookingsFor(ctx, h.freelancer, models.RoleFreelancer, models.BookingInProgress)
	require.NoError(t, err)
	require.Len(t, asFreelancer, 1)
	assert.Equal(t, second.ID, asFreelancer[0].ID)

	none, err := h.bookings.ListBookingsFor(ctx, h.client, models.RoleFreelancer, "")
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = h.bookings.ListBookingsFor(ctx, h.client, "admin", "")
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = h.bookings.ListBookingsFor(ctx, h.client, models.RoleClient, "Archived")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestAuditTrailRecordsFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.book(t, 10000)
	stages := h.createStages(t, b.ID, 10000)

	_, err := h.stages.ApproveStage(ctx, h.client, stages[0].ID)
	require.ErrorIs(t, err, apperr.ErrInvalidState)
	_, err = h.bookings.CancelBooking(ctx, h.freelancer, b.ID, "")
	require.ErrorIs(t, err, apperr.ErrUnauthorized)

	trail, err := h.bookings.ListAuditTrail(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, trail, 4)

	assert.Equal(t, OpCreateBooking, trail[0].Operation)
	assert.Equal(t, OpCreateStages, trail[1].Operation)

	assert.Equal(t, OpApproveStage, trail[2].Operation)
	assert.Equal(t, models.OutcomeFailure, trail[2].Outcome)
	assert.Equal(t, apperr.CodeInvalidState, trail[2].ErrorCode)
	assert.Equal(t, stages[0].ID, trail[2].StageID)

	assert.Equal(t, OpCancelBooking, trail[3].Operation)
	assert.Equal(t, h.freelancer.ID(), trail[3].ActorID)
	assert.Equal(t, apperr.CodeUnauthorized, trail[3].ErrorCode)

	for i := 1; i < len(trail); i++ {
		assert.Greater(t, trail[i].ID, trail[i-1].ID)
	}

	_, err = h.bookings.ListAuditTrail(ctx, "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestUnauditedFailuresAreLoggedWithRequestKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	core, logs := observer.New(zapcore.WarnLevel)
	h.bookings.logger = zap.New(core)

	pkg := h.listPackage(t, 5000)
	view, err := h.catalog.GetPackage(ctx, pkg.ID)
	require.NoError(t, err)
	_, err = h.catalog.SetServiceStatus(ctx, h.freelancer, view.ServiceID, models.ServicePaused)
	require.NoError(t, err)

	_, err = h.bookings.CreateBooking(ctx, h.client, &CreateBookingRequest{PackageID: pkg.ID, IdempotencyKey: " paused-key "})
	require.ErrorIs(t, err, apperr.ErrInvalidState)

	rejected := logs.FilterMessage("Operation rejected without audit trail")
	entries := rejected.FilterField(zap.String("idempotency_key", "paused-key")).All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, OpCreateBooking, fields["operation"])
	assert.Equal(t, apperr.CodePackageInactive, fields["code"])
	assert.Equal(t, pkg.ID, fields["package_id"])
	assert.Equal(t, h.client.ID(), fields["actor"])

	_, err = h.bookings.CancelBooking(ctx, h.client, "missing", "")
	require.ErrorIs(t, err, apperr.ErrNotFound)
	missing := rejected.FilterField(zap.String("booking_id", "missing")).All()
	require.Len(t, missing, 1)
	assert.Equal(t, OpCancelBooking, missing[0].ContextMap()["operation"])
	assert.Equal(t, apperr.CodeBookingNotFound, missing[0].ContextMap()["code"])
}

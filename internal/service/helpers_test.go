package service

import (
	"context"
	"os"
	"sync"
	"testing"

	"escrow-service/internal/identity"
	"escrow-service/internal/models"
	"escrow-service/internal/redisclient"
	"escrow-service/internal/store"
	"escrow-service/internal/util"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	_ = util.InitLogger("test")
	os.Exit(m.Run())
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.BookingEvent
}

func (p *recordingPublisher) PublishBookingEvent(ctx context.Context, event *models.BookingEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, *event)
	return nil
}

func (p *recordingPublisher) types(bookingID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		if e.BookingID == bookingID {
			out = append(out, e.EventType)
		}
	}
	return out
}

type harness struct {
	repo       *store.MemoryStore
	rail       *SimulatedRail
	pub        *recordingPublisher
	catalog    *CatalogService
	bookings   *BookingService
	stages     *StageService
	escrow     *EscrowAccountant
	client     identity.Caller
	freelancer identity.Caller
}

func newHarness(t *testing.T) *harness {
	return newHarnessWithRedis(t, nil)
}

func newHarnessWithRedis(t *testing.T, redis *redisclient.Client) *harness {
	t.Helper()
	repo := store.NewMemoryStore()
	rail := NewSimulatedRail(0, 0)
	pub := &recordingPublisher{}
	catalog := NewCatalogService(repo)
	timed := NewTimeoutRail(rail, 0)

	return &harness{
		repo:       repo,
		rail:       rail,
		pub:        pub,
		catalog:    catalog,
		bookings:   NewBookingService(repo, redis, catalog, timed, pub, BookingOptions{}),
		stages:     NewStageService(repo, pub),
		escrow:     NewEscrowAccountant(repo, timed, pub),
		client:     identity.Trusted("client-" + uuid.NewString()[:8]),
		freelancer: identity.Trusted("freelancer-" + uuid.NewString()[:8]),
	}
}

// listPackage creates an Active service with one package at price
func (h *harness) listPackage(t *testing.T, price int64) *models.Package {
	t.Helper()
	ctx := context.Background()
	svc, err := h.catalog.CreateService(ctx, h.freelancer, &CreateServiceRequest{Category: "design", Title: "Logo design"})
	require.NoError(t, err)
	pkg, err := h.catalog.CreatePackage(ctx, h.freelancer, svc.ID, &CreatePackageRequest{Name: "basic", Price: price, DeliveryDays: 7})
	require.NoError(t, err)
	return pkg
}

func (h *harness) book(t *testing.T, price int64) *models.Booking {
	t.Helper()
	pkg := h.listPackage(t, price)
	b, err := h.bookings.CreateBooking(context.Background(), h.client, &CreateBookingRequest{
		PackageID:      pkg.ID,
		IdempotencyKey: uuid.NewString(),
	})
	require.NoError(t, err)
	return b
}

func (h *harness) createStages(t *testing.T, bookingID string, amounts ...int64) []models.Stage {
	t.Helper()
	defs := make([]models.StageDef, len(amounts))
	for i, a := range amounts {
		defs[i] = models.StageDef{Title: "stage", Amount: a}
	}
	stages, err := h.stages.CreateStages(context.Background(), h.freelancer, bookingID, defs)
	require.NoError(t, err)
	return stages
}

// do performs action on a stage as the party allowed to perform it
func (h *harness) do(ctx context.Context, action models.StageAction, stageID string) (*models.Stage, error) {
	switch action {
	case models.StageActionStart:
		return h.stages.StartStage(ctx, h.freelancer, stageID)
	case models.StageActionSubmit:
		return h.stages.SubmitStage(ctx, h.freelancer, stageID, &SubmitStageRequest{Notes: "done", Artifacts: []string{"https://files.example/a.png"}})
	case models.StageActionApprove:
		return h.stages.ApproveStage(ctx, h.client, stageID)
	case models.StageActionReject:
		return h.stages.RejectStage(ctx, h.client, stageID, "incomplete")
	case models.StageActionRelease:
		return h.escrow.ReleaseStage(ctx, h.client, stageID)
	}
	panic("unknown action " + action)
}

// pathTo lists the actions that bring a fresh stage to status
func pathTo(status models.StageStatus) []models.StageAction {
	switch status {
	case models.StageInProgress:
		return []models.StageAction{models.StageActionStart}
	case models.StageSubmitted:
		return []models.StageAction{models.StageActionSubmit}
	case models.StageApproved:
		return []models.StageAction{models.StageActionSubmit, models.StageActionApprove}
	case models.StageRejected:
		return []models.StageAction{models.StageActionSubmit, models.StageActionReject}
	case models.StageReleased:
		return []models.StageAction{models.StageActionSubmit, models.StageActionApprove, models.StageActionRelease}
	}
	return nil
}

func (h *harness) drive(t *testing.T, stageID string, status models.StageStatus) {
	t.Helper()
	for _, action := range pathTo(status) {
		_, err := h.do(context.Background(), action, stageID)
		require.NoError(t, err, "driving stage to %s via %s", status, action)
	}
}

func (h *harness) assertConserved(t *testing.T, bookingID string) {
	t.Helper()
	ctx := context.Background()
	b, err := h.repo.GetBooking(ctx, bookingID)
	require.NoError(t, err)
	stages, err := h.repo.ListStages(ctx, bookingID)
	require.NoError(t, err)
	require.NoError(t, CheckConservation(b, stages))
}

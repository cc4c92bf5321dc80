package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"escrow-service/internal/models"
)

// MemoryStore is an in-process Repository. Each booking has its own lock so
// mutations of different bookings never contend; readers take copies under a
// shared RWMutex and always observe committed state.
type MemoryStore struct {
	mu        sync.RWMutex
	services  map[string]models.Service
	packages  map[string]models.Package
	bookings  map[string]models.Booking
	byKey     map[string]string
	stages    map[string]models.Stage
	byBooking map[string][]string
	audit     []models.AuditEntry
	receipts  map[string]models.RailReceipt
	processed map[string]models.ProcessedEvent
	auditSeq  int64

	lockMu sync.Mutex
	locks  map[string]chan struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		services:  make(map[string]models.Service),
		packages:  make(map[string]models.Package),
		bookings:  make(map[string]models.Booking),
		byKey:     make(map[string]string),
		stages:    make(map[string]models.Stage),
		byBooking: make(map[string][]string),
		receipts:  make(map[string]models.RailReceipt),
		processed: make(map[string]models.ProcessedEvent),
		locks:     make(map[string]chan struct{}),
	}
}

var _ Repository = (*MemoryStore)(nil)

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) CreateService(ctx context.Context, svc *models.Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.services[svc.ID]; ok {
		return fmt.Errorf("service %s already exists", svc.ID)
	}
	now := time.Now().UTC()
	svc.CreatedAt, svc.UpdatedAt = now, now
	m.services[svc.ID] = *svc
	return nil
}

func (m *MemoryStore) GetService(ctx context.Context, id string) (*models.Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	svc, ok := m.services[id]
	if !ok {
		return nil, fmt.Errorf("service %s: %w", id, ErrNotFound)
	}
	return &svc, nil
}

func (m *MemoryStore) UpdateServiceStatus(ctx context.Context, id string, status models.ServiceStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	svc, ok := m.services[id]
	if !ok {
		return fmt.Errorf("service %s: %w", id, ErrNotFound)
	}
	svc.Status = status
	svc.UpdatedAt = time.Now().UTC()
	m.services[id] = svc
	return nil
}

func (m *MemoryStore) CreatePackage(ctx context.Context, pkg *models.Package) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.services[pkg.ServiceID]; !ok {
		return fmt.Errorf("service %s: %w", pkg.ServiceID, ErrNotFound)
	}
	now := time.Now().UTC()
	pkg.CreatedAt, pkg.UpdatedAt = now, now
	m.packages[pkg.ID] = *pkg
	return nil
}

func (m *MemoryStore) GetPackage(ctx context.Context, id string) (*models.Package, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pkg, ok := m.packages[id]
	if !ok {
		return nil, fmt.Errorf("package %s: %w", id, ErrNotFound)
	}
	return &pkg, nil
}

func (m *MemoryStore) UpdatePackagePrice(ctx context.Context, id string, price int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pkg, ok := m.packages[id]
	if !ok {
		return fmt.Errorf("package %s: %w", id, ErrNotFound)
	}
	pkg.Price = price
	pkg.UpdatedAt = time.Now().UTC()
	m.packages[id] = pkg
	return nil
}

func (m *MemoryStore) GetPackageView(ctx context.Context, id string) (*models.PackageView, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pkg, ok := m.packages[id]
	if !ok {
		return nil, fmt.Errorf("package %s: %w", id, ErrNotFound)
	}
	svc := m.services[pkg.ServiceID]
	return &models.PackageView{
		PackageID:    pkg.ID,
		ServiceID:    pkg.ServiceID,
		FreelancerID: svc.OwnerID,
		Price:        pkg.Price,
		DeliveryDays: pkg.DeliveryDays,
		Status:       svc.Status,
	}, nil
}

func (m *MemoryStore) CreateBooking(ctx context.Context, booking *models.Booking, receipt *models.RailReceipt, entry *models.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byKey[booking.IdempotencyKey]; ok {
		return ErrDuplicateIdempotencyKey
	}
	now := time.Now().UTC()
	booking.CreatedAt, booking.UpdatedAt = now, now
	booking.Version = 1
	m.bookings[booking.ID] = *booking
	m.byKey[booking.IdempotencyKey] = booking.ID
	if receipt != nil {
		m.putReceipt(receipt, now)
	}
	if entry != nil {
		m.putAudit(entry, now)
	}
	return nil
}

func (m *MemoryStore) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, fmt.Errorf("booking %s: %w", id, ErrNotFound)
	}
	return &b, nil
}

func (m *MemoryStore) GetBookingByIdempotencyKey(ctx context.Context, key string) (*models.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byKey[key]
	if !ok {
		return nil, nil
	}
	b := m.bookings[id]
	return &b, nil
}

func (m *MemoryStore) ListBookings(ctx context.Context, filter models.BookingFilter) ([]models.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []models.Booking{}
	for _, b := range m.bookings {
		party := b.ClientID
		if filter.Role == models.RoleFreelancer {
			party = b.FreelancerID
		}
		if party != filter.PartyID {
			continue
		}
		if filter.Status != "" && b.Status != filter.Status {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) GetStage(ctx context.Context, id string) (*models.Stage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.stages[id]
	if !ok {
		return nil, fmt.Errorf("stage %s: %w", id, ErrNotFound)
	}
	return copyStage(st), nil
}

func (m *MemoryStore) ListStages(ctx context.Context, bookingID string) ([]models.Stage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stagesOf(bookingID), nil
}

func (m *MemoryStore) stagesOf(bookingID string) []models.Stage {
	out := make([]models.Stage, 0, len(m.byBooking[bookingID]))
	for _, id := range m.byBooking[bookingID] {
		out = append(out, *copyStage(m.stages[id]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

func (m *MemoryStore) AppendAudit(ctx context.Context, entry *models.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putAudit(entry, time.Now().UTC())
	return nil
}

func (m *MemoryStore) ListAudit(ctx context.Context, bookingID string) ([]models.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []models.AuditEntry{}
	for _, e := range m.audit {
		if e.BookingID == bookingID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListReceipts(ctx context.Context, key string) ([]models.RailReceipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []models.RailReceipt{}
	if r, ok := m.receipts[key]; ok {
		out = append(out, r)
	}
	return out, nil
}

func (m *MemoryStore) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.processed[eventID]
	return ok, nil
}

func (m *MemoryStore) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.processed[eventID]; !ok {
		m.processed[eventID] = models.ProcessedEvent{EventID: eventID, EventType: eventType, ProcessedAt: time.Now().UTC()}
	}
	return nil
}

// WithBookingTx serializes fn against every other transaction on the same
// booking. Staged writes are applied atomically when fn succeeds.
func (m *MemoryStore) WithBookingTx(ctx context.Context, bookingID string, fn func(tx BookingTx) error) error {
	unlock, err := m.lockBooking(ctx, bookingID)
	if err != nil {
		return err
	}
	defer unlock()

	m.mu.RLock()
	b, ok := m.bookings[bookingID]
	var stages []models.Stage
	if ok {
		stages = m.stagesOf(bookingID)
	}
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("booking %s: %w", bookingID, ErrNotFound)
	}

	tx := &memBookingTx{
		booking:     &b,
		origVersion: b.Version,
		version:     b.Version,
		stages:      stages,
		updated:     map[string]bool{},
	}
	if err := fn(tx); err != nil {
		return err
	}
	return m.commit(tx)
}

func (m *MemoryStore) lockBooking(ctx context.Context, bookingID string) (func(), error) {
	m.lockMu.Lock()
	ch, ok := m.locks[bookingID]
	if !ok {
		ch = make(chan struct{}, 1)
		m.locks[bookingID] = ch
	}
	m.lockMu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *MemoryStore) commit(tx *memBookingTx) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()

	if tx.savedBooking != nil {
		if m.bookings[tx.savedBooking.ID].Version != tx.origVersion {
			return ErrVersionConflict
		}
		m.bookings[tx.savedBooking.ID] = *tx.savedBooking
	}
	for _, st := range tx.inserted {
		m.stages[st.ID] = *copyStage(st)
		m.byBooking[st.BookingID] = append(m.byBooking[st.BookingID], st.ID)
	}
	for _, st := range tx.stages {
		if tx.updated[st.ID] {
			m.stages[st.ID] = *copyStage(st)
		}
	}
	for i := range tx.receipts {
		m.putReceipt(&tx.receipts[i], now)
	}
	for i := range tx.audit {
		m.putAudit(tx.audit[i], now)
	}
	return nil
}

func (m *MemoryStore) putAudit(e *models.AuditEntry, now time.Time) {
	m.auditSeq++
	e.ID = m.auditSeq
	e.CreatedAt = now
	m.audit = append(m.audit, *e)
}

func (m *MemoryStore) putReceipt(r *models.RailReceipt, now time.Time) {
	if _, ok := m.receipts[r.IdempotencyKey]; ok {
		return
	}
	r.CreatedAt = now
	m.receipts[r.IdempotencyKey] = *r
}

type memBookingTx struct {
	booking      *models.Booking
	origVersion  int64
	version      int64
	savedBooking *models.Booking
	stages       []models.Stage
	inserted     []models.Stage
	updated      map[string]bool
	receipts     []models.RailReceipt
	audit        []*models.AuditEntry
}

func (t *memBookingTx) Booking() *models.Booking { return t.booking }

func (t *memBookingTx) Stages(ctx context.Context) ([]models.Stage, error) {
	out := make([]models.Stage, 0, len(t.stages)+len(t.inserted))
	for _, st := range t.stages {
		out = append(out, *copyStage(st))
	}
	for _, st := range t.inserted {
		out = append(out, *copyStage(st))
	}
	return out, nil
}

func (t *memBookingTx) SaveBooking(ctx context.Context, b *models.Booking) error {
	if b.Version != t.version {
		return ErrVersionConflict
	}
	b.Version++
	b.UpdatedAt = time.Now().UTC()
	t.version = b.Version
	cp := *b
	t.savedBooking = &cp
	return nil
}

func (t *memBookingTx) InsertStages(ctx context.Context, stages []models.Stage) error {
	now := time.Now().UTC()
	for i := range stages {
		stages[i].CreatedAt, stages[i].UpdatedAt = now, now
		t.inserted = append(t.inserted, *copyStage(stages[i]))
	}
	return nil
}

func (t *memBookingTx) SaveStage(ctx context.Context, st *models.Stage) error {
	st.UpdatedAt = time.Now().UTC()
	for i := range t.stages {
		if t.stages[i].ID == st.ID {
			t.stages[i] = *copyStage(*st)
			t.updated[st.ID] = true
			return nil
		}
	}
	for i := range t.inserted {
		if t.inserted[i].ID == st.ID {
			t.inserted[i] = *copyStage(*st)
			return nil
		}
	}
	return fmt.Errorf("stage %s: %w", st.ID, ErrNotFound)
}

func (t *memBookingTx) SaveReceipt(ctx context.Context, r *models.RailReceipt) error {
	t.receipts = append(t.receipts, *r)
	return nil
}

func (t *memBookingTx) AppendAudit(ctx context.Context, e *models.AuditEntry) error {
	t.audit = append(t.audit, e)
	return nil
}

func copyStage(st models.Stage) *models.Stage {
	if st.Artifacts != nil {
		st.Artifacts = append([]string(nil), st.Artifacts...)
	}
	return &st
}

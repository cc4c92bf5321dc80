package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"escrow-service/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

var (
	// ErrNotFound is returned when the requested row does not exist
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicateIdempotencyKey is returned when a booking with the same key already exists
	ErrDuplicateIdempotencyKey = errors.New("store: duplicate idempotency key")
	// ErrVersionConflict is returned when a booking changed underneath a transaction
	ErrVersionConflict = errors.New("store: booking version conflict")
)

// Repository is the storage contract used by the service layer
type Repository interface {
	CreateService(ctx context.Context, svc *models.Service) error
	GetService(ctx context.Context, id string) (*models.Service, error)
	UpdateServiceStatus(ctx context.Context, id string, status models.ServiceStatus) error
	CreatePackage(ctx context.Context, pkg *models.Package) error
	GetPackage(ctx context.Context, id string) (*models.Package, error)
	UpdatePackagePrice(ctx context.Context, id string, price int64) error
	GetPackageView(ctx context.Context, id string) (*models.PackageView, error)

	CreateBooking(ctx context.Context, booking *models.Booking, receipt *models.RailReceipt, entry *models.AuditEntry) error
	GetBooking(ctx context.Context, id string) (*models.Booking, error)
	GetBookingByIdempotencyKey(ctx context.Context, key string) (*models.Booking, error)
	ListBookings(ctx context.Context, filter models.BookingFilter) ([]models.Booking, error)
	GetStage(ctx context.Context, id string) (*models.Stage, error)
	ListStages(ctx context.Context, bookingID string) ([]models.Stage, error)

	// WithBookingTx runs fn with exclusive access to one booking. Writes made
	// through the BookingTx are committed only when fn returns nil.
	WithBookingTx(ctx context.Context, bookingID string, fn func(tx BookingTx) error) error

	AppendAudit(ctx context.Context, entry *models.AuditEntry) error
	ListAudit(ctx context.Context, bookingID string) ([]models.AuditEntry, error)
	ListReceipts(ctx context.Context, key string) ([]models.RailReceipt, error)

	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error

	Ping(ctx context.Context) error
}

// BookingTx is a unit of work scoped to one locked booking
type BookingTx interface {
	// Booking returns the locked booking. Mutate it and call SaveBooking.
	Booking() *models.Booking
	Stages(ctx context.Context) ([]models.Stage, error)
	SaveBooking(ctx context.Context, booking *models.Booking) error
	InsertStages(ctx context.Context, stages []models.Stage) error
	SaveStage(ctx context.Context, stage *models.Stage) error
	SaveReceipt(ctx context.Context, receipt *models.RailReceipt) error
	AppendAudit(ctx context.Context, entry *models.AuditEntry) error
}

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

var _ Repository = (*Store)(nil)

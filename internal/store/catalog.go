package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"escrow-service/internal/models"
)

// CreateService inserts a catalog service
func (s *Store) CreateService(ctx context.Context, svc *models.Service) error {
	query := `
		INSERT INTO services (id, owner_id, category, title, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at`

	return s.db.QueryRowxContext(ctx, query,
		svc.ID, svc.OwnerID, svc.Category, svc.Title, svc.Status).
		Scan(&svc.CreatedAt, &svc.UpdatedAt)
}

// GetService retrieves a service by ID
func (s *Store) GetService(ctx context.Context, id string) (*models.Service, error) {
	var svc models.Service
	err := s.db.GetContext(ctx, &svc, "SELECT * FROM services WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("service %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &svc, nil
}

// UpdateServiceStatus sets the lifecycle status of a service. Services are never deleted physically.
func (s *Store) UpdateServiceStatus(ctx context.Context, id string, status models.ServiceStatus) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE services SET status = $1, updated_at = NOW() WHERE id = $2",
		status, id)
	if err != nil {
		return err
	}
	return expectOneRow(res, "service", id)
}

// CreatePackage inserts a package under a service
func (s *Store) CreatePackage(ctx context.Context, pkg *models.Package) error {
	query := `
		INSERT INTO packages (id, service_id, name, price, delivery_days)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at`

	return s.db.QueryRowxContext(ctx, query,
		pkg.ID, pkg.ServiceID, pkg.Name, pkg.Price, pkg.DeliveryDays).
		Scan(&pkg.CreatedAt, &pkg.UpdatedAt)
}

// GetPackage retrieves a package by ID
func (s *Store) GetPackage(ctx context.Context, id string) (*models.Package, error) {
	var pkg models.Package
	err := s.db.GetContext(ctx, &pkg, "SELECT * FROM packages WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("package %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &pkg, nil
}

// UpdatePackagePrice changes the price for future bookings
func (s *Store) UpdatePackagePrice(ctx context.Context, id string, price int64) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE packages SET price = $1, updated_at = NOW() WHERE id = $2",
		price, id)
	if err != nil {
		return err
	}
	return expectOneRow(res, "package", id)
}

// GetPackageView joins a package with its parent service
func (s *Store) GetPackageView(ctx context.Context, id string) (*models.PackageView, error) {
	query := `
		SELECT p.id AS package_id, p.service_id, s.owner_id AS freelancer_id,
		       p.price, p.delivery_days, s.status
		FROM packages p
		JOIN services s ON s.id = p.service_id
		WHERE p.id = $1`

	var view models.PackageView
	err := s.db.GetContext(ctx, &view, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("package %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &view, nil
}

func expectOneRow(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", entity, id, ErrNotFound)
	}
	return nil
}

package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"escrow-service/internal/apperr"
	"escrow-service/internal/identity"
	"escrow-service/internal/models"
	"escrow-service/internal/store"
	"escrow-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PackageCatalog is the read-only lookup CreateBooking depends on
type PackageCatalog interface {
	GetPackage(ctx context.Context, packageID string) (*models.PackageView, error)
}

// CatalogService manages freelancer services and their priced packages
type CatalogService struct {
	repo   store.Repository
	logger *zap.Logger
}

// NewCatalogService creates a new catalog service
func NewCatalogService(repo store.Repository) *CatalogService {
	return &CatalogService{repo: repo, logger: util.GetLogger()}
}

// CreateServiceRequest represents a request to list a new service
type CreateServiceRequest struct {
	Category string `json:"category"`
	Title    string `json:"title" binding:"required"`
}

// CreateService lists a new Active service owned by the caller
func (s *CatalogService) CreateService(ctx context.Context, owner identity.Caller, req *CreateServiceRequest) (*models.Service, error) {
	ctx, span := util.StartSpan(ctx, "CatalogService.CreateService")
	defer span.End()

	if owner.IsZero() || owner.IsSystem() {
		return nil, apperr.Unauthorized("services must be owned by a freelancer")
	}
	if strings.TrimSpace(req.Title) == "" {
		return nil, apperr.Validation("", "service title is required")
	}

	svc := &models.Service{
		ID:       uuid.New().String(),
		OwnerID:  owner.ID(),
		Category: strings.TrimSpace(req.Category),
		Title:    strings.TrimSpace(req.Title),
		Status:   models.ServiceActive,
	}
	if err := s.repo.CreateService(ctx, svc); err != nil {
		return nil, fmt.Errorf("failed to create service: %w", err)
	}

	s.logger.Info("Service created", zap.String("service_id", svc.ID), zap.String("owner", svc.OwnerID))
	return svc, nil
}

// SetServiceStatus pauses, resumes or soft-deletes a service. Deleted is final.
func (s *CatalogService) SetServiceStatus(ctx context.Context, owner identity.Caller, serviceID string, status models.ServiceStatus) (*models.Service, error) {
	ctx, span := util.StartSpan(ctx, "CatalogService.SetServiceStatus")
	defer span.End()

	if !status.Valid() {
		return nil, apperr.Validation("", "unknown service status %q", status)
	}

	svc, err := s.ownedService(ctx, owner, serviceID)
	if err != nil {
		return nil, err
	}
	if svc.Status == status {
		return svc, nil
	}
	if !svc.Status.CanBecome(status) {
		return nil, apperr.InvalidState("", svc.Status, "Active or Paused", "set service status")
	}

	if err := s.repo.UpdateServiceStatus(ctx, serviceID, status); err != nil {
		return nil, fmt.Errorf("failed to update service status: %w", err)
	}
	svc.Status = status

	s.logger.Info("Service status changed", zap.String("service_id", serviceID), zap.String("status", string(status)))
	return svc, nil
}

// CreatePackageRequest represents a request to add a package to a service
type CreatePackageRequest struct {
	Name         string `json:"name" binding:"required"`
	Price        int64  `json:"price"`
	DeliveryDays int    `json:"delivery_days"`
}

// CreatePackage adds a priced package to one of the caller's services
func (s *CatalogService) CreatePackage(ctx context.Context, owner identity.Caller, serviceID string, req *CreatePackageRequest) (*models.Package, error) {
	ctx, span := util.StartSpan(ctx, "CatalogService.CreatePackage")
	defer span.End()

	if req.Price <= 0 {
		return nil, apperr.Validation("", "package price must be positive, got %d", req.Price)
	}
	if req.DeliveryDays <= 0 {
		return nil, apperr.Validation("", "delivery days must be positive, got %d", req.DeliveryDays)
	}

	svc, err := s.ownedService(ctx, owner, serviceID)
	if err != nil {
		return nil, err
	}
	if svc.Status == models.ServiceDeleted {
		return nil, apperr.InvalidState("", svc.Status, "Active or Paused", "create package")
	}

	pkg := &models.Package{
		ID:           uuid.New().String(),
		ServiceID:    serviceID,
		Name:         strings.TrimSpace(req.Name),
		Price:        req.Price,
		DeliveryDays: req.DeliveryDays,
	}
	if err := s.repo.CreatePackage(ctx, pkg); err != nil {
		return nil, fmt.Errorf("failed to create package: %w", err)
	}

	s.logger.Info("Package created",
		zap.String("package_id", pkg.ID),
		zap.String("service_id", serviceID),
		zap.Int64("price", pkg.Price))
	return pkg, nil
}

// UpdatePackagePrice changes the price future bookings will pay. Existing
// bookings keep the total copied at booking time.
func (s *CatalogService) UpdatePackagePrice(ctx context.Context, owner identity.Caller, packageID string, price int64) (*models.Package, error) {
	ctx, span := util.StartSpan(ctx, "CatalogService.UpdatePackagePrice")
	defer span.End()

	if price <= 0 {
		return nil, apperr.Validation("", "package price must be positive, got %d", price)
	}

	view, err := s.GetPackage(ctx, packageID)
	if err != nil {
		return nil, err
	}
	if view.FreelancerID != owner.ID() {
		return nil, apperr.Unauthorized("only the service owner may change package %s", packageID)
	}

	if err := s.repo.UpdatePackagePrice(ctx, packageID, price); err != nil {
		return nil, fmt.Errorf("failed to update package price: %w", err)
	}

	pkg, err := s.repo.GetPackage(ctx, packageID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload package: %w", err)
	}
	return pkg, nil
}

// GetPackage returns the bookable view of a package. Its status is the
// parent service status.
func (s *CatalogService) GetPackage(ctx context.Context, packageID string) (*models.PackageView, error) {
	view, err := s.repo.GetPackageView(ctx, packageID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound(apperr.CodePackageNotFound, "package %s not found", packageID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get package: %w", err)
	}
	return view, nil
}

func (s *CatalogService) ownedService(ctx context.Context, owner identity.Caller, serviceID string) (*models.Service, error) {
	svc, err := s.repo.GetService(ctx, serviceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound(apperr.CodeServiceNotFound, "service %s not found", serviceID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get service: %w", err)
	}
	if svc.OwnerID != owner.ID() {
		return nil, apperr.Unauthorized("only the owner may change service %s", serviceID)
	}
	return svc, nil
}

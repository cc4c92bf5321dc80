package service

import (
	"context"
	"fmt"
	"math"
	"strings"

	"escrow-service/internal/apperr"
	"escrow-service/internal/identity"
	"escrow-service/internal/models"
	"escrow-service/internal/store"
	"escrow-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// StageService splits a booking into payment stages and drives each stage
// through submission and review.
type StageService struct {
	*recorder
}

// NewStageService creates a new stage service
func NewStageService(repo store.Repository, publisher EventPublisher) *StageService {
	return &StageService{recorder: newRecorder(repo, publisher)}
}

// CreateStages defines the booking's payment plan. It may be called once per
// booking, and the stage amounts may not exceed the booking total.
func (s *StageService) CreateStages(ctx context.Context, freelancer identity.Caller, bookingID string, defs []models.StageDef) ([]models.Stage, error) {
	ctx, span := util.StartSpan(ctx, "StageService.CreateStages")
	defer span.End()

	var (
		created []models.Stage
		booking models.Booking
	)
	err := s.runBooking(ctx, freelancer, bookingID, OpCreateStages, func(tx store.BookingTx) error {
		b := tx.Booking()
		if freelancer.ID() != b.FreelancerID {
			return apperr.Unauthorized("only the booking's freelancer may define stages")
		}
		if b.Status != models.BookingInProgress {
			return apperr.InvalidState("", b.Status, models.BookingInProgress, "create stages")
		}

		existing, err := tx.Stages(ctx)
		if err != nil {
			return fmt.Errorf("failed to load stages: %w", err)
		}
		if len(existing) > 0 {
			return apperr.InvalidState(apperr.CodeStagesAlreadyExist,
				fmt.Sprintf("%d stages defined", len(existing)), "no stages", "create stages")
		}

		sum, err := validateStageDefs(defs, b.TotalAmount)
		if err != nil {
			return err
		}

		stages := make([]models.Stage, len(defs))
		for i, def := range defs {
			stages[i] = models.Stage{
				ID:          uuid.New().String(),
				BookingID:   b.ID,
				Number:      i + 1,
				Title:       strings.TrimSpace(def.Title),
				Description: def.Description,
				Amount:      def.Amount,
				Status:      models.StagePending,
			}
		}
		if err := tx.InsertStages(ctx, stages); err != nil {
			return fmt.Errorf("failed to insert stages: %w", err)
		}

		detail := fmt.Sprintf("%d stages totalling %d of %d", len(stages), sum, b.TotalAmount)
		if err := tx.AppendAudit(ctx, successEntry(b.ID, "", freelancer, OpCreateStages, detail)); err != nil {
			return fmt.Errorf("failed to append audit entry: %w", err)
		}

		created = stages
		booking = *b
		return nil
	})
	if err != nil {
		return nil, err
	}

	util.BookingLogger(bookingID).Info("Stages created", zap.Int("count", len(created)))
	s.publish(ctx, models.EventTypeStagesCreated, &booking, freelancer, nil, "")
	return created, nil
}

// validateStageDefs returns the sum of the stage amounts
func validateStageDefs(defs []models.StageDef, total int64) (int64, error) {
	if len(defs) == 0 {
		return 0, apperr.Validation("", "at least one stage is required")
	}

	var sum int64
	for i, def := range defs {
		if strings.TrimSpace(def.Title) == "" {
			return 0, apperr.Validation("", "stage %d: title is required", i+1)
		}
		if def.Amount <= 0 {
			return 0, apperr.Validation("", "stage %d: amount must be positive, got %d", i+1, def.Amount)
		}
		if def.Amount > math.MaxInt64-sum {
			return 0, apperr.Validation(apperr.CodeAmountExceedsEscrow, "stage amounts overflow")
		}
		sum += def.Amount
	}
	if sum > total {
		return 0, apperr.Validation(apperr.CodeAmountExceedsEscrow,
			"stage amounts sum to %d, exceeding the booking total of %d", sum, total).
			WithDetails(map[string]int64{"sum": sum, "total": total})
	}
	return sum, nil
}

// StartStage marks a pending stage as being worked on
func (s *StageService) StartStage(ctx context.Context, freelancer identity.Caller, stageID string) (*models.Stage, error) {
	ctx, span := util.StartSpan(ctx, "StageService.StartStage")
	defer span.End()

	st, b, err := s.runStage(ctx, freelancer, stageID, stageOp{
		name:      OpStartStage,
		action:    models.StageActionStart,
		authorize: requireFreelancer,
		apply: func(ctx context.Context, t *stageTx) error {
			t.stage.StartedAt = now()
			return nil
		},
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, models.EventTypeStageStarted, b, freelancer, st, "")
	return st, nil
}

// SubmitStageRequest carries the freelancer's delivery for a stage
type SubmitStageRequest struct {
	Notes     string   `json:"notes"`
	Artifacts []string `json:"artifacts"`
}

// SubmitStage hands a stage to the client for review. A rejected stage is
// resubmitted the same way.
func (s *StageService) SubmitStage(ctx context.Context, freelancer identity.Caller, stageID string, req *SubmitStageRequest) (*models.Stage, error) {
	ctx, span := util.StartSpan(ctx, "StageService.SubmitStage")
	defer span.End()

	st, b, err := s.runStage(ctx, freelancer, stageID, stageOp{
		name:      OpSubmitStage,
		action:    models.StageActionSubmit,
		authorize: requireFreelancer,
		apply: func(ctx context.Context, t *stageTx) error {
			t.stage.SubmissionNotes = req.Notes
			t.stage.Artifacts = append(make([]string, 0, len(req.Artifacts)), req.Artifacts...)
			t.stage.SubmittedAt = now()
			return nil
		},
		detail: func(st *models.Stage) string {
			return fmt.Sprintf("%d artifacts", len(st.Artifacts))
		},
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, models.EventTypeStageSubmitted, b, freelancer, st, "")
	return st, nil
}

// ApproveStage accepts a submitted stage. Funds move only on ReleaseStage.
func (s *StageService) ApproveStage(ctx context.Context, client identity.Caller, stageID string) (*models.Stage, error) {
	ctx, span := util.StartSpan(ctx, "StageService.ApproveStage")
	defer span.End()

	st, b, err := s.runStage(ctx, client, stageID, stageOp{
		name:      OpApproveStage,
		action:    models.StageActionApprove,
		authorize: requireClient,
		apply: func(ctx context.Context, t *stageTx) error {
			t.stage.ApprovedAt = now()
			return nil
		},
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, models.EventTypeStageApproved, b, client, st, "")
	return st, nil
}

// RejectStage sends a submitted stage back to the freelancer with a reason
func (s *StageService) RejectStage(ctx context.Context, client identity.Caller, stageID, reason string) (*models.Stage, error) {
	ctx, span := util.StartSpan(ctx, "StageService.RejectStage")
	defer span.End()

	st, b, err := s.runStage(ctx, client, stageID, stageOp{
		name:      OpRejectStage,
		action:    models.StageActionReject,
		authorize: requireClient,
		apply: func(ctx context.Context, t *stageTx) error {
			if strings.TrimSpace(reason) == "" {
				return apperr.Validation(apperr.CodeMissingReason, "rejecting a stage requires a reason")
			}
			t.stage.RejectionReason = reason
			t.stage.RejectedAt = now()
			return nil
		},
		detail: func(st *models.Stage) string { return st.RejectionReason },
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, models.EventTypeStageRejected, b, client, st, reason)
	return st, nil
}

// GetStage returns the latest committed state of a stage
func (s *StageService) GetStage(ctx context.Context, stageID string) (*models.Stage, error) {
	st, err := s.repo.GetStage(ctx, stageID)
	if err != nil {
		return nil, stageLoadError(err, stageID)
	}
	return st, nil
}

// ListStagesForBooking returns a booking's stages ordered by stage number
func (s *StageService) ListStagesForBooking(ctx context.Context, bookingID string) ([]models.Stage, error) {
	if _, err := s.repo.GetBooking(ctx, bookingID); err != nil {
		return nil, storeError(err, bookingID)
	}
	stages, err := s.repo.ListStages(ctx, bookingID)
	if err != nil {
		return nil, fmt.Errorf("failed to list stages: %w", err)
	}
	return stages, nil
}

func requireFreelancer(actor identity.Caller, b *models.Booking) error {
	if actor.ID() != b.FreelancerID {
		return apperr.Unauthorized("only the booking's freelancer may do this")
	}
	return nil
}

func requireClient(actor identity.Caller, b *models.Booking) error {
	if actor.ID() != b.ClientID {
		return apperr.Unauthorized("only the booking's client may do this")
	}
	return nil
}

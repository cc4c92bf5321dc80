package models

import (
	"time"

	"github.com/lib/pq"
)

// Service is a freelancer-owned offering in the catalog
type Service struct {
	ID        string        `db:"id" json:"id"`
	OwnerID   string        `db:"owner_id" json:"owner_id"`
	Category  string        `db:"category" json:"category"`
	Title     string        `db:"title" json:"title"`
	Status    ServiceStatus `db:"status" json:"status"`
	CreatedAt time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt time.Time     `db:"updated_at" json:"updated_at"`
}

// Package is a priced variant of a service
type Package struct {
	ID           string    `db:"id" json:"id"`
	ServiceID    string    `db:"service_id" json:"service_id"`
	Name         string    `db:"name" json:"name"`
	Price        int64     `db:"price" json:"price"`
	DeliveryDays int       `db:"delivery_days" json:"delivery_days"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// PackageView is what booking creation needs to know about a package.
// Status is inherited from the parent service.
type PackageView struct {
	PackageID    string        `db:"package_id" json:"package_id"`
	ServiceID    string        `db:"service_id" json:"service_id"`
	FreelancerID string        `db:"freelancer_id" json:"freelancer_id"`
	Price        int64         `db:"price" json:"price"`
	DeliveryDays int           `db:"delivery_days" json:"delivery_days"`
	Status       ServiceStatus `db:"status" json:"status"`
}

// Booking is a client's purchase of one package, with the price held in escrow
type Booking struct {
	ID                  string        `db:"id" json:"id"`
	PackageID           string        `db:"package_id" json:"package_id"`
	ClientID            string        `db:"client_id" json:"client_id"`
	FreelancerID        string        `db:"freelancer_id" json:"freelancer_id"`
	TotalAmount         int64         `db:"total_amount" json:"total_amount"`
	EscrowAmount        int64         `db:"escrow_amount" json:"escrow_amount"`
	RefundedAmount      int64         `db:"refunded_amount" json:"refunded_amount"`
	PaymentStatus       PaymentStatus `db:"payment_status" json:"payment_status"`
	Status              BookingStatus `db:"booking_status" json:"booking_status"`
	SpecialInstructions string        `db:"special_instructions" json:"special_instructions,omitempty"`
	IdempotencyKey      string        `db:"idempotency_key" json:"-"`
	FundingTxID         string        `db:"funding_tx_id" json:"funding_tx_id,omitempty"`
	CancelReason        string        `db:"cancel_reason" json:"cancel_reason,omitempty"`
	DisputeReason       string        `db:"dispute_reason" json:"dispute_reason,omitempty"`
	Version             int64         `db:"version" json:"version"`
	CreatedAt           time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time     `db:"updated_at" json:"updated_at"`
	CompletedAt         *time.Time    `db:"completed_at" json:"completed_at,omitempty"`
	CancelledAt         *time.Time    `db:"cancelled_at" json:"cancelled_at,omitempty"`
}

// IsParty reports whether id is the booking's client or freelancer
func (b *Booking) IsParty(id string) bool {
	return id != "" && (id == b.ClientID || id == b.FreelancerID)
}

// Stage is one instalment of a booking's payment plan
type Stage struct {
	ID              string         `db:"id" json:"id"`
	BookingID       string         `db:"booking_id" json:"booking_id"`
	Number          int            `db:"stage_number" json:"stage_number"`
	Title           string         `db:"title" json:"title"`
	Description     string         `db:"description" json:"description"`
	Amount          int64          `db:"amount" json:"amount"`
	Status          StageStatus    `db:"status" json:"status"`
	SubmissionNotes string         `db:"submission_notes" json:"submission_notes,omitempty"`
	Artifacts       pq.StringArray `db:"artifacts" json:"artifacts,omitempty"`
	RejectionReason string         `db:"rejection_reason" json:"rejection_reason,omitempty"`
	ReleaseTxID     string         `db:"release_tx_id" json:"release_tx_id,omitempty"`
	CreatedAt       time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at" json:"updated_at"`
	StartedAt       *time.Time     `db:"started_at" json:"started_at,omitempty"`
	SubmittedAt     *time.Time     `db:"submitted_at" json:"submitted_at,omitempty"`
	ApprovedAt      *time.Time     `db:"approved_at" json:"approved_at,omitempty"`
	RejectedAt      *time.Time     `db:"rejected_at" json:"rejected_at,omitempty"`
	ReleasedAt      *time.Time     `db:"released_at" json:"released_at,omitempty"`
}

// StageDef is the freelancer's input for one stage
type StageDef struct {
	Title       string `json:"title" binding:"required"`
	Description string `json:"description"`
	Amount      int64  `json:"amount"`
}

// AuditEntry is one append-only record of an attempted operation on a booking
type AuditEntry struct {
	ID        int64     `db:"id" json:"id"`
	BookingID string    `db:"booking_id" json:"booking_id"`
	StageID   string    `db:"stage_id" json:"stage_id,omitempty"`
	ActorID   string    `db:"actor_id" json:"actor_id"`
	Operation string    `db:"operation" json:"operation"`
	Outcome   string    `db:"outcome" json:"outcome"`
	ErrorCode string    `db:"error_code" json:"error_code,omitempty"`
	Detail    string    `db:"detail" json:"detail,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Audit outcomes
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// RailReceipt records a confirmed money movement on the payment rail
type RailReceipt struct {
	TxID           string    `db:"tx_id" json:"tx_id"`
	Kind           RailKind  `db:"kind" json:"kind"`
	IdempotencyKey string    `db:"idempotency_key" json:"idempotency_key"`
	PartyID        string    `db:"party_id" json:"party_id"`
	Amount         int64     `db:"amount" json:"amount"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// RailKind is the direction of a rail movement
type RailKind string

const (
	RailFund    RailKind = "FUND"
	RailRelease RailKind = "RELEASE"
	RailRefund  RailKind = "REFUND"
)

// ProcessedEvent for idempotent consumers
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}

// BookingFilter narrows ListBookingsFor
type BookingFilter struct {
	PartyID string
	Role    Role
	Status  BookingStatus
}

// Role of an identity on a booking
type Role string

const (
	RoleClient     Role = "client"
	RoleFreelancer Role = "freelancer"
)

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	return r == RoleClient || r == RoleFreelancer
}

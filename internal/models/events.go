package models

import "time"

// Event types
const (
	EventTypeBookingCreated   = "BOOKING_CREATED"
	EventTypeStagesCreated    = "STAGES_CREATED"
	EventTypeStageStarted     = "STAGE_STARTED"
	EventTypeStageSubmitted   = "STAGE_SUBMITTED"
	EventTypeStageApproved    = "STAGE_APPROVED"
	EventTypeStageRejected    = "STAGE_REJECTED"
	EventTypeStageReleased    = "STAGE_RELEASED"
	EventTypeBookingCancelled = "BOOKING_CANCELLED"
	EventTypeBookingDisputed  = "BOOKING_DISPUTED"
	EventTypeProjectCompleted = "PROJECT_COMPLETED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// BookingEvent is published after every committed booking or stage transition
type BookingEvent struct {
	BaseEvent
	BookingID     string        `json:"booking_id"`
	ActorID       string        `json:"actor_id"`
	ClientID      string        `json:"client_id"`
	FreelancerID  string        `json:"freelancer_id"`
	BookingStatus BookingStatus `json:"booking_status"`
	EscrowAmount  int64         `json:"escrow_amount"`
	StageID       string        `json:"stage_id,omitempty"`
	StageNumber   int           `json:"stage_number,omitempty"`
	StageStatus   StageStatus   `json:"stage_status,omitempty"`
	Amount        int64         `json:"amount,omitempty"`
	Reason        string        `json:"reason,omitempty"`
}

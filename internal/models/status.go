package models

import (
	"fmt"
	"sort"
	"strings"
)

// ServiceStatus is the lifecycle of a catalog service
type ServiceStatus string

const (
	ServiceActive  ServiceStatus = "Active"
	ServicePaused  ServiceStatus = "Paused"
	ServiceDeleted ServiceStatus = "Deleted"
)

// CanBecome reports whether a service may move to next. Deleted is terminal.
func (s ServiceStatus) CanBecome(next ServiceStatus) bool {
	switch s {
	case ServiceActive:
		return next == ServicePaused || next == ServiceDeleted
	case ServicePaused:
		return next == ServiceActive || next == ServiceDeleted
	default:
		return false
	}
}

// Valid reports whether s is a known status
func (s ServiceStatus) Valid() bool {
	return s == ServiceActive || s == ServicePaused || s == ServiceDeleted
}

// PaymentStatus tracks where a booking's money is
type PaymentStatus string

const (
	PaymentFunded            PaymentStatus = "Funded"
	PaymentPartiallyReleased PaymentStatus = "PartiallyReleased"
	PaymentReleased          PaymentStatus = "Released"
	PaymentRefunded          PaymentStatus = "Refunded"
)

// BookingStatus is the overall lifecycle of a booking
type BookingStatus string

const (
	BookingPending    BookingStatus = "Pending"
	BookingInProgress BookingStatus = "InProgress"
	BookingCompleted  BookingStatus = "Completed"
	BookingCancelled  BookingStatus = "Cancelled"
	BookingDisputed   BookingStatus = "Disputed"
)

// Valid reports whether s is a known status
func (s BookingStatus) Valid() bool {
	switch s {
	case BookingPending, BookingInProgress, BookingCompleted, BookingCancelled, BookingDisputed:
		return true
	}
	return false
}

// BookingAction is an operation that moves a booking between states
type BookingAction string

const (
	BookingActionStart    BookingAction = "start"
	BookingActionCancel   BookingAction = "cancel"
	BookingActionDispute  BookingAction = "dispute"
	BookingActionComplete BookingAction = "complete"
)

var bookingTransitions = map[BookingStatus]map[BookingAction]BookingStatus{
	BookingPending: {
		BookingActionStart:  BookingInProgress,
		BookingActionCancel: BookingCancelled,
	},
	BookingInProgress: {
		BookingActionCancel:   BookingCancelled,
		BookingActionDispute:  BookingDisputed,
		BookingActionComplete: BookingCompleted,
	},
}

// Apply returns the state reached by applying action, or an error when the
// action is illegal from s.
func (s BookingStatus) Apply(action BookingAction) (BookingStatus, error) {
	if next, ok := bookingTransitions[s][action]; ok {
		return next, nil
	}
	return s, &TransitionError{Entity: "booking", From: string(s), Action: string(action), Allowed: bookingSources(action)}
}

// StageStatus is the lifecycle of one payment stage
type StageStatus string

const (
	StagePending    StageStatus = "Pending"
	StageInProgress StageStatus = "InProgress"
	StageSubmitted  StageStatus = "Submitted"
	StageApproved   StageStatus = "Approved"
	StageRejected   StageStatus = "Rejected"
	StageReleased   StageStatus = "Released"
)

// AllStageStatuses lists every stage state
var AllStageStatuses = []StageStatus{
	StagePending, StageInProgress, StageSubmitted, StageApproved, StageRejected, StageReleased,
}

// StageAction is an operation that moves a stage between states
type StageAction string

const (
	StageActionStart   StageAction = "start"
	StageActionSubmit  StageAction = "submit"
	StageActionApprove StageAction = "approve"
	StageActionReject  StageAction = "reject"
	StageActionRelease StageAction = "release"
)

// AllStageActions lists every stage action
var AllStageActions = []StageAction{
	StageActionStart, StageActionSubmit, StageActionApprove, StageActionReject, StageActionRelease,
}

var stageTransitions = map[StageStatus]map[StageAction]StageStatus{
	StagePending: {
		StageActionStart:  StageInProgress,
		StageActionSubmit: StageSubmitted,
	},
	StageInProgress: {
		StageActionSubmit: StageSubmitted,
	},
	StageSubmitted: {
		StageActionApprove: StageApproved,
		StageActionReject:  StageRejected,
	},
	StageApproved: {
		StageActionRelease: StageReleased,
	},
	StageRejected: {
		StageActionSubmit: StageSubmitted,
	},
}

// Apply returns the state reached by applying action, or an error when the
// action is illegal from s. Released is terminal.
func (s StageStatus) Apply(action StageAction) (StageStatus, error) {
	if next, ok := stageTransitions[s][action]; ok {
		return next, nil
	}
	return s, &TransitionError{Entity: "stage", From: string(s), Action: string(action), Allowed: stageSources(action)}
}

// TransitionError describes an illegal transition
type TransitionError struct {
	Entity  string
	From    string
	Action  string
	Allowed []string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s cannot %s from %s (requires %s)", e.Entity, e.Action, e.From, e.Required())
}

// Required renders the legal source states for the action
func (e *TransitionError) Required() string {
	if len(e.Allowed) == 0 {
		return "none"
	}
	return strings.Join(e.Allowed, " or ")
}

func stageSources(action StageAction) []string {
	var out []string
	for from, actions := range stageTransitions {
		if _, ok := actions[action]; ok {
			out = append(out, string(from))
		}
	}
	sort.Strings(out)
	return out
}

func bookingSources(action BookingAction) []string {
	var out []string
	for from, actions := range bookingTransitions {
		if _, ok := actions[action]; ok {
			out = append(out, string(from))
		}
	}
	sort.Strings(out)
	return out
}

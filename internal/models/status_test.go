package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageTransitionsExhaustive(t *testing.T) {
	legal := map[StageStatus]map[StageAction]StageStatus{
		StagePending:    {StageActionStart: StageInProgress, StageActionSubmit: StageSubmitted},
		StageInProgress: {StageActionSubmit: StageSubmitted},
		StageSubmitted:  {StageActionApprove: StageApproved, StageActionReject: StageRejected},
		StageApproved:   {StageActionRelease: StageReleased},
		StageRejected:   {StageActionSubmit: StageSubmitted},
	}

	for _, from := range AllStageStatuses {
		for _, action := range AllStageActions {
			next, err := from.Apply(action)
			want, ok := legal[from][action]
			if ok {
				require.NoError(t, err, "%s + %s", from, action)
				assert.Equal(t, want, next)
				continue
			}
			var terr *TransitionError
			require.ErrorAs(t, err, &terr, "%s + %s should be illegal", from, action)
			assert.Equal(t, from, next)
		}
	}
}

func TestReleasedIsTerminal(t *testing.T) {
	for _, action := range AllStageActions {
		_, err := StageReleased.Apply(action)
		assert.Error(t, err)
	}
}

func TestTransitionErrorDescribesRequiredState(t *testing.T) {
	_, err := StagePending.Apply(StageActionApprove)
	require.Error(t, err)
	assert.Equal(t, "stage cannot approve from Pending (requires Submitted)", err.Error())

	_, err = StageApproved.Apply(StageActionSubmit)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "InProgress or Pending or Rejected")
}

func TestBookingTransitions(t *testing.T) {
	next, err := BookingInProgress.Apply(BookingActionComplete)
	require.NoError(t, err)
	assert.Equal(t, BookingCompleted, next)

	next, err = BookingPending.Apply(BookingActionCancel)
	require.NoError(t, err)
	assert.Equal(t, BookingCancelled, next)

	for _, from := range []BookingStatus{BookingCompleted, BookingCancelled, BookingDisputed} {
		for _, action := range []BookingAction{BookingActionStart, BookingActionCancel, BookingActionDispute, BookingActionComplete} {
			_, err := from.Apply(action)
			assert.Error(t, err, "%s + %s", from, action)
		}
	}

	_, err = BookingPending.Apply(BookingActionComplete)
	assert.Error(t, err)
}

func TestServiceStatusCanBecome(t *testing.T) {
	assert.True(t, ServiceActive.CanBecome(ServicePaused))
	assert.True(t, ServicePaused.CanBecome(ServiceActive))
	assert.True(t, ServicePaused.CanBecome(ServiceDeleted))
	assert.False(t, ServiceDeleted.CanBecome(ServiceActive))
	assert.False(t, ServiceActive.CanBecome(ServiceActive))
}

package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

var allStatuses = []Status{StatusPending, StatusActive, StatusDenied, StatusDeleted}

func TestStatusValid(t *testing.T) {
	for _, status := range allStatuses {
		assert.True(t, status.Valid(), "%s should be valid", status)
	}

	assert.False(t, Status("Bogus").Valid())
	assert.False(t, Status("").Valid())
	assert.False(t, Status("pending").Valid(), "status values are case sensitive")
}

func TestTransitionTable(t *testing.T) {
	legal := map[Status][]Status{
		StatusPending: {StatusActive, StatusDenied},
		StatusDenied:  {StatusActive},
		StatusActive:  {StatusDeleted},
		StatusDeleted: {StatusActive, StatusPending},
	}

	for _, from := range allStatuses {
		for _, to := range allStatuses {
			want := false
			for _, next := range legal[from] {
				if next == to {
					want = true
				}
			}
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestAllowedFrom(t *testing.T) {
	assert.ElementsMatch(t, []Status{StatusPending, StatusDenied, StatusDeleted}, AllowedFrom(StatusActive))
	assert.ElementsMatch(t, []Status{StatusPending}, AllowedFrom(StatusDenied))
	assert.ElementsMatch(t, []Status{StatusActive}, AllowedFrom(StatusDeleted))
	assert.ElementsMatch(t, []Status{StatusDeleted}, AllowedFrom(StatusPending))
	assert.Empty(t, AllowedFrom(Status("Bogus")))
}

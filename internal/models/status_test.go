package models

import "testing"

func TestRequestTransitions(t *testing.T) {
	cases := []struct {
		from, to RequestStatus
		ok       bool
	}{
		{RequestUnassigned, RequestAssigned, true},
		{RequestAssigned, RequestReassigning, true},
		{RequestReassigning, RequestAssigned, true},
		{RequestReassigning, RequestAbandoned, true},
		{RequestAssigned, RequestPickedUp, true},
		{RequestPickedUp, RequestCompleted, true},
		{RequestPickedUp, RequestCancelled, true},
		{RequestCompleted, RequestAssigned, false},
		{RequestAbandoned, RequestAssigned, false},
		{RequestCancelled, RequestAssigned, false},
		{RequestUnassigned, RequestCompleted, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransition(c.to); got != c.ok {
			t.Errorf("%s -> %s: expected %v, got %v", c.from, c.to, c.ok, got)
		}
	}
}

func TestTerminalStates(t *testing.T) {
	for _, s := range []RequestStatus{RequestCompleted, RequestCancelled, RequestAbandoned} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	if RequestAssigned.Terminal() {
		t.Error("assigned should not be terminal")
	}
}

func TestAssignmentTransitions(t *testing.T) {
	if !AssignmentAssigned.CanTransition(AssignmentRejected) {
		t.Error("assigned -> rejected should be legal")
	}
	if AssignmentRejected.CanTransition(AssignmentCompleted) {
		t.Error("rejected -> completed should be illegal")
	}
	if !AssignmentPickedUp.Active() || AssignmentRejected.Active() {
		t.Error("Active() wrong")
	}
}

package models

import "errors"

// ErrInvalidTransition is returned when a lifecycle move is not allowed by
// the request or assignment state machine.
var ErrInvalidTransition = errors.New("invalid status transition")

// RequestStatus is the lifecycle state of a ServiceRequest.
type RequestStatus string

const (
	RequestUnassigned  RequestStatus = "unassigned"
	RequestAssigned    RequestStatus = "assigned"
	RequestReassigning RequestStatus = "reassigning"
	RequestPickedUp    RequestStatus = "picked_up"
	RequestCompleted   RequestStatus = "completed"
	RequestCancelled   RequestStatus = "cancelled"
	RequestAbandoned   RequestStatus = "abandoned"
)

// requestTransitions encodes the dispatch state machine:
// unassigned -> assigned -> (picked_up -> completed) | reassigning -> assigned ...
// cancelled is reachable from any non-terminal state; completed, cancelled
// and abandoned are terminal.
var requestTransitions = map[RequestStatus][]RequestStatus{
	RequestUnassigned:  {RequestAssigned, RequestCancelled, RequestAbandoned},
	RequestAssigned:    {RequestPickedUp, RequestReassigning, RequestCancelled},
	RequestReassigning: {RequestAssigned, RequestAbandoned, RequestCancelled},
	RequestPickedUp:    {RequestCompleted, RequestCancelled},
}

// CanTransition reports whether the move from s to next is legal.
func (s RequestStatus) CanTransition(next RequestStatus) bool {
	for _, v := range requestTransitions[s] {
		if v == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s RequestStatus) Terminal() bool {
	return len(requestTransitions[s]) == 0
}

// Valid reports whether s is a known request status.
func (s RequestStatus) Valid() bool {
	switch s {
	case RequestUnassigned, RequestAssigned, RequestReassigning,
		RequestPickedUp, RequestCompleted, RequestCancelled, RequestAbandoned:
		return true
	}
	return false
}

// AssignmentStatus is the lifecycle state of one Assignment.
type AssignmentStatus string

const (
	AssignmentAssigned  AssignmentStatus = "assigned"
	AssignmentPickedUp  AssignmentStatus = "picked_up"
	AssignmentRejected  AssignmentStatus = "rejected"
	AssignmentCompleted AssignmentStatus = "completed"
	AssignmentCancelled AssignmentStatus = "cancelled"
)

var assignmentTransitions = map[AssignmentStatus][]AssignmentStatus{
	AssignmentAssigned: {AssignmentPickedUp, AssignmentRejected, AssignmentCancelled},
	AssignmentPickedUp: {AssignmentCompleted, AssignmentCancelled},
}

// CanTransition reports whether the move from s to next is legal.
func (s AssignmentStatus) CanTransition(next AssignmentStatus) bool {
	for _, v := range assignmentTransitions[s] {
		if v == next {
			return true
		}
	}
	return false
}

// Active reports whether the assignment still binds a worker to a station.
func (s AssignmentStatus) Active() bool {
	return s == AssignmentAssigned || s == AssignmentPickedUp
}

// Valid reports whether s is a known assignment status.
func (s AssignmentStatus) Valid() bool {
	switch s {
	case AssignmentAssigned, AssignmentPickedUp, AssignmentRejected,
		AssignmentCompleted, AssignmentCancelled:
		return true
	}
	return false
}

package model

// Status is the lifecycle state of an execution record.
//
// Transitions are one-directional:
//
//	PENDING -> RUNNING -> SUCCESS | FAILED | TIMEOUT
//	PENDING -> CANCELLED
//	RUNNING -> FAILED (pre-launch errors: missing rules, generation failure)
//
// Terminal states are never left.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusSuccess   Status = "SUCCESS"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
	StatusTimeout   Status = "TIMEOUT"
)

func (s Status) String() string { return string(s) }

// Terminal reports whether no further transitions may occur.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

var AllStatuses = []Status{
	StatusPending,
	StatusRunning,
	StatusSuccess,
	StatusFailed,
	StatusCancelled,
	StatusTimeout,
}

type transition struct {
	from Status
	to   Status
}

var validTransitions = []transition{
	{from: StatusPending, to: StatusRunning},
	{from: StatusPending, to: StatusCancelled},
	{from: StatusRunning, to: StatusSuccess},
	{from: StatusRunning, to: StatusFailed},
	{from: StatusRunning, to: StatusTimeout},
}

// ValidTransition reports whether moving from one status to another is allowed.
func ValidTransition(from, to Status) bool {
	for _, t := range validTransitions {
		if t.from == from && t.to == to {
			return true
		}
	}
	return false
}

package status

type Status = int32

const (
	Pending Status = iota
	Active
	Paused
	Completed
	Failed
	Queued
	Cancelled
	// Warned is a clean terminal state: backup access expired, the task
	// stops with an output card instead of an error.
	Warned
)

// IsTerminal reports whether no further work will happen for this status.
func IsTerminal(s Status) bool {
	return s == Completed || s == Failed || s == Cancelled || s == Warned
}

func String(s Status) string {
	switch s {
	case Pending:
		return "pending"
	case Active:
		return "active"
	case Paused:
		return "paused"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Queued:
		return "queued"
	case Cancelled:
		return "cancelled"
	case Warned:
		return "warned"
	default:
		return "unknown"
	}
}

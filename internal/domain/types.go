package domain

// Priority adjusts resource allocation and scheduling aggressiveness.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

func NormalizePriority(v string) Priority {
	switch Priority(v) {
	case PriorityLow, PriorityNormal, PriorityHigh:
		return Priority(v)
	default:
		return PriorityNormal
	}
}

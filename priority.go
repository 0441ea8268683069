package ircsession

import "fmt"

// Priority is the outbound queue hint attached to each submitted line.
// Lines of equal priority are written in submission order; high priority
// lines are taken before any queued normal line.
type Priority int

const (
	// PriorityNormal is the default for every protocol line.
	PriorityNormal Priority = iota
	// PriorityHigh is used for blob publishes.
	PriorityHigh
)

// String returns a human-readable name for the priority.
func (p Priority) String() string {
	switch p {
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}

// IsValid reports whether p is a known priority.
func (p Priority) IsValid() bool {
	return p == PriorityNormal || p == PriorityHigh
}

// priorityFor returns the hint used for an application command. Only blob
// publishes jump the queue.
func priorityFor(cmd Command) Priority {
	if oc, ok := cmd.(OtherCommand); ok && oc.Command == CmdPublishBlob {
		return PriorityHigh
	}
	return PriorityNormal
}

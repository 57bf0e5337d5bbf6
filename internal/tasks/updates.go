package tasks

import (
	"fmt"
	"time"
)

// ProgressUpdate represents a progress event during a resolution.
//
// Used to send real-time updates to the CLI or UI layer for display.
type ProgressUpdate struct {
	Phase    Phase  // Resolution phase
	Step     int    // 1-based strategy position
	Total    int    // Number of strategies
	Strategy string // Strategy name
	Message  string // Human-readable message for display
	Data     any    // Optional phase-specific data (the [Attempt] once finished)
}

// Resolution phase enumeration
type Phase int

const (
	AttemptStrategy Phase = iota
	StrategySucceeded
	StrategyGated
	StrategyFailed
	Exhausted
)

func (p Phase) String() string {
	switch p {
	case AttemptStrategy:
		return "attempt"
	case StrategySucceeded:
		return "succeeded"
	case StrategyGated:
		return "gated"
	case StrategyFailed:
		return "failed"
	case Exhausted:
		return "exhausted"
	default:
		return ""
	}
}

func attemptUpdate(step, total int, name, mediaID string) ProgressUpdate {
	return ProgressUpdate{
		Phase:    AttemptStrategy,
		Step:     step,
		Total:    total,
		Strategy: name,
		Message:  fmt.Sprintf("Trying %s for %s...", name, mediaID),
	}
}

func outcomeUpdate(step, total int, a Attempt) ProgressUpdate {
	u := ProgressUpdate{
		Step:     step,
		Total:    total,
		Strategy: a.Strategy,
		Data:     a,
	}

	switch a.Outcome {
	case Succeeded:
		u.Phase = StrategySucceeded
		u.Message = fmt.Sprintf("%s succeeded in %s", a.Strategy, a.Duration.Round(time.Millisecond))
	case Gated:
		u.Phase = StrategyGated
		u.Message = fmt.Sprintf("%s skipped: %v", a.Strategy, a.Err)
	default:
		u.Phase = StrategyFailed
		u.Message = fmt.Sprintf("%s failed: %v", a.Strategy, a.Err)
	}
	return u
}

func exhaustedUpdate(total int, mediaID string) ProgressUpdate {
	return ProgressUpdate{
		Phase:   Exhausted,
		Step:    total,
		Total:   total,
		Message: fmt.Sprintf("No strategy could convert %s", mediaID),
	}
}

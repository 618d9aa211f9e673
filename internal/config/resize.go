package config

import "fmt"

// ResizeAction is one of the queue-cap edits the resize CLI applies to the
// configuration file.
type ResizeAction string

const (
	// ResizeIncrease doubles both caps.
	ResizeIncrease ResizeAction = "INCREASE"
	// ResizeDecrease halves both caps, never below 1.
	ResizeDecrease ResizeAction = "DECREASE"
	// ResizeLock zeroes both caps so no new pipeline is admitted.
	ResizeLock ResizeAction = "LOCK"
	// ResizeReset restores the default caps.
	ResizeReset ResizeAction = "RESET"
	// ResizeCPU sets max_cpus to an explicit value.
	ResizeCPU ResizeAction = "CPU"
	// ResizeLoad sets max_loading to an explicit value.
	ResizeLoad ResizeAction = "LOAD"
)

// ParseResizeAction validates a CLI-supplied action name.
func ParseResizeAction(s string) (ResizeAction, error) {
	switch a := ResizeAction(s); a {
	case ResizeIncrease, ResizeDecrease, ResizeLock, ResizeReset, ResizeCPU, ResizeLoad:
		return a, nil
	}
	return "", fmt.Errorf("unknown resize action %q", s)
}

// Resize applies the action to the queue section. value is only consulted
// for the explicit CPU and LOAD actions.
func (q *QueueConfig) Resize(action ResizeAction, value int) error {
	switch action {
	case ResizeIncrease:
		q.MaxCPUs *= 2
		q.MaxLoading *= 2
	case ResizeDecrease:
		q.MaxCPUs = halve(q.MaxCPUs)
		q.MaxLoading = halve(q.MaxLoading)
	case ResizeLock:
		q.MaxCPUs = 0
		q.MaxLoading = 0
	case ResizeReset:
		q.MaxCPUs = DefaultMaxCPUs
		q.MaxLoading = DefaultMaxLoading
	case ResizeCPU:
		if value < 0 {
			return fmt.Errorf("max_cpus must be >= 0, got %d", value)
		}
		q.MaxCPUs = value
	case ResizeLoad:
		if value < 0 {
			return fmt.Errorf("max_loading must be >= 0, got %d", value)
		}
		q.MaxLoading = value
	default:
		return fmt.Errorf("unknown resize action %q", action)
	}
	return nil
}

func halve(n int) int {
	if n <= 1 {
		return 1
	}
	return n / 2
}

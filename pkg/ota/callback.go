package ota

import "fmt"

// Reason is why the host callback is being invoked.
type Reason int

const (
	ReasonStateChange Reason = iota
	ReasonSuccess
	ReasonFailure
)

func (r Reason) String() string {
	switch r {
	case ReasonStateChange:
		return "state-change"
	case ReasonSuccess:
		return "success"
	case ReasonFailure:
		return "failure"
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

// Result is the host's answer to a callback.
type Result int

const (
	// ResultContinue lets the agent proceed.
	ResultContinue Result = iota
	// ResultStop cancels the cycle cooperatively; it is not an error.
	ResultStop
	// ResultAppSuccess means the host performed the step itself.
	ResultAppSuccess
	// ResultAppFailed fails the step and the update with it.
	ResultAppFailed
)

func (r Result) String() string {
	switch r {
	case ResultContinue:
		return "continue"
	case ResultStop:
		return "stop"
	case ResultAppSuccess:
		return "app-success"
	case ResultAppFailed:
		return "app-failed"
	}
	return fmt.Sprintf("result(%d)", int(r))
}

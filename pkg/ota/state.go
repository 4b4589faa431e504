package ota

import "fmt"

// State is one step of the update lifecycle. Exactly one is active at a time.
type State int

const (
	StateNotInitialized State = iota
	StateExiting
	StateInitializing
	StateAgentStarted
	StateAgentWaiting
	StateStorageOpen
	StateStorageWrite
	StateStorageClose
	StateStartUpdate
	StateJobConnect
	StateJobDownload
	StateJobDisconnect
	StateJobParse
	StateJobRedirect
	StateDataConnect
	StateDataDownload
	StateDataDisconnect
	StateVerify
	StateResultRedirect
	StateResultConnect
	StateResultSend
	StateResultResponse
	StateResultDisconnect
	StateOTAComplete

	numStates
)

// Phase groups related states. Transitions are declared per state but states
// are reasoned about per phase: which connection they own, which cleanup a
// stop requires.
type Phase int

const (
	PhaseAgent Phase = iota
	PhaseStorage
	PhaseJob
	PhaseData
	PhaseVerify
	PhaseResult
)

type stateInfo struct {
	name  string
	phase Phase
	// notify on entry
	announce bool
}

var states = [numStates]stateInfo{
	StateNotInitialized:   {"NOT_INITIALIZED", PhaseAgent, false},
	StateExiting:          {"EXITING", PhaseAgent, true},
	StateInitializing:     {"INITIALIZING", PhaseAgent, true},
	StateAgentStarted:     {"AGENT_STARTED", PhaseAgent, true},
	StateAgentWaiting:     {"AGENT_WAITING", PhaseAgent, true},
	StateStorageOpen:      {"STORAGE_OPEN", PhaseStorage, true},
	StateStorageWrite:     {"STORAGE_WRITE", PhaseStorage, true},
	StateStorageClose:     {"STORAGE_CLOSE", PhaseStorage, true},
	StateStartUpdate:      {"START_UPDATE", PhaseAgent, true},
	StateJobConnect:       {"JOB_CONNECT", PhaseJob, true},
	StateJobDownload:      {"JOB_DOWNLOAD", PhaseJob, true},
	StateJobDisconnect:    {"JOB_DISCONNECT", PhaseJob, true},
	StateJobParse:         {"JOB_PARSE", PhaseJob, true},
	StateJobRedirect:      {"JOB_REDIRECT", PhaseJob, true},
	StateDataConnect:      {"DATA_CONNECT", PhaseData, true},
	StateDataDownload:     {"DATA_DOWNLOAD", PhaseData, true},
	StateDataDisconnect:   {"DATA_DISCONNECT", PhaseData, true},
	StateVerify:           {"VERIFY", PhaseVerify, true},
	StateResultRedirect:   {"RESULT_REDIRECT", PhaseResult, true},
	StateResultConnect:    {"RESULT_CONNECT", PhaseResult, true},
	StateResultSend:       {"RESULT_SEND", PhaseResult, true},
	StateResultResponse:   {"RESULT_RESPONSE", PhaseResult, true},
	StateResultDisconnect: {"RESULT_DISCONNECT", PhaseResult, true},
	StateOTAComplete:      {"OTA_COMPLETE", PhaseAgent, true},
}

// Valid reports whether s is a declared state.
func (s State) Valid() bool {
	return s >= 0 && s < numStates
}

func (s State) String() string {
	if !s.Valid() {
		return fmt.Sprintf("STATE(%d)", int(s))
	}
	return states[s].name
}

// Phase returns the group s belongs to.
func (s State) Phase() Phase {
	if !s.Valid() {
		return PhaseAgent
	}
	return states[s].phase
}

// Announced reports whether entering s notifies the host.
func (s State) Announced() bool {
	return s.Valid() && states[s].announce
}

// States lists every declared state in lifecycle order.
func States() []State {
	all := make([]State, 0, numStates)
	for s := State(0); s < numStates; s++ {
		all = append(all, s)
	}
	return all
}

func (p Phase) String() string {
	switch p {
	case PhaseAgent:
		return "agent"
	case PhaseStorage:
		return "storage"
	case PhaseJob:
		return "job"
	case PhaseData:
		return "data"
	case PhaseVerify:
		return "verify"
	case PhaseResult:
		return "result"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

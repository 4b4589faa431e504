package agent

import (
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/ota"
	"github.com/pkg/errors"
)

// projection names where a state goes next. The first success state is the
// usual one; states with a choice pick among the others at run time.
type projection struct {
	success []ota.State
	failure ota.State
	stop    ota.State
}

func to(states ...ota.State) []ota.State {
	return states
}

var projections = map[ota.State]projection{
	ota.StateNotInitialized: {to(ota.StateInitializing), ota.StateExiting, ota.StateExiting},
	ota.StateInitializing:   {to(ota.StateAgentStarted), ota.StateExiting, ota.StateExiting},
	ota.StateAgentStarted:   {to(ota.StateAgentWaiting), ota.StateExiting, ota.StateExiting},
	ota.StateAgentWaiting:   {to(ota.StateStartUpdate), ota.StateExiting, ota.StateExiting},

	ota.StateStartUpdate: {to(ota.StateJobConnect, ota.StateStorageOpen), ota.StateOTAComplete, ota.StateOTAComplete},

	ota.StateJobConnect:    {to(ota.StateJobDownload), ota.StateAgentWaiting, ota.StateOTAComplete},
	ota.StateJobDownload:   {to(ota.StateJobDisconnect), ota.StateJobDisconnect, ota.StateJobDisconnect},
	ota.StateJobDisconnect: {to(ota.StateJobParse), ota.StateOTAComplete, ota.StateOTAComplete},
	ota.StateJobParse:      {to(ota.StateStorageOpen, ota.StateJobRedirect), ota.StateResultRedirect, ota.StateOTAComplete},
	ota.StateJobRedirect:   {to(ota.StateStorageOpen), ota.StateResultRedirect, ota.StateOTAComplete},

	ota.StateStorageOpen: {to(ota.StateDataConnect), ota.StateResultRedirect, ota.StateOTAComplete},

	ota.StateDataConnect:    {to(ota.StateDataDownload), ota.StateAgentWaiting, ota.StateOTAComplete},
	ota.StateDataDownload:   {to(ota.StateDataDisconnect), ota.StateDataDisconnect, ota.StateDataDisconnect},
	ota.StateStorageWrite:   {to(ota.StateDataDownload), ota.StateDataDownload, ota.StateDataDownload},
	ota.StateDataDisconnect: {to(ota.StateStorageClose), ota.StateStorageClose, ota.StateOTAComplete},

	ota.StateStorageClose: {to(ota.StateVerify), ota.StateResultRedirect, ota.StateOTAComplete},
	ota.StateVerify: {
		to(ota.StateResultRedirect, ota.StateResultConnect, ota.StateOTAComplete),
		ota.StateResultRedirect, ota.StateOTAComplete,
	},

	ota.StateResultRedirect:   {to(ota.StateResultConnect), ota.StateOTAComplete, ota.StateOTAComplete},
	ota.StateResultConnect:    {to(ota.StateResultSend), ota.StateOTAComplete, ota.StateOTAComplete},
	ota.StateResultSend:       {to(ota.StateResultResponse), ota.StateResultDisconnect, ota.StateResultDisconnect},
	ota.StateResultResponse:   {to(ota.StateResultDisconnect), ota.StateResultDisconnect, ota.StateResultDisconnect},
	ota.StateResultDisconnect: {to(ota.StateOTAComplete), ota.StateOTAComplete, ota.StateOTAComplete},

	ota.StateOTAComplete: {to(ota.StateAgentWaiting), ota.StateAgentWaiting, ota.StateAgentWaiting},
}

// extraEdges are transitions the projections do not name.
var extraEdges = map[ota.State][]ota.State{
	// Each accepted chunk passes through STORAGE_WRITE.
	ota.StateDataDownload: {ota.StateStorageWrite},
	// Failures skip RESULT_REDIRECT when the job server is still the one
	// connected to.
	ota.StateJobParse:     {ota.StateResultConnect},
	ota.StateJobRedirect:  {ota.StateResultConnect},
	ota.StateStorageOpen:  {ota.StateResultConnect},
	ota.StateStorageClose: {ota.StateResultConnect},
}

var allowed = deriveAllowed()

func deriveAllowed() map[ota.State]map[ota.State]bool {
	table := map[ota.State]map[ota.State]bool{}
	add := func(from, to ota.State) {
		if table[from] == nil {
			table[from] = map[ota.State]bool{}
		}
		table[from][to] = true
	}
	for from, p := range projections {
		for _, s := range p.success {
			add(from, s)
		}
		add(from, p.failure)
		add(from, p.stop)
	}
	for from, tos := range extraEdges {
		for _, s := range tos {
			add(from, s)
		}
	}
	// Any state may exit; EXITING itself is terminal.
	for _, s := range ota.States() {
		if s != ota.StateExiting {
			add(s, ota.StateExiting)
		}
	}
	return table
}

func checkTransition(from, to ota.State) error {
	if !allowed[from][to] {
		return errors.Errorf("illegal transition from %s to %s", from, to)
	}
	return nil
}

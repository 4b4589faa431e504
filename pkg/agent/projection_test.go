package agent

import (
	"fmt"
	"testing"

	"github.com/amazonlinux/bottlerocket/otawatch/pkg/ota"
	"gotest.tools/assert"
)

func TestProjectionsCoverStates(t *testing.T) {
	for _, s := range ota.States() {
		if s == ota.StateExiting {
			_, ok := projections[s]
			assert.Check(t, !ok, "EXITING is terminal")
			continue
		}
		p, ok := projections[s]
		assert.Check(t, ok, "no projection for %s", s)
		assert.Check(t, len(p.success) > 0, "no success state for %s", s)
	}
}

func TestProjectionsAllowed(t *testing.T) {
	for from, p := range projections {
		for _, to := range append(append([]ota.State{}, p.success...), p.failure, p.stop) {
			assert.Check(t, checkTransition(from, to), "%s -> %s", from, to)
		}
		assert.NilError(t, checkTransition(from, ota.StateExiting))
	}
}

func TestCheckTransition(t *testing.T) {
	legal := [][2]ota.State{
		{ota.StateAgentWaiting, ota.StateStartUpdate},
		{ota.StateStartUpdate, ota.StateStorageOpen},
		{ota.StateDataDownload, ota.StateStorageWrite},
		{ota.StateStorageWrite, ota.StateDataDownload},
		{ota.StateJobParse, ota.StateResultConnect},
		{ota.StateJobConnect, ota.StateAgentWaiting},
		{ota.StateVerify, ota.StateOTAComplete},
		{ota.StateOTAComplete, ota.StateAgentWaiting},
		{ota.StateDataConnect, ota.StateExiting},
	}
	illegal := [][2]ota.State{
		{ota.StateAgentWaiting, ota.StateDataDownload},
		{ota.StateExiting, ota.StateAgentWaiting},
		{ota.StateOTAComplete, ota.StateStartUpdate},
		{ota.StateJobConnect, ota.StateDataConnect},
		{ota.StateVerify, ota.StateStorageWrite},
		{ota.StateNotInitialized, ota.StateAgentWaiting},
		{ota.StateResultSend, ota.StateJobConnect},
	}
	for _, tc := range legal {
		t.Run(fmt.Sprintf("legal(%s,%s)", tc[0], tc[1]), func(t *testing.T) {
			assert.NilError(t, checkTransition(tc[0], tc[1]))
		})
	}
	for _, tc := range illegal {
		t.Run(fmt.Sprintf("illegal(%s,%s)", tc[0], tc[1]), func(t *testing.T) {
			assert.Check(t, checkTransition(tc[0], tc[1]) != nil)
		})
	}
}

func TestTrailBounded(t *testing.T) {
	tr := newTrail()
	for i := 0; i < trailLength+10; i++ {
		tr.record(Step{From: ota.StateAgentWaiting, To: ota.StateStartUpdate})
	}
	tr.record(Step{From: ota.StateStartUpdate, To: ota.StateJobConnect})
	steps := tr.steps()
	assert.Equal(t, len(steps), trailLength)
	assert.Equal(t, steps[len(steps)-1].To, ota.StateJobConnect)
	assert.Check(t, tr.visited(ota.StateJobConnect))
	assert.Check(t, !tr.visited(ota.StateVerify))
}

package ota

import (
	"testing"

	"github.com/pkg/errors"
	"gotest.tools/assert"
)

func TestStateStrings(t *testing.T) {
	for _, s := range States() {
		assert.Check(t, s.String() != "", "state %d has no name", int(s))
	}
	assert.Equal(t, StateAgentWaiting.String(), "AGENT_WAITING")
	assert.Equal(t, StateOTAComplete.String(), "OTA_COMPLETE")
	assert.Equal(t, State(-1).String(), "STATE(-1)")
	assert.Equal(t, len(States()), 24)
}

func TestStatePhases(t *testing.T) {
	cases := map[State]Phase{
		StateJobConnect:       PhaseJob,
		StateDataDownload:     PhaseData,
		StateStorageWrite:     PhaseStorage,
		StateVerify:           PhaseVerify,
		StateResultDisconnect: PhaseResult,
		StateOTAComplete:      PhaseAgent,
	}
	for state, phase := range cases {
		assert.Equal(t, state.Phase(), phase, state.String())
	}
	for _, s := range States() {
		assert.Check(t, s.Announced() == (s != StateNotInitialized), s.String())
	}
	assert.Check(t, !State(-1).Announced())
}

func TestVersionNewer(t *testing.T) {
	cases := []struct {
		candidate, running string
		newer              bool
	}{
		{"1.0.1", "1.0.0", true},
		{"1.1.0", "1.0.9", true},
		{"2.0.0", "1.9.9", true},
		{"1.0.0", "1.0.0", false},
		{"1.0.0", "1.0.1", false},
		{"0.9.9", "1.0.0", false},
		{"1.0.0.7", "1.0.0.1", false},
	}
	for _, tc := range cases {
		t.Run(tc.candidate+">"+tc.running, func(t *testing.T) {
			c, err := ParseVersion(tc.candidate)
			assert.NilError(t, err)
			r, err := ParseVersion(tc.running)
			assert.NilError(t, err)
			assert.Equal(t, c.Newer(r), tc.newer)
		})
	}

	_, err := ParseVersion("1.2")
	assert.ErrorContains(t, err, "major.minor.build")
	_, err = ParseVersion("1.x.3")
	assert.Check(t, err != nil)
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, CodeOf(nil), CodeSuccess)
	assert.Equal(t, CodeOf(errors.New("plain")), CodeGeneral)

	err := errors.WithMessage(NewError(CodeConnect, "dial", errors.New("refused")), "job connect")
	assert.Equal(t, CodeOf(err), CodeConnect)
	assert.Equal(t, KindOf(err), KindTransportConnect)
	assert.ErrorContains(t, err, "dial: connecting: refused")

	assert.Equal(t, CodeVerify.Kind(), KindVerification)
	assert.Equal(t, CodeNoUpdateAvailable.Kind(), KindNone)
	assert.Check(t, CodeChangingServer.Informational())
	assert.Check(t, !CodeTimeout.Informational())
}

func TestSnapshotClone(t *testing.T) {
	snap := Snapshot{Pending: &Descriptor{AppID: "app"}}
	clone := snap.Clone()
	clone.Pending.AppID = "changed"
	assert.Equal(t, snap.Pending.AppID, "app")

	assert.Equal(t, Progress{TotalSize: 1000, BytesWritten: 500}.Percent(), 50)
	assert.Equal(t, Progress{}.Percent(), 0)
}

func TestParseConnectionKind(t *testing.T) {
	kind, err := ParseConnectionKind("https")
	assert.NilError(t, err)
	assert.Equal(t, kind, ConnectionHTTPS)
	kind, err = ParseConnectionKind("MQTT")
	assert.NilError(t, err)
	assert.Equal(t, kind, ConnectionMQTT)
	_, err = ParseConnectionKind("carrier-pigeon")
	assert.ErrorContains(t, err, "unknown connection kind")
}

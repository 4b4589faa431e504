package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/amazonlinux/bottlerocket/otawatch/pkg/ota"
	"gotest.tools/assert"
)

func TestRecordRecent(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "db", "history.db"))
	assert.NilError(t, err)
	defer s.Close()
	ctx := context.Background()

	base := time.Unix(1700000000, 0)
	entries := []*Entry{
		{Started: base, Finished: base.Add(time.Minute), Flow: ota.FlowJob, Connection: ota.ConnectionHTTP, Version: "1.2.0", Code: ota.CodeSuccess, Bytes: 1000, Attempts: 1},
		{Started: base.Add(time.Hour), Finished: base.Add(time.Hour), Flow: ota.FlowJob, Connection: ota.ConnectionMQTT, Code: ota.CodeAppExceededRetries, Err: "exceeded retries", Attempts: 3},
		{Started: base.Add(2 * time.Hour), Finished: base.Add(2 * time.Hour), Code: ota.CodeNoUpdateAvailable},
	}
	for _, e := range entries {
		id, err := s.Record(ctx, e)
		assert.NilError(t, err)
		assert.Check(t, id > 0)
	}

	got, err := s.Recent(ctx, 2)
	assert.NilError(t, err)
	assert.Equal(t, len(got), 2)
	assert.Equal(t, got[0].Code, ota.CodeNoUpdateAvailable)
	assert.Equal(t, got[1].Connection, ota.ConnectionMQTT)
	assert.Equal(t, got[1].Err, "exceeded retries")
	assert.Check(t, got[1].Started.Equal(base.Add(time.Hour)))
	assert.Check(t, !got[1].Succeeded())
	assert.Check(t, got[0].Succeeded())

	last, err := s.LastSuccess(ctx)
	assert.NilError(t, err)
	assert.Equal(t, last.Version, "1.2.0")
	assert.Equal(t, last.Bytes, int64(1000))
}

func TestReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	assert.NilError(t, err)
	_, err = s.Record(context.Background(), &Entry{Started: time.Now(), Finished: time.Now()})
	assert.NilError(t, err)
	assert.NilError(t, s.Close())

	s, err = Open(path)
	assert.NilError(t, err)
	defer s.Close()
	got, err := s.Recent(context.Background(), 10)
	assert.NilError(t, err)
	assert.Equal(t, len(got), 1)
}

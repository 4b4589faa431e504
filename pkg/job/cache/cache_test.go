package cache

import (
	"errors"
	"testing"
	"time"

	"github.com/amazonlinux/bottlerocket/otawatch/pkg/job"
	"gotest.tools/assert"
)

func TestRejectionCache(t *testing.T) {
	j, err := job.Parse([]byte(`{"Message":"Update Available","Version":"1.2.0","Connection":"HTTP","Server":"s"}`))
	assert.NilError(t, err)
	other := j.Clone()
	other.Version.Build = 1

	c := NewRejectionCache(time.Hour)
	assert.Check(t, !c.Rejected(j))
	c.Record(j, errors.New("verification failed"))
	assert.Check(t, c.Rejected(j))
	assert.Check(t, !c.Rejected(other))
	assert.Check(t, !c.Rejected(nil))

	c.Forget(j)
	assert.Check(t, !c.Rejected(j))
}

func TestRejectionExpires(t *testing.T) {
	j, err := job.Parse([]byte(`{"Message":"Update Available","Version":"1.2.0","Connection":"HTTP","Server":"s"}`))
	assert.NilError(t, err)
	c := NewRejectionCache(time.Millisecond)
	c.Record(j, nil)
	time.Sleep(5 * time.Millisecond)
	assert.Check(t, !c.Rejected(j))
}

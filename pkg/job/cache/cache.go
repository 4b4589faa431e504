package cache

import (
	"time"

	"github.com/amazonlinux/bottlerocket/otawatch/pkg/job"

	"github.com/karlseguin/ccache"
)

const (
	// DefaultTTL is how long a rejected image stays rejected.
	DefaultTTL = time.Hour * 24
)

// RejectionCache remembers jobs whose images failed verification or policy so
// the same image is not downloaded again on the next check.
type RejectionCache interface {
	job.Rejections
	Record(*job.Job, error)
	Forget(*job.Job)
}

type rejectionCache struct {
	cache *ccache.Cache
	ttl   time.Duration
}

// NewRejectionCache creates a cache holding rejections for ttl.
func NewRejectionCache(ttl time.Duration) RejectionCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &rejectionCache{
		cache: ccache.New(ccache.Configure().MaxSize(100).ItemsToPrune(10)),
		ttl:   ttl,
	}
}

func (c *rejectionCache) Rejected(j *job.Job) bool {
	if j == nil {
		return false
	}
	item := c.cache.Get(j.Key())
	return item != nil && !item.Expired()
}

// Record caches the job as rejected for the reason given.
func (c *rejectionCache) Record(j *job.Job, reason error) {
	if j == nil {
		return
	}
	c.cache.Set(j.Key(), reason, c.ttl)
}

func (c *rejectionCache) Forget(j *job.Job) {
	if j == nil {
		return
	}
	c.cache.Delete(j.Key())
}

package workgroup

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"gotest.tools/assert"
)

func TestFailingWorkerCancelsOthers(t *testing.T) {
	group := WithContext(context.Background())
	stopped := make(chan struct{})

	group.Work(func(ctx context.Context) error {
		<-ctx.Done()
		close(stopped)
		return nil
	})
	group.Work(func(context.Context) error {
		return errors.New("worker failed")
	})

	err := group.Wait()
	assert.ErrorContains(t, err, "worker failed")
	<-stopped
}

func TestWaitWithoutErrors(t *testing.T) {
	group := WithContext(context.Background())
	ran := 0
	group.Work(func(context.Context) error {
		ran++
		return nil
	})
	assert.NilError(t, group.Wait())
	assert.Equal(t, ran, 1)
}

package sigcontext

import (
	"context"
	"os"
	"os/signal"
	"sync"
)

// WithSignalCancel is a context that will cancel itself when a signal is sent
// to the process. The cancel function returned is responsible for freeing the
// signal handlers used and must be called. If a caller wants to default the
// signal handlers to the go runtime then the cancel must be called as soon as
// the derived context is Done() (ie: a second ^C, SIGINT, will cause the
// process to terminate).
func WithSignalCancel(ctx context.Context, sigs ...os.Signal) (context.Context, context.CancelFunc) {
	sigctx, ctxcancel := context.WithCancel(ctx)

	release := OnSignal(sigctx, func(os.Signal) { ctxcancel() }, sigs...)

	var once sync.Once
	cancel := func() {
		ctxcancel()
		once.Do(release)
	}

	return sigctx, cancel
}

// OnSignal calls fn for every delivery of one of sigs until ctx is done or the
// returned release function is called. fn runs on a dedicated goroutine, one
// signal at a time.
func OnSignal(ctx context.Context, fn func(os.Signal), sigs ...os.Signal) (release func()) {
	sigchan := make(chan os.Signal, 1)
	signal.Notify(sigchan, sigs...)

	done := make(chan struct{})
	var once sync.Once
	release = func() {
		once.Do(func() {
			signal.Stop(sigchan)
			close(done)
		})
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				release()
				return
			case <-done:
				return
			case sig := <-sigchan:
				fn(sig)
			}
		}
	}()

	return release
}

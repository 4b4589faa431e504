package agent

import (
	"container/list"
	"sync"
	"time"

	"github.com/amazonlinux/bottlerocket/otawatch/pkg/ota"
)

const trailLength = 64

// Step is one transition the machine took.
type Step struct {
	At   time.Time
	From ota.State
	To   ota.State
}

// trail records the most recent transitions.
type trail struct {
	mu   *sync.RWMutex
	list *list.List
}

func newTrail() *trail {
	return &trail{
		mu:   &sync.RWMutex{},
		list: list.New()}
}

func (t *trail) record(s Step) {
	t.mu.Lock()
	t.list.PushBack(s)
	if t.list.Len() > trailLength {
		t.list.Remove(t.list.Front())
	}
	t.mu.Unlock()
}

// steps returns the recorded transitions, oldest first.
func (t *trail) steps() []Step {
	t.mu.RLock()
	defer t.mu.RUnlock()
	steps := make([]Step, 0, t.list.Len())
	for elm := t.list.Front(); elm != nil; elm = elm.Next() {
		steps = append(steps, elm.Value.(Step))
	}
	return steps
}

// visited reports whether a transition into s was recorded.
func (t *trail) visited(s ota.State) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for elm := t.list.Front(); elm != nil; elm = elm.Next() {
		if elm.Value.(Step).To == s {
			return true
		}
	}
	return false
}

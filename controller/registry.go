package controller

import (
	"sync"

	"github.com/golang/glog"
)

// Factory builds the controller of a conversation.
type Factory func(conversationID string) (*Controller, error)

// Registry keeps at most one live controller per UI surface. Switching conversations
// drives the old controller to Idle before the new one is shown.
type Registry struct {
	sync.Mutex
	factory Factory
	current *Controller
}

func NewRegistry(factory Factory) *Registry {
	return &Registry{factory: factory}
}

// Enter shows the controller of conversationID, hiding the current one first when it
// belongs to another conversation.
func (r *Registry) Enter(conversationID string) (*Controller, error) {
	r.Lock()
	defer r.Unlock()

	if c := r.current; c != nil {
		if c.ConversationID() == conversationID {
			c.Show()
			return c, nil
		}
		glog.V(5).Infof("registry: leave conversation %s", c)
		c.Hide()
		r.current = nil
	}

	c, err := r.factory(conversationID)
	if err != nil {
		return nil, err
	}
	r.current = c
	c.Show()
	return c, nil
}

// Leave hides and forgets the current controller.
func (r *Registry) Leave() {
	r.Lock()
	defer r.Unlock()
	if r.current != nil {
		r.current.Hide()
		r.current = nil
	}
}

func (r *Registry) Current() *Controller {
	r.Lock()
	defer r.Unlock()
	return r.current
}

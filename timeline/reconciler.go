// Package timeline merges a conversation's REST backlog with its live message stream
// into one ordered, deduplicated sequence.
package timeline

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/golang/glog"

	"github.com/mqy/minichat/chat"
)

//go:generate mockgen -destination=mock/fetcher.go -package=mock_timeline . IHistoryFetcher

// IHistoryFetcher returns the stored backlog of a conversation.
type IHistoryFetcher interface {
	GetMessages(ctx context.Context, conversationID string) ([]*chat.Message, error)
}

type Status int

const (
	StatusLoading Status = iota
	StatusEmpty
	StatusReady
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusLoading:
		return "Loading"
	case StatusEmpty:
		return "Empty"
	case StatusReady:
		return "Ready"
	case StatusError:
		return "Error"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// FetchError is a failed history fetch. It is distinct from an empty history.
type FetchError struct {
	ConversationID string
	Err            error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("timeline: fetch history of %s: %v", e.ConversationID, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Snapshot is a copy of the timeline. Messages are newest first.
type Snapshot struct {
	Status   Status
	Messages []*chat.Message
	Err      error
}

// Reconciler holds the timeline of one conversation.
type Reconciler struct {
	sync.RWMutex

	conversationID string
	fetcher        IHistoryFetcher

	// oldest first; snapshots reverse it.
	items  []*chat.Message
	loaded bool
	err    error

	updates chan struct{}
}

func New(conversationID string, fetcher IHistoryFetcher) *Reconciler {
	return &Reconciler{
		conversationID: conversationID,
		fetcher:        fetcher,
		updates:        make(chan struct{}, 1),
	}
}

func (r *Reconciler) ConversationID() string {
	return r.conversationID
}

// Updates signals timeline changes. Signals coalesce: one receive may stand for
// several changes, so receivers read a fresh Snapshot.
func (r *Reconciler) Updates() <-chan struct{} {
	return r.updates
}

func (r *Reconciler) notify() {
	select {
	case r.updates <- struct{}{}:
	default:
	}
}

// Load fetches the history and merges it below the messages already present.
// Messages that arrived while fetching and are not part of the history stay in front.
// A cancelled load leaves the timeline untouched.
func (r *Reconciler) Load(ctx context.Context) error {
	msgs, err := r.fetcher.GetMessages(ctx, r.conversationID)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if err != nil {
		glog.Warningf("timeline: load %s error: %v", r.conversationID, err)
		fe := &FetchError{ConversationID: r.conversationID, Err: err}
		r.Lock()
		r.err = fe
		r.Unlock()
		r.notify()
		return fe
	}

	hist := make([]*chat.Message, 0, len(msgs))
	seen := newIndex()
	for _, m := range msgs {
		if m == nil || !r.accepts(m) || seen.has(m) {
			continue
		}
		if m.Key() == "" {
			glog.Warningf("timeline: drop history message of %s without id", r.conversationID)
			continue
		}
		seen.add(m)
		hist = append(hist, m)
	}
	sort.SliceStable(hist, func(i, j int) bool {
		return hist[i].Timestamp.Before(hist[j].Timestamp)
	})

	r.Lock()
	items := hist
	for _, m := range r.items {
		if !seen.has(m) {
			items = append(items, m)
		}
	}
	r.items = items
	r.loaded = true
	r.err = nil
	r.Unlock()
	r.notify()

	glog.V(5).Infof("timeline: loaded %d messages of %s", len(hist), r.conversationID)
	return nil
}

func (r *Reconciler) accepts(m *chat.Message) bool {
	return m.ConversationID == "" || m.ConversationID == r.conversationID
}

// Push adds a live message in front of the timeline. It returns false when the
// message belongs to another conversation, is already present or carries neither an
// id nor a correlation id. An acknowledged message replaces its pending counterpart
// in place.
func (r *Reconciler) Push(m *chat.Message) bool {
	if m == nil || !r.accepts(m) {
		return false
	}
	if m.Key() == "" {
		glog.Warningf("timeline: drop message of %s without id, sender: %s", r.conversationID, m.SenderID)
		return false
	}

	r.Lock()
	added := r.insert(m)
	r.Unlock()

	if added {
		r.notify()
	} else {
		glog.V(5).Infof("timeline: drop duplicate %s", m.Key())
	}
	return added
}

// AddPending shows a local send before the server acknowledges it.
func (r *Reconciler) AddPending(m *chat.Message) bool {
	if m == nil || !m.Pending() || m.CorrelationID == "" {
		return false
	}
	return r.Push(m)
}

// DropPending removes the pending entry with the correlation id, after a failed send.
func (r *Reconciler) DropPending(correlationID string) bool {
	r.Lock()
	dropped := false
	for i := len(r.items) - 1; i >= 0; i-- {
		if m := r.items[i]; m.Pending() && m.CorrelationID == correlationID {
			r.items = append(r.items[:i], r.items[i+1:]...)
			dropped = true
			break
		}
	}
	r.Unlock()

	if dropped {
		r.notify()
	}
	return dropped
}

// insert must be called with r locked.
func (r *Reconciler) insert(m *chat.Message) bool {
	for i := len(r.items) - 1; i >= 0; i-- {
		o := r.items[i]
		if !o.SameAs(m) {
			continue
		}
		if o.Pending() && !m.Pending() {
			r.items[i] = m
			return true
		}
		return false
	}

	// servers that do not echo correlation ids: match the oldest pending send
	// with the same sender and payload.
	if !m.Pending() && m.CorrelationID == "" {
		for i, o := range r.items {
			if o.Pending() && o.SenderID == m.SenderID && o.Content == m.Content &&
				o.MediaFileID == m.MediaFileID {
				r.items[i] = m
				return true
			}
		}
	}

	r.items = append(r.items, m)
	return true
}

func (r *Reconciler) Snapshot() Snapshot {
	r.RLock()
	defer r.RUnlock()

	out := Snapshot{Err: r.err}
	switch {
	case r.err != nil:
		out.Status = StatusError
	case !r.loaded:
		out.Status = StatusLoading
	case len(r.items) == 0:
		out.Status = StatusEmpty
	default:
		out.Status = StatusReady
	}

	out.Messages = make([]*chat.Message, len(r.items))
	for i, m := range r.items {
		out.Messages[len(r.items)-1-i] = m
	}
	return out
}

func (r *Reconciler) Len() int {
	r.RLock()
	defer r.RUnlock()
	return len(r.items)
}

// index answers SameAs lookups against a set of messages.
type index struct {
	ids   map[string]bool
	corrs map[string]*chat.Message
}

func newIndex() *index {
	return &index{
		ids:   make(map[string]bool),
		corrs: make(map[string]*chat.Message),
	}
}

func (x *index) add(m *chat.Message) {
	if m.ID != "" {
		x.ids[m.ID] = true
	}
	if m.CorrelationID != "" {
		x.corrs[m.CorrelationID] = m
	}
}

func (x *index) has(m *chat.Message) bool {
	if m.ID != "" && x.ids[m.ID] {
		return true
	}
	if m.CorrelationID == "" {
		return false
	}
	o, ok := x.corrs[m.CorrelationID]
	return ok && (m.ID == "" || o.ID == "")
}

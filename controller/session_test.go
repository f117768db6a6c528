package controller

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/chat"
	"github.com/mqy/minichat/chattest"
	"github.com/mqy/minichat/rest"
	"github.com/mqy/minichat/timeline"
	"github.com/mqy/minichat/ws"
)

type env struct {
	cs       *chattest.Server
	url      string
	provider *auth.StaticProvider
}

func newEnv(t *testing.T) *env {
	pair := auth.Pair{AccessToken: "a1", RefreshToken: "r1"}
	cs := chattest.New(pair)
	srv := httptest.NewServer(cs)
	t.Cleanup(srv.Close)
	return &env{cs: cs, url: srv.URL, provider: &auth.StaticProvider{Pair: pair}}
}

func (e *env) factory(conf Config) Factory {
	hc := &http.Client{Transport: &auth.Transport{Provider: e.provider}}
	fetcher := rest.NewClient(e.url, hc)
	return func(conversationID string) (*Controller, error) {
		s := ws.NewSession(ws.Config{URL: chattest.WSURL(e.url)}, e.provider)
		return New(conversationID, s, fetcher, conf), nil
	}
}

func TestSessionEndToEnd(t *testing.T) {
	e := newEnv(t)
	e.cs.SetHistory("c1", msg("m2", 2), msg("m1", 1))

	c, err := e.factory(testConfig())("c1")
	require.NoError(t, err)
	c.Show()
	defer c.Hide()

	waitState(t, c, Active)
	require.Eventually(t, func() bool { return c.Timeline().Status == timeline.StatusReady }, waitFor, time.Millisecond)
	assert.Equal(t, []string{"m2", "m1"}, timelineIDs(c))

	sent, err := c.Send(context.Background(), &chat.Message{Content: "hello"})
	require.NoError(t, err)

	got := <-e.cs.Received()
	assert.Equal(t, sent.CorrelationID, got.CorrelationID)
	assert.Equal(t, "u1", got.SenderID)

	// the echo replaces the pending entry.
	require.Eventually(t, func() bool {
		s := c.Timeline()
		return len(s.Messages) == 3 && !s.Messages[0].Pending()
	}, waitFor, time.Millisecond)
	assert.Equal(t, "hello", c.Timeline().Messages[0].Content)
}

func TestSessionHistoryFailureIsDistinct(t *testing.T) {
	e := newEnv(t)
	e.cs.FailHistory(true)

	c, _ := e.factory(testConfig())("c1")
	c.Show()
	defer c.Hide()

	require.Eventually(t, func() bool { return c.Timeline().Status == timeline.StatusError }, waitFor, time.Millisecond)
	var fe *timeline.FetchError
	assert.ErrorAs(t, c.Timeline().Err, &fe)

	// live delivery is unaffected.
	waitState(t, c, Active)
	require.Eventually(t, func() bool { return e.cs.Peers() == 1 }, waitFor, time.Millisecond)
	require.NoError(t, e.cs.Push(msg("m1", 1)))
	require.Eventually(t, func() bool { return len(c.Timeline().Messages) == 1 }, waitFor, time.Millisecond)
}

func TestSessionRecoversFromServerDrop(t *testing.T) {
	e := newEnv(t)
	c, _ := e.factory(testConfig())("c1")
	c.Show()
	defer c.Hide()

	waitState(t, c, Active)
	require.Eventually(t, func() bool { return e.cs.Peers() == 1 }, waitFor, time.Millisecond)
	require.NoError(t, e.cs.Push(msg("m1", 1)))
	require.Eventually(t, func() bool { return len(c.Timeline().Messages) == 1 }, waitFor, time.Millisecond)

	e.cs.DropAll(1001)

	// the server replays m1 on the new connection.
	require.Eventually(t, func() bool {
		return e.cs.Connections() == 2 && e.cs.Peers() == 1 && c.State() == Active
	}, waitFor, time.Millisecond)
	require.NoError(t, e.cs.Push(msg("m1", 1)))
	require.NoError(t, e.cs.Push(msg("m2", 2)))
	require.Eventually(t, func() bool { return len(c.Timeline().Messages) == 2 }, waitFor, time.Millisecond)
	assert.Equal(t, []string{"m2", "m1"}, timelineIDs(c))
}

func TestHideDuringHandshake(t *testing.T) {
	e := newEnv(t)
	e.cs.SetHandshakeDelay(300 * time.Millisecond)

	c, _ := e.factory(testConfig())("c1")
	c.Show()
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	c.Hide()
	assert.Less(t, time.Since(start), 250*time.Millisecond)
	assert.Equal(t, Idle, c.State())

	// a late handshake never reaches the timeline.
	time.Sleep(400 * time.Millisecond)
	_ = e.cs.Push(msg("late", 1))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, c.Timeline().Messages)
	require.Eventually(t, func() bool { return e.cs.Peers() == 0 }, waitFor, time.Millisecond)
}

func TestRegistrySwitchesConversations(t *testing.T) {
	e := newEnv(t)
	r := NewRegistry(e.factory(testConfig()))

	c1, err := r.Enter("c1")
	require.NoError(t, err)
	waitState(t, c1, Active)

	c2, err := r.Enter("c2")
	require.NoError(t, err)
	assert.Equal(t, Idle, c1.State())
	assert.Same(t, c2, r.Current())
	waitState(t, c2, Active)
	require.Eventually(t, func() bool { return e.cs.Peers() == 1 }, waitFor, time.Millisecond)

	// no cross conversation leakage.
	require.NoError(t, e.cs.Push(&chat.Message{ID: "x1", ConversationID: "c1"}))
	require.NoError(t, e.cs.Push(&chat.Message{ID: "y1", ConversationID: "c2"}))
	require.Eventually(t, func() bool { return len(c2.Timeline().Messages) == 1 }, waitFor, time.Millisecond)
	assert.Empty(t, c1.Timeline().Messages)

	again, err := r.Enter("c2")
	require.NoError(t, err)
	assert.Same(t, c2, again)

	r.Leave()
	assert.Equal(t, Idle, c2.State())
	assert.Nil(t, r.Current())
	r.Leave()
}

func TestRegistryFactoryError(t *testing.T) {
	r := NewRegistry(func(id string) (*Controller, error) {
		return nil, fmt.Errorf("unknown conversation %s", id)
	})
	_, err := r.Enter("c1")
	assert.Error(t, err)
	assert.Nil(t, r.Current())
}

func TestRapidShowHide(t *testing.T) {
	e := newEnv(t)
	c, _ := e.factory(testConfig())("c1")

	for i := 0; i < 10; i++ {
		c.Show()
		if i%3 == 0 {
			time.Sleep(time.Millisecond)
		}
		c.Hide()
		assert.Equal(t, Idle, c.State())
	}
	require.Eventually(t, func() bool { return e.cs.Peers() == 0 }, waitFor, time.Millisecond)
}

package ws

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mqy/minichat/auth"
	mock_auth "github.com/mqy/minichat/auth/mock"
	"github.com/mqy/minichat/chat"
	"github.com/mqy/minichat/chattest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreCurrent(),
		goleak.IgnoreAnyFunction("github.com/golang/glog.(*loggingT).flushDaemon"),
	)
}

var testPair = auth.Pair{AccessToken: "a1", RefreshToken: "r1"}

func newServer(t *testing.T) (*chattest.Server, string) {
	cs := chattest.New(testPair)
	srv := httptest.NewServer(cs)
	t.Cleanup(srv.Close)
	return cs, chattest.WSURL(srv.URL)
}

func newSession(t *testing.T, url string, p auth.Provider) *Session {
	s := NewSession(Config{URL: url, ConnectTimeout: 5 * time.Second}, p)
	t.Cleanup(func() { s.Close() })
	return s
}

func recv(t *testing.T, c <-chan *chat.Message) *chat.Message {
	t.Helper()
	select {
	case m, ok := <-c:
		require.True(t, ok, "stream closed")
		return m
	case <-time.After(5 * time.Second):
		require.FailNow(t, "no message received")
	}
	return nil
}

func waitClosed(t *testing.T, c <-chan *chat.Message) {
	t.Helper()
	timer := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-c:
			if !ok {
				return
			}
		case <-timer:
			require.FailNow(t, "stream not closed")
		}
	}
}

func TestConnectSendReceive(t *testing.T) {
	_, url := newServer(t)
	s := newSession(t, url, &auth.StaticProvider{Pair: testPair})

	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, Connected, s.State())

	out := &chat.Message{ConversationID: "c1", SenderID: "u1", Content: "hello", CorrelationID: "k1"}
	require.NoError(t, s.Send(context.Background(), out))

	in := recv(t, s.Observe())
	assert.NotEmpty(t, in.ID)
	assert.Equal(t, "hello", in.Content)
	assert.Equal(t, "k1", in.CorrelationID)

	c := s.Observe()
	require.NoError(t, s.Close())
	assert.Equal(t, Disconnected, s.State())
	assert.NoError(t, s.Err())
	waitClosed(t, c)
}

func TestServerOrderPreserved(t *testing.T) {
	cs, url := newServer(t)
	s := newSession(t, url, &auth.StaticProvider{Pair: testPair})
	require.NoError(t, s.Connect(context.Background()))

	require.Eventually(t, func() bool { return cs.Peers() == 1 }, 5*time.Second, 10*time.Millisecond)
	for _, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, cs.Push(&chat.Message{ID: id, ConversationID: "c1", Content: id}))
	}

	c := s.Observe()
	for _, id := range []string{"m1", "m2", "m3"} {
		assert.Equal(t, id, recv(t, c).ID)
	}
}

func TestObserveWithoutConnection(t *testing.T) {
	s := NewSession(Config{URL: "ws://127.0.0.1:1/chat"}, &auth.StaticProvider{})
	_, ok := <-s.Observe()
	assert.False(t, ok)
	assert.Equal(t, Disconnected, s.State())
	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}

func TestSendNotConnected(t *testing.T) {
	s := NewSession(Config{URL: "ws://127.0.0.1:1/chat"}, &auth.StaticProvider{})
	err := s.Send(context.Background(), &chat.Message{ConversationID: "c1", Content: "x"})

	var se *SendError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, SendNotConnected, se.Kind)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.NotErrorIs(t, err, ErrSendTimeout)
}

func TestConnectTwice(t *testing.T) {
	_, url := newServer(t)
	s := newSession(t, url, &auth.StaticProvider{Pair: testPair})

	require.NoError(t, s.Connect(context.Background()))
	assert.ErrorIs(t, s.Connect(context.Background()), ErrAlreadyConnected)
}

func TestReconnectYieldsNewStream(t *testing.T) {
	_, url := newServer(t)
	s := newSession(t, url, &auth.StaticProvider{Pair: testPair})

	require.NoError(t, s.Connect(context.Background()))
	first := s.Observe()
	require.NoError(t, s.Close())
	waitClosed(t, first)

	require.NoError(t, s.Connect(context.Background()))
	second := s.Observe()
	require.NoError(t, s.Send(context.Background(), &chat.Message{ConversationID: "c1", Content: "again"}))
	assert.Equal(t, "again", recv(t, second).Content)
}

func TestConnectRefreshesOnceOn401(t *testing.T) {
	ctrl := gomock.NewController(t)
	p := mock_auth.NewMockProvider(ctrl)
	p.EXPECT().AccessToken().Return("stale").Times(2)
	p.EXPECT().Refresh(gomock.Any()).Return(&testPair, nil).Times(1)

	_, url := newServer(t)
	s := newSession(t, url, p)
	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, Connected, s.State())
}

func TestConnectUsesTokenRotatedMeanwhile(t *testing.T) {
	ctrl := gomock.NewController(t)
	p := mock_auth.NewMockProvider(ctrl)
	gomock.InOrder(
		p.EXPECT().AccessToken().Return("stale"),
		p.EXPECT().AccessToken().Return(testPair.AccessToken),
	)
	p.EXPECT().Refresh(gomock.Any()).Times(0)

	_, url := newServer(t)
	s := newSession(t, url, p)
	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, Connected, s.State())
}

func TestConnectUnauthorizedAfterRefresh(t *testing.T) {
	ctrl := gomock.NewController(t)
	p := mock_auth.NewMockProvider(ctrl)
	p.EXPECT().AccessToken().Return("stale").Times(2)
	p.EXPECT().Refresh(gomock.Any()).Return(&auth.Pair{AccessToken: "still-stale"}, nil).Times(1)

	_, url := newServer(t)
	s := newSession(t, url, p)
	err := s.Connect(context.Background())

	var ce *ConnectError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ConnectUnauthorized, ce.Kind)
	assert.Equal(t, 401, ce.StatusCode)
	assert.False(t, ce.Retryable())
	assert.Equal(t, Errored, s.State())
	assert.Equal(t, err, s.Err())
}

func TestConnectRefreshFailure(t *testing.T) {
	_, url := newServer(t)
	p := &auth.StaticProvider{Pair: auth.Pair{AccessToken: "stale"}}
	s := newSession(t, url, p)

	err := s.Connect(context.Background())
	var ce *ConnectError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ConnectUnauthorized, ce.Kind)
	assert.ErrorIs(t, err, auth.ErrNoRefreshToken)
	assert.Equal(t, 1, p.Refreshes())
}

func TestConnectWithoutTokenRefreshesFirst(t *testing.T) {
	_, url := newServer(t)
	p := &auth.StaticProvider{Rotations: []auth.Pair{testPair}}
	s := newSession(t, url, p)

	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, 1, p.Refreshes())
}

func TestConnectHandshakeError(t *testing.T) {
	_, url := newServer(t)
	s := newSession(t, url+"/missing", &auth.StaticProvider{Pair: testPair})

	err := s.Connect(context.Background())
	var ce *ConnectError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ConnectHandshake, ce.Kind)
	assert.Equal(t, 404, ce.StatusCode)
	assert.True(t, ce.Retryable())
}

// silentListener accepts tcp connections and never answers.
func silentListener(t *testing.T) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		conns []net.Conn
		wg    sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()

	t.Cleanup(func() {
		ln.Close()
		wg.Wait()
		mu.Lock()
		for _, c := range conns {
			c.Close()
		}
		mu.Unlock()
	})
	return "ws://" + ln.Addr().String() + "/chat"
}

func TestConnectTimeout(t *testing.T) {
	url := silentListener(t)
	s := NewSession(Config{URL: url, ConnectTimeout: 100 * time.Millisecond}, &auth.StaticProvider{Pair: testPair})
	defer s.Close()

	start := time.Now()
	err := s.Connect(context.Background())
	assert.Less(t, time.Since(start), 3*time.Second)

	var ce *ConnectError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ConnectTimeout, ce.Kind)
	assert.True(t, ce.Retryable())
	assert.Equal(t, Errored, s.State())
}

func TestCloseAbortsDial(t *testing.T) {
	url := silentListener(t)
	s := NewSession(Config{URL: url}, &auth.StaticProvider{Pair: testPair})

	errC := make(chan error, 1)
	go func() { errC <- s.Connect(context.Background()) }()

	require.Eventually(t, func() bool { return s.State() == Connecting }, 5*time.Second, time.Millisecond)
	require.NoError(t, s.Close())

	select {
	case err := <-errC:
		var ce *ConnectError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, ConnectCanceled, ce.Kind)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "connect not aborted")
	}
	assert.Equal(t, Disconnected, s.State())
}

func TestLateHandshakeIsDiscarded(t *testing.T) {
	cs, url := newServer(t)
	cs.SetHandshakeDelay(200 * time.Millisecond)
	s := NewSession(Config{URL: url}, &auth.StaticProvider{Pair: testPair})

	ctx, cancel := context.WithCancel(context.Background())
	errC := make(chan error, 1)
	go func() { errC <- s.Connect(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	err := <-errC
	var ce *ConnectError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ConnectCanceled, ce.Kind)

	_ = cs.Push(&chat.Message{ID: "late", ConversationID: "c1"})
	_, ok := <-s.Observe()
	assert.False(t, ok)
	require.NoError(t, s.Close())
}

func TestMalformedFramesAreDropped(t *testing.T) {
	cs, url := newServer(t)
	s := newSession(t, url, &auth.StaticProvider{Pair: testPair})
	require.NoError(t, s.Connect(context.Background()))
	require.Eventually(t, func() bool { return cs.Peers() == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, cs.PushRaw(websocket.TextMessage, []byte("not json")))
	require.NoError(t, cs.PushRaw(websocket.TextMessage, []byte(`["array"]`)))
	require.NoError(t, cs.PushRaw(websocket.BinaryMessage, []byte{1, 2, 3}))
	require.NoError(t, cs.Push(&chat.Message{ID: "m1", ConversationID: "c1", Content: "ok"}))

	assert.Equal(t, "m1", recv(t, s.Observe()).ID)
	assert.Equal(t, Connected, s.State())
}

func TestPeerCloseEndsStream(t *testing.T) {
	cs, url := newServer(t)

	var (
		mu     sync.Mutex
		states []ConnState
	)
	s := NewSession(Config{URL: url, OnState: func(st ConnState) {
		mu.Lock()
		states = append(states, st)
		mu.Unlock()
	}}, &auth.StaticProvider{Pair: testPair})
	defer s.Close()

	require.NoError(t, s.Connect(context.Background()))
	require.Eventually(t, func() bool { return cs.Peers() == 1 }, 5*time.Second, 10*time.Millisecond)

	c := s.Observe()
	cs.DropAll(websocket.CloseGoingAway)
	waitClosed(t, c)

	require.Eventually(t, func() bool { return s.State() == Disconnected }, 5*time.Second, 10*time.Millisecond)
	var closeErr *websocket.CloseError
	require.ErrorAs(t, s.Err(), &closeErr)
	assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)

	err := s.Send(context.Background(), &chat.Message{ConversationID: "c1", Content: "x"})
	assert.ErrorIs(t, err, ErrNotConnected)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []ConnState{Connecting, Connected, Disconnected}, states)
}

func TestSendCanceled(t *testing.T) {
	_, url := newServer(t)
	s := newSession(t, url, &auth.StaticProvider{Pair: testPair})
	require.NoError(t, s.Connect(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Send(ctx, &chat.Message{ConversationID: "c1", Content: "x"})

	var se *SendError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, SendCanceled, se.Kind)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, Connected, s.State())
}

func TestSendExpiredDeadline(t *testing.T) {
	_, url := newServer(t)
	s := newSession(t, url, &auth.StaticProvider{Pair: testPair})
	require.NoError(t, s.Connect(context.Background()))

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	err := s.Send(ctx, &chat.Message{ConversationID: "c1", Content: "x"})
	assert.ErrorIs(t, err, ErrSendTimeout)
}

// stalledServer completes the handshake and never reads.
func stalledServer(t *testing.T) string {
	release := make(chan struct{})
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		<-release
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})
	return chattest.WSURL(srv.URL)
}

func TestSendTimesOutOnStalledPeer(t *testing.T) {
	url := stalledServer(t)
	s := NewSession(Config{
		URL:            url,
		ConnectTimeout: 5 * time.Second,
		SendTimeout:    200 * time.Millisecond,
	}, &auth.StaticProvider{Pair: testPair})
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Connect(context.Background()))
	in := s.Observe()

	// fill the socket buffers until a write blocks past its deadline.
	payload := strings.Repeat("x", 1<<20)
	var err error
	for i := 0; i < 256 && err == nil; i++ {
		err = s.Send(context.Background(), &chat.Message{ConversationID: "c1", Content: payload})
	}

	var se *SendError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, SendTimeout, se.Kind)
	assert.ErrorIs(t, err, ErrSendTimeout)
	assert.Equal(t, Errored, s.State())
	assert.Equal(t, err, s.Err())
	waitClosed(t, in)
}

func TestSendAfterCanceledSendSucceeds(t *testing.T) {
	_, url := newServer(t)
	s := newSession(t, url, &auth.StaticProvider{Pair: testPair})
	require.NoError(t, s.Connect(context.Background()))

	for i := 0; i < 50; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		go cancel()
		_ = s.Send(ctx, &chat.Message{ConversationID: "c1", Content: "racing"})
		if s.State() != Connected {
			// the cancel hit the write itself; nothing left to check.
			return
		}
		require.NoError(t, s.Send(context.Background(), &chat.Message{ConversationID: "c1", Content: "next"}))
	}
}

func TestSendEncodeError(t *testing.T) {
	s := NewSession(Config{URL: "ws://127.0.0.1:1/chat"}, &auth.StaticProvider{})
	var se *SendError
	require.ErrorAs(t, s.Send(context.Background(), nil), &se)
	assert.Equal(t, SendEncode, se.Kind)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "Connected", Connected.String())
	assert.Equal(t, "ConnState(42)", ConnState(42).String())
	assert.Equal(t, "timeout", ConnectTimeout.String())
	assert.Equal(t, "not connected", SendNotConnected.String())
}

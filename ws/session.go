// Package ws is the client side of the chat websocket: one logical connection to
// ws(s)://<host>/chat carrying one JSON message per text frame.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/chat"
	"github.com/mqy/minichat/metrics"
)

const (
	// Time allowed to write a control frame to the peer.
	writeWait = 3 * time.Second

	// inbound messages buffered per connection.
	inboundBuffer = 64

	DefaultConnectTimeout = 30 * time.Second
	DefaultSendTimeout    = 10 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	DefaultPingPeriod = 20 * time.Second

	// Time allowed to read the next pong message from the peer.
	DefaultPongWait = 25 * time.Second

	// websocket max message size to read.
	DefaultReadLimit = 64 * 1024
)

type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
	Disconnecting
	Errored
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Disconnecting:
		return "Disconnecting"
	case Errored:
		return "Errored"
	}
	return fmt.Sprintf("ConnState(%d)", int(s))
}

type Config struct {
	// URL of the chat endpoint, e.g. wss://chat.example.com/chat.
	URL string

	ConnectTimeout time.Duration
	SendTimeout    time.Duration
	PingPeriod     time.Duration
	PongWait       time.Duration
	ReadLimit      int64

	// Dialer is copied for every dial. Nil means a dialer honoring proxy env vars.
	Dialer *websocket.Dialer

	// OnState observes state changes. It runs on the goroutine that made the change
	// and must not call back into the Session.
	OnState func(ConnState)
}

func (c *Config) setDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.PingPeriod <= 0 {
		c.PingPeriod = DefaultPingPeriod
	}
	if c.PongWait <= 0 {
		c.PongWait = DefaultPongWait
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = DefaultReadLimit
	}
	if c.Dialer == nil {
		c.Dialer = &websocket.Dialer{Proxy: http.ProxyFromEnvironment}
	}
}

// Session owns at most one websocket connection at a time.
type Session struct {
	sync.Mutex

	conf     Config
	provider auth.Provider

	state ConnState
	err   error

	// bumped by Connect and Close; a dial finishing under an older gen is discarded.
	gen        uint64
	cancelDial context.CancelFunc
	link       *link
}

// link is one established connection and its loops.
type link struct {
	conn    *websocket.Conn
	inbound chan *chat.Message

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// serializes data frames; control frames go through WriteControl.
	writeMu sync.Mutex
}

func (l *link) shutdown() {
	l.stopOnce.Do(func() {
		close(l.stop)
		l.conn.Close()
	})
}

var closedC = func() chan *chat.Message {
	c := make(chan *chat.Message)
	close(c)
	return c
}()

func NewSession(conf Config, provider auth.Provider) *Session {
	conf.setDefaults()
	return &Session{
		conf:     conf,
		provider: provider,
	}
}

func (s *Session) State() ConnState {
	s.Lock()
	defer s.Unlock()
	return s.state
}

// Err returns the cause of the last Errored state or peer close, nil otherwise.
func (s *Session) Err() error {
	s.Lock()
	defer s.Unlock()
	return s.err
}

// setState must be called with s locked. The returned func notifies OnState and
// must be called after unlocking.
func (s *Session) setState(st ConnState, err error) func() {
	if s.state == st && err == nil && s.err == nil {
		return func() {}
	}
	glog.V(5).Infof("ws: state %s -> %s, err: %v", s.state, st, err)
	s.state = st
	s.err = err
	if s.conf.OnState == nil {
		return func() {}
	}
	return func() { s.conf.OnState(st) }
}

// Connect dials the chat endpoint with the provider's access token. A 401 from the
// upgrade triggers exactly one refresh and one re-dial.
func (s *Session) Connect(ctx context.Context) error {
	s.Lock()
	if s.state == Connecting || s.state == Connected {
		s.Unlock()
		return ErrAlreadyConnected
	}
	s.gen++
	gen := s.gen
	old := s.link
	s.link = nil
	dialCtx, cancel := context.WithTimeout(ctx, s.conf.ConnectTimeout)
	s.cancelDial = cancel
	notify := s.setState(Connecting, nil)
	s.Unlock()
	notify()
	defer cancel()

	if old != nil {
		old.shutdown()
		old.wg.Wait()
	}

	conn, err := s.dial(dialCtx)
	if err == nil && dialCtx.Err() != nil {
		conn.Close()
		err = classify(dialCtx, nil, dialCtx.Err())
	}

	s.Lock()
	if s.gen != gen {
		// Closed while dialing.
		s.Unlock()
		if conn != nil && err == nil {
			conn.Close()
		}
		metrics.ConnectTotal.WithLabelValues("canceled").Inc()
		return &ConnectError{Kind: ConnectCanceled, Err: context.Canceled}
	}
	s.cancelDial = nil
	if err != nil {
		notify = s.setState(Errored, err)
		s.Unlock()
		notify()
		glog.Warningf("ws: connect %s error: %v", s.conf.URL, err)
		metrics.ConnectTotal.WithLabelValues("error").Inc()
		return err
	}

	l := &link{
		conn:    conn,
		inbound: make(chan *chat.Message, inboundBuffer),
		stop:    make(chan struct{}),
	}
	s.link = l
	l.wg.Add(2)
	go s.recvLoop(l)
	go s.pingLoop(l)
	notify = s.setState(Connected, nil)
	s.Unlock()
	notify()

	glog.Infof("ws: connected to %s", s.conf.URL)
	metrics.ConnectTotal.WithLabelValues("ok").Inc()
	return nil
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	token := s.provider.AccessToken()
	if token == "" {
		pair, err := s.provider.Refresh(ctx)
		if err != nil {
			return nil, classify(ctx, nil, &ConnectError{Kind: ConnectUnauthorized, Err: err})
		}
		token = pair.AccessToken
	}

	conn, resp, err := s.dialOnce(ctx, token)
	if err != nil && resp != nil && resp.StatusCode == http.StatusUnauthorized {
		next := s.provider.AccessToken()
		if next == "" || next == token {
			glog.V(5).Infof("ws: upgrade unauthorized, refreshing token")
			pair, rerr := s.provider.Refresh(ctx)
			if rerr != nil {
				return nil, classify(ctx, nil, &ConnectError{
					Kind: ConnectUnauthorized, StatusCode: resp.StatusCode, Err: rerr,
				})
			}
			next = pair.AccessToken
		} else {
			glog.V(5).Infof("ws: upgrade unauthorized, token rotated meanwhile")
		}
		conn, resp, err = s.dialOnce(ctx, next)
	}
	if err != nil {
		return nil, classify(ctx, resp, err)
	}
	return conn, nil
}

// dialOnce performs one handshake. Cancelling ctx closes the underlying connection,
// which aborts a handshake blocked on the server.
func (s *Session) dialOnce(ctx context.Context, token string) (*websocket.Conn, *http.Response, error) {
	var (
		mu       sync.Mutex
		raw      net.Conn
		canceled bool
	)

	d := *s.conf.Dialer
	netDial := d.NetDialContext
	if netDial == nil {
		netDial = (&net.Dialer{}).DialContext
	}
	d.NetDialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		c, err := netDial(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		mu.Lock()
		defer mu.Unlock()
		if canceled {
			c.Close()
			return nil, context.Canceled
		}
		raw = c
		return c, nil
	}

	stop := context.AfterFunc(ctx, func() {
		mu.Lock()
		canceled = true
		if raw != nil {
			raw.Close()
		}
		mu.Unlock()
	})

	h := http.Header{}
	auth.SetBearer(h, token)
	conn, resp, err := d.DialContext(ctx, s.conf.URL, h)
	if !stop() && err == nil {
		// ctx ended as the handshake completed.
		conn.Close()
		return nil, nil, ctx.Err()
	}
	return conn, resp, err
}

func classify(ctx context.Context, resp *http.Response, err error) *ConnectError {
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}

	var ce *ConnectError
	if errors.As(err, &ce) {
		status = ce.StatusCode
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return &ConnectError{Kind: ConnectTimeout, StatusCode: status, Err: err}
		}
		return &ConnectError{Kind: ConnectCanceled, StatusCode: status, Err: err}
	}
	if ce != nil {
		return ce
	}
	if status == http.StatusUnauthorized {
		return &ConnectError{Kind: ConnectUnauthorized, StatusCode: status, Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &ConnectError{Kind: ConnectTimeout, StatusCode: status, Err: err}
	}
	return &ConnectError{Kind: ConnectHandshake, StatusCode: status, Err: err}
}

// Observe returns the inbound stream of the current connection. The channel is closed
// when the connection ends; without a connection it is already closed.
func (s *Session) Observe() <-chan *chat.Message {
	s.Lock()
	defer s.Unlock()
	if s.link == nil {
		return closedC
	}
	return s.link.inbound
}

// Send writes m as one text frame. It neither retries nor queues; a failed write
// tears the connection down.
func (s *Session) Send(ctx context.Context, m *chat.Message) (err error) {
	defer func() { metrics.SendTotal.WithLabelValues(metrics.Result(err)).Inc() }()

	data, err := chat.EncodeMessage(m)
	if err != nil {
		return &SendError{Kind: SendEncode, Err: err}
	}

	s.Lock()
	l := s.link
	st := s.state
	s.Unlock()
	if l == nil || st != Connected {
		return &SendError{Kind: SendNotConnected, Err: ErrNotConnected}
	}
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return &SendError{Kind: SendTimeout, Err: err}
		}
		return &SendError{Kind: SendCanceled, Err: err}
	}

	deadline := time.Now().Add(s.conf.SendTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	l.writeMu.Lock()
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(fired)
		l.conn.UnderlyingConn().SetWriteDeadline(time.Now())
	})
	l.conn.SetWriteDeadline(deadline)
	err = l.conn.WriteMessage(websocket.TextMessage, data)
	if !stop() {
		// the expired deadline must not leak into the next write.
		<-fired
	}
	l.writeMu.Unlock()

	if err == nil {
		glog.V(5).Infof("ws: sent %s", data)
		return nil
	}

	var se *SendError
	var ne net.Error
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		se = &SendError{Kind: SendCanceled, Err: err}
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.As(err, &ne) && ne.Timeout():
		se = &SendError{Kind: SendTimeout, Err: err}
	default:
		se = &SendError{Kind: SendWrite, Err: err}
	}
	glog.Warningf("ws: %v", se)
	s.lost(l, se)
	return se
}

// lost moves a live connection to Errored, or Disconnected on a peer close frame,
// and stops its loops. It is a no-op for a stale link or one being closed.
func (s *Session) lost(l *link, err error) {
	s.Lock()
	notify := func() {}
	if s.link == l && s.state == Connected {
		st := Errored
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			st = Disconnected
		}
		notify = s.setState(st, err)
	}
	s.Unlock()
	notify()
	l.shutdown()
}

func (s *Session) recvLoop(l *link) {
	defer func() {
		close(l.inbound)
		l.wg.Done()
		glog.V(5).Infof("ws: recvLoop exited")
	}()

	conn := l.conn
	conn.SetReadLimit(s.conf.ReadLimit)
	conn.SetReadDeadline(time.Now().Add(s.conf.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.conf.PongWait))
		return nil
	})
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(s.conf.PongWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		var ne net.Error
		if err == websocket.ErrCloseSent || (errors.As(err, &ne) && ne.Timeout()) {
			return nil
		}
		return err
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-l.stop:
			default:
				glog.Warningf("ws: read error: %v", err)
			}
			s.lost(l, err)
			return
		}

		switch msgType {
		case websocket.TextMessage:
			m, err := chat.DecodeMessage(data)
			if err != nil {
				glog.Warningf("ws: drop malformed frame: %v", err)
				metrics.FramesTotal.WithLabelValues("malformed").Inc()
				continue
			}
			glog.V(5).Infof("ws: received %s", data)
			metrics.FramesTotal.WithLabelValues("text").Inc()

			select {
			case l.inbound <- m:
			case <-l.stop:
				return
			}
		case websocket.BinaryMessage:
			glog.V(5).Infof("ws: ignore binary frame of %d bytes", len(data))
			metrics.FramesTotal.WithLabelValues("binary").Inc()
		}
	}
}

func (s *Session) pingLoop(l *link) {
	ticker := time.NewTicker(s.conf.PingPeriod)
	defer func() {
		ticker.Stop()
		l.wg.Done()
		glog.V(5).Infof("ws: pingLoop exited")
	}()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			if err := l.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				glog.Warningf("ws: ping error: %v", err)
				s.lost(l, err)
				return
			}
		}
	}
}

// Close sends a close frame, closes the socket and waits for the read and ping loops.
// An in-flight Connect is aborted. Close is idempotent.
func (s *Session) Close() error {
	s.Lock()
	if s.cancelDial != nil {
		s.cancelDial()
		s.cancelDial = nil
	}
	s.gen++
	gen := s.gen
	l := s.link
	s.link = nil
	if l == nil && s.state == Disconnected {
		s.Unlock()
		return nil
	}
	notify := s.setState(Disconnecting, nil)
	s.Unlock()
	notify()

	if l != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := l.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
			glog.V(5).Infof("ws: write close frame error: %v", err)
		}
		l.shutdown()
		l.wg.Wait()
	}

	s.Lock()
	notify = func() {}
	if s.gen == gen {
		notify = s.setState(Disconnected, nil)
	}
	s.Unlock()
	notify()

	glog.V(5).Infof("ws: closed %s", s.conf.URL)
	return nil
}

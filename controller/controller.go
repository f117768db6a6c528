// Package controller drives the chat session of one visible conversation: it owns a
// transport and a timeline, connects while the conversation is shown and tears both
// down when it is hidden.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/pborman/uuid"
	"golang.org/x/time/rate"

	"github.com/mqy/minichat/chat"
	"github.com/mqy/minichat/metrics"
	"github.com/mqy/minichat/timeline"
)

const (
	DefaultMaxConnectAttempts = 3
	DefaultSendTimeout        = 10 * time.Second

	BackoffMinInterval = time.Second
	BackoffMaxInterval = 60 * time.Second
	BackoffMultiplier  = 1.5
)

var (
	ErrNotActive = errors.New("controller: session is not active")

	errStreamClosed = errors.New("controller: inbound stream closed")
)

//go:generate mockgen -destination=mock/transport.go -package=mock_controller . ITransport,IExporter

// ITransport is the connection a controller drives. *ws.Session implements it.
type ITransport interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, m *chat.Message) error
	Observe() <-chan *chat.Message
	Close() error
	Err() error
}

// IExporter receives every live message newly accepted into the timeline.
type IExporter interface {
	Export(m *chat.Message)
}

// NotActiveError is returned by Send outside the Active state.
type NotActiveError struct {
	State State
}

func (e *NotActiveError) Error() string {
	return fmt.Sprintf("controller: cannot send in state %s", e.State)
}

func (e *NotActiveError) Is(target error) bool {
	return target == ErrNotActive
}

type Config struct {
	// SenderID stamps outbound messages that carry no sender.
	SenderID string

	MaxConnectAttempts int
	BackoffMin         time.Duration
	BackoffMax         time.Duration
	BackoffMultiplier  float64

	// AutoReconnect retries once per backoff step after losing an active connection.
	AutoReconnect bool

	SendTimeout time.Duration

	// Optimistic renders outbound messages as pending before the server acknowledges them.
	Optimistic bool

	// SendRate limits Send calls per second; 0 means unlimited.
	SendRate  float64
	SendBurst int

	Exporter IExporter
}

func DefaultConfig() Config {
	return Config{
		MaxConnectAttempts: DefaultMaxConnectAttempts,
		BackoffMin:         BackoffMinInterval,
		BackoffMax:         BackoffMaxInterval,
		BackoffMultiplier:  BackoffMultiplier,
		AutoReconnect:      true,
		SendTimeout:        DefaultSendTimeout,
		Optimistic:         true,
	}
}

func (c *Config) setDefaults() {
	if c.MaxConnectAttempts <= 0 {
		c.MaxConnectAttempts = DefaultMaxConnectAttempts
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = BackoffMinInterval
	}
	if c.BackoffMax < c.BackoffMin {
		c.BackoffMax = BackoffMaxInterval
		if c.BackoffMax < c.BackoffMin {
			c.BackoffMax = c.BackoffMin
		}
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = BackoffMultiplier
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.SendBurst <= 0 {
		c.SendBurst = 1
	}
}

// Controller is the session of one conversation. It is the only user of its
// transport and timeline.
type Controller struct {
	sync.Mutex

	conf           Config
	conversationID string
	transport      ITransport
	timeline       *timeline.Reconciler
	limiter        *rate.Limiter

	state State
	err   error

	// bumped by Show and Hide; tasks of an older gen must not touch the state.
	gen    uint64
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// history load; outlives reconnects, cancelled by Hide.
	historyCancel context.CancelFunc
	loading       bool

	// serializes Hide so it returns only in Idle.
	hideMu sync.Mutex

	updates chan struct{}
}

func New(conversationID string, transport ITransport, fetcher timeline.IHistoryFetcher, conf Config) *Controller {
	conf.setDefaults()
	c := &Controller{
		conf:           conf,
		conversationID: conversationID,
		transport:      transport,
		timeline:       timeline.New(conversationID, fetcher),
		updates:        make(chan struct{}, 1),
	}
	if conf.SendRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(conf.SendRate), conf.SendBurst)
	}
	return c
}

func (c *Controller) String() string {
	return c.conversationID
}

func (c *Controller) ConversationID() string {
	return c.conversationID
}

func (c *Controller) State() State {
	c.Lock()
	defer c.Unlock()
	return c.state
}

// Err returns the cause of the Error state.
func (c *Controller) Err() error {
	c.Lock()
	defer c.Unlock()
	return c.err
}

func (c *Controller) Timeline() timeline.Snapshot {
	return c.timeline.Snapshot()
}

// Updates signals state or timeline changes. Signals coalesce.
func (c *Controller) Updates() <-chan struct{} {
	return c.updates
}

func (c *Controller) notify() {
	select {
	case c.updates <- struct{}{}:
	default:
	}
}

// fire applies e and reports whether the state changed. Must be called with c locked.
func (c *Controller) fire(e Event) bool {
	from := c.state
	to := Next(from, e)
	if from == to {
		glog.V(5).Infof("controller %s: ignore %s in %s", c, e, from)
		return false
	}
	c.state = to
	glog.Infof("controller %s: %s -> %s on %s", c, from, to, e)
	metrics.TransitionsTotal.WithLabelValues(from.String(), to.String()).Inc()
	c.notify()
	return true
}

// Show starts connecting. Showing from Idle loads the history, showing again reloads it
// when the last load failed. It does not block.
func (c *Controller) Show() {
	c.Lock()
	defer c.Unlock()

	from := c.state
	if !c.fire(Show) {
		return
	}
	c.err = nil
	if c.cancel != nil {
		c.cancel()
	}
	c.gen++
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	if from == Idle {
		c.startHistory()
	} else {
		c.reloadFailedHistory()
	}
	c.wg.Add(1)
	go c.run(ctx, c.gen)
}

// Hide cancels the connect, read and history tasks, waits for them, then closes the
// transport. It returns once the controller is Idle.
func (c *Controller) Hide() {
	c.hideMu.Lock()
	defer c.hideMu.Unlock()

	c.Lock()
	if !c.fire(Hide) {
		c.Unlock()
		return
	}
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.historyCancel != nil {
		c.historyCancel()
		c.historyCancel = nil
	}
	c.Unlock()

	c.wg.Wait()
	if err := c.transport.Close(); err != nil {
		glog.Warningf("controller %s: close transport error: %v", c, err)
	}

	c.Lock()
	c.err = nil
	c.fire(Closed)
	c.Unlock()
}

// startHistory must be called with c locked.
func (c *Controller) startHistory() {
	if c.historyCancel != nil {
		c.historyCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.historyCancel = cancel
	c.loading = true
	c.wg.Add(1)
	go c.loadHistory(ctx)
}

// reloadFailedHistory must be called with c locked.
func (c *Controller) reloadFailedHistory() {
	if !c.loading && c.timeline.Snapshot().Status == timeline.StatusError {
		glog.Infof("controller %s: reload history", c)
		c.startHistory()
	}
}

func (c *Controller) loadHistory(ctx context.Context) {
	defer c.wg.Done()
	if err := c.timeline.Load(ctx); err != nil && ctx.Err() == nil {
		glog.Errorf("controller %s: load history error: %v", c, err)
	}
	c.Lock()
	c.loading = false
	c.Unlock()
	c.notify()
}

func (c *Controller) run(ctx context.Context, gen uint64) {
	defer c.wg.Done()

	for {
		if err := c.connect(ctx); err != nil {
			c.Lock()
			if c.gen == gen {
				c.err = err
				c.fire(ConnectFailed)
			}
			c.Unlock()
			return
		}

		c.Lock()
		if c.gen != gen {
			// Hide closes the transport.
			c.Unlock()
			return
		}
		c.fire(Connected)
		c.Unlock()

		err := c.consume(ctx)
		if ctx.Err() != nil {
			return
		}

		c.Lock()
		if c.gen != gen {
			c.Unlock()
			return
		}
		glog.Warningf("controller %s: connection lost: %v", c, err)
		c.err = err
		c.fire(ConnLost)
		c.Unlock()

		if !c.conf.AutoReconnect || !sleep(ctx, c.conf.BackoffMin) {
			return
		}

		c.Lock()
		if c.gen != gen || !c.fire(Retry) {
			c.Unlock()
			return
		}
		c.err = nil
		c.reloadFailedHistory()
		c.Unlock()
	}
}

type retryable interface {
	Retryable() bool
}

// connect retries retryable failures with exponential backoff.
func (c *Controller) connect(ctx context.Context) error {
	var wait time.Duration
	for attempt := 1; ; attempt++ {
		err := c.transport.Connect(ctx)
		if err == nil {
			return nil
		}

		var r retryable
		if ctx.Err() != nil || !errors.As(err, &r) || !r.Retryable() || attempt >= c.conf.MaxConnectAttempts {
			return err
		}

		c.backoff(&wait)
		glog.Warningf("controller %s: connect attempt %d error: %v, retry in %v", c, attempt, err, wait)
		if !sleep(ctx, wait) {
			return ctx.Err()
		}
	}
}

// consume feeds the inbound stream into the timeline until it ends or ctx is done.
func (c *Controller) consume(ctx context.Context) error {
	in := c.transport.Observe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-in:
			if !ok {
				if err := c.transport.Err(); err != nil {
					return err
				}
				return errStreamClosed
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if c.timeline.Push(m) {
				c.notify()
				if c.conf.Exporter != nil {
					c.conf.Exporter.Export(m)
				}
			}
		}
	}
}

func (c *Controller) backoff(d *time.Duration) {
	if *d == 0 {
		*d = c.conf.BackoffMin
		return
	}
	*d = time.Duration(float64(*d) * c.conf.BackoffMultiplier)
	if *d < c.conf.BackoffMax {
		*d = d.Truncate(time.Millisecond)
	} else {
		*d = c.conf.BackoffMax
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Send stamps m with the conversation, sender, correlation id and local time, and
// writes it to the transport. It is only allowed while Active. The returned message
// is a copy of what was sent.
func (c *Controller) Send(ctx context.Context, m *chat.Message) (*chat.Message, error) {
	if st := c.State(); st != Active {
		return nil, &NotActiveError{State: st}
	}
	if m == nil {
		return nil, chat.ErrEmptyMessage
	}

	out := *m
	out.ID = ""
	out.ConversationID = c.conversationID
	if out.SenderID == "" {
		out.SenderID = c.conf.SenderID
	}
	out.CorrelationID = uuid.New()
	if out.Timestamp.IsZero() {
		out.Timestamp = time.Now().UTC()
	}
	if err := out.ValidateOutbound(); err != nil {
		return nil, err
	}

	sctx, cancel := context.WithTimeout(ctx, c.conf.SendTimeout)
	defer cancel()
	if c.limiter != nil {
		if err := c.limiter.Wait(sctx); err != nil {
			return nil, fmt.Errorf("controller: send rate limit: %w", err)
		}
	}

	if c.conf.Optimistic && c.timeline.AddPending(&out) {
		c.notify()
	}
	if err := c.transport.Send(sctx, &out); err != nil {
		if c.conf.Optimistic && c.timeline.DropPending(out.CorrelationID) {
			c.notify()
		}
		glog.Warningf("controller %s: send error: %v", c, err)
		return nil, err
	}
	sent := out
	return &sent, nil
}

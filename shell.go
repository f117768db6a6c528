package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/golang/glog"

	"github.com/mqy/minichat/chat"
	"github.com/mqy/minichat/controller"
)

const shellHelp = `commands:
  /join <conversation>   enter a conversation
  /leave                 leave the current conversation
  /state                 show the session state
  /quit                  exit
anything else is sent to the current conversation`

// shell is the terminal front end: it turns input lines into registry and controller
// calls and renders the timeline of the current conversation.
type shell struct {
	sync.Mutex
	out      io.Writer
	registry *controller.Registry

	watchCancel context.CancelFunc
	watchDone   chan struct{}
}

func newShell(out io.Writer, registry *controller.Registry) *shell {
	return &shell{out: out, registry: registry}
}

func (sh *shell) printf(format string, args ...interface{}) {
	sh.Lock()
	defer sh.Unlock()
	fmt.Fprintf(sh.out, format+"\n", args...)
}

// run executes lines from in until EOF, /quit or ctx is done.
func (sh *shell) run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	errC := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			errC <- err
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errC:
			return err
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-errC:
					return err
				default:
					return nil
				}
			}
			if quit := sh.exec(ctx, line); quit {
				return nil
			}
		}
	}
}

func (sh *shell) exec(ctx context.Context, line string) (quit bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}

	if !strings.HasPrefix(line, "/") {
		sh.send(ctx, line)
		return false
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/join":
		if len(fields) != 2 {
			sh.printf("usage: /join <conversation>")
			return false
		}
		sh.stopWatch()
		c, err := sh.registry.Enter(fields[1])
		if err != nil {
			sh.printf("!! join %s: %v", fields[1], err)
			return false
		}
		sh.startWatch(c)
	case "/leave":
		sh.stopWatch()
		sh.registry.Leave()
	case "/state":
		c := sh.registry.Current()
		if c == nil {
			sh.printf("-- no conversation")
		} else if err := c.Err(); err != nil {
			sh.printf("-- %s: %s (%v)", c.ConversationID(), c.State(), err)
		} else {
			sh.printf("-- %s: %s", c.ConversationID(), c.State())
		}
	case "/quit":
		return true
	case "/help":
		sh.printf(shellHelp)
	default:
		sh.printf("unknown command %s, try /help", fields[0])
	}
	return false
}

func (sh *shell) send(ctx context.Context, text string) {
	c := sh.registry.Current()
	if c == nil {
		sh.printf("!! join a conversation first")
		return
	}
	if _, err := c.Send(ctx, &chat.Message{Content: text}); err != nil {
		sh.printf("!! send: %v", err)
	}
}

func (sh *shell) startWatch(c *controller.Controller) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	sh.watchCancel = cancel
	sh.watchDone = done
	go sh.watch(ctx, c, done)
}

func (sh *shell) stopWatch() {
	if sh.watchCancel == nil {
		return
	}
	sh.watchCancel()
	<-sh.watchDone
	sh.watchCancel = nil
	sh.watchDone = nil
}

// watch prints state changes and acknowledged messages, oldest first.
func (sh *shell) watch(ctx context.Context, c *controller.Controller, done chan struct{}) {
	defer close(done)

	printed := make(map[string]bool)
	lastState := controller.Idle
	failed := false
	render := func() {
		if st := c.State(); st != lastState {
			lastState = st
			if err := c.Err(); err != nil {
				sh.printf("-- %s: %s (%v)", c.ConversationID(), st, err)
			} else {
				sh.printf("-- %s: %s", c.ConversationID(), st)
			}
		}

		snap := c.Timeline()
		if snap.Err != nil && !failed {
			failed = true
			sh.printf("!! history: %v", snap.Err)
		}
		for i := len(snap.Messages) - 1; i >= 0; i-- {
			m := snap.Messages[i]
			if m.Pending() || printed[m.Key()] {
				continue
			}
			printed[m.Key()] = true
			sh.printf("%s", formatMessage(m))
		}
	}

	render()
	for {
		select {
		case <-ctx.Done():
			glog.V(5).Infof("shell: stop watching %s", c.ConversationID())
			return
		case <-c.Updates():
			render()
		}
	}
}

func formatMessage(m *chat.Message) string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(m.Timestamp.Local().Format("15:04:05"))
	b.WriteString("] ")
	b.WriteString(m.SenderID)
	b.WriteString(": ")
	b.WriteString(m.Content)
	if m.MediaFileID != "" {
		fmt.Fprintf(&b, " <%s %s>", m.MediaFileType, m.MediaFileID)
	}
	if m.ReplyTo != "" {
		fmt.Fprintf(&b, " (reply to %s)", m.ReplyTo)
	}
	return b.String()
}

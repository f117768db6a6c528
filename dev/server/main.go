// The dev server is an in-memory chat server for trying the minichat client locally.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang/glog"

	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/chat"
	"github.com/mqy/minichat/chattest"
)

var (
	flagAddr          = flag.String("addr", "127.0.0.1:8080", "server address, ip:port")
	flagAccessToken   = flag.String("access-token", "dev-access", "initial access token")
	flagRefreshToken  = flag.String("refresh-token", "dev-refresh", "initial refresh token")
	flagConversations = flag.String("conversations", "general:u1,u2", "seeded group conversations, `id:member,member;...`; the first member is admin")
	flagTokenTTL      = flag.Duration("token-ttl", 0, "expire the access token at this interval to exercise refresh, 0 disables")
)

func main() {
	flag.Parse()

	// NOTE: os.Exit() does not call defers.
	os.Exit(run())
}

func run() int {
	defer glog.Flush()

	cs := chattest.New(auth.Pair{AccessToken: *flagAccessToken, RefreshToken: *flagRefreshToken})
	convs, err := parseConversations(*flagConversations)
	if err != nil {
		return errorf("--conversations: %v", err)
	}
	for _, c := range convs {
		cs.SetConversation(c)
		glog.Infof("conversation %s, members: %v", c.ID, c.MemberIDs)
	}

	srv := &http.Server{Addr: *flagAddr, Handler: cs}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if *flagTokenTTL > 0 {
		go expireTokens(ctx, cs, *flagTokenTTL)
	}

	errC := make(chan error, 1)
	go func() {
		errC <- srv.ListenAndServe()
	}()
	glog.Infof("dev chat server listening on %s", *flagAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case err := <-errC:
		if !errors.Is(err, http.ErrServerClosed) {
			return errorf("serve: %v", err)
		}
	case sig := <-sigCh:
		glog.Infof("received signal `%s` stopping", sig.String())
		cs.DropAll(1001)
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancelShutdown()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			glog.Warningf("shutdown: %v", err)
		}
	}

	glog.Info("dev chat server exited")
	return 0
}

func expireTokens(ctx context.Context, cs *chattest.Server, ttl time.Duration) {
	ticker := time.NewTicker(ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cs.ExpireAccessToken()
			glog.Infof("access token expired, refresh token: %s", cs.Tokens().RefreshToken)
		}
	}
}

func parseConversations(s string) ([]*chat.Conversation, error) {
	var out []*chat.Conversation
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, members, ok := strings.Cut(part, ":")
		if !ok || id == "" || members == "" {
			return nil, errors.New("want id:member,member")
		}
		memberIDs := strings.Split(members, ",")
		c := &chat.Conversation{
			ID:        id,
			Name:      id,
			AdminIDs:  memberIDs[:1],
			MemberIDs: memberIDs,
			CreatedAt: time.Now().UTC(),
		}
		if err := c.Validate(); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func errorf(fmt string, args ...interface{}) int {
	glog.Errorf(fmt, args...)
	return 1
}

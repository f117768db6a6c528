package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/sync/singleflight"

	"github.com/mqy/minichat/metrics"
)

const (
	refreshPath    = "/api/auth/refreshToken"
	refreshTimeout = 30 * time.Second
)

// RestProvider implements Provider against the chat server's refresh endpoint.
// It is safe to share between sessions: reads take the read lock and refreshes
// go through one singleflight call.
type RestProvider struct {
	sync.RWMutex
	pair Pair

	baseURL    string
	httpClient *http.Client
	store      TokenStore
	group      singleflight.Group
}

// NewRestProvider loads the stored pair. httpClient must not carry an auth.Transport.
func NewRestProvider(baseURL string, store TokenStore, httpClient *http.Client) (*RestProvider, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: refreshTimeout}
	}
	pair, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("auth: load tokens: %w", err)
	}
	return &RestProvider{
		pair:       *pair,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: httpClient,
		store:      store,
	}, nil
}

func (p *RestProvider) AccessToken() string {
	p.RLock()
	defer p.RUnlock()
	return p.pair.AccessToken
}

func (p *RestProvider) RefreshToken() string {
	p.RLock()
	defer p.RUnlock()
	return p.pair.RefreshToken
}

// Refresh joins the in-flight refresh if there is one. The shared call is not bound to
// any caller's ctx, so one caller giving up does not fail the others.
func (p *RestProvider) Refresh(ctx context.Context) (*Pair, error) {
	ch := p.group.DoChan("refresh", func() (interface{}, error) {
		ctx2, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()
		return p.doRefresh(ctx2)
	})

	select {
	case <-ctx.Done():
		return nil, &Error{Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		out := *res.Val.(*Pair)
		return &out, nil
	}
}

func (p *RestProvider) doRefresh(ctx context.Context) (pair *Pair, err error) {
	defer func() { metrics.RefreshTotal.WithLabelValues(metrics.Result(err)).Inc() }()

	refreshToken := p.RefreshToken()
	if refreshToken == "" {
		return nil, &Error{Err: ErrNoRefreshToken}
	}

	body, _ := json.Marshal(map[string]string{"refreshToken": refreshToken})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+refreshPath, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		glog.Errorf("auth: refresh request error: %v", err)
		return nil, &Error{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		glog.Warningf("auth: refresh rejected, status: %d", resp.StatusCode)
		return nil, &Error{StatusCode: resp.StatusCode}
	}

	var out Pair
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &Error{Err: fmt.Errorf("decode refresh response: %w", err)}
	}
	if out.AccessToken == "" {
		return nil, &Error{Err: fmt.Errorf("refresh response without access token")}
	}
	if out.RefreshToken == "" {
		out.RefreshToken = refreshToken
	}

	p.Lock()
	p.pair = out
	p.Unlock()

	if err := p.store.Save(&out); err != nil {
		// the pair is still usable for this process.
		glog.Errorf("auth: save refreshed tokens error: %v", err)
	}

	glog.V(5).Info("auth: tokens refreshed")
	return &out, nil
}

package auth

import (
	"io"
	"net/http"

	"github.com/golang/glog"
)

// Transport adds the bearer token to outbound requests. A 401 response triggers
// exactly one retry of the request, after a Refresh unless another caller rotated
// the token since this request was sent.
type Transport struct {
	Provider Provider
	Base     http.RoundTripper
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	token := t.Provider.AccessToken()
	resp, err := t.base().RoundTrip(withToken(req, token, req.Body))
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	// a consumed body that can't be replayed: hand the 401 back.
	var body io.ReadCloser
	if req.Body != nil && req.Body != http.NoBody {
		if req.GetBody == nil {
			return resp, nil
		}
		if body, err = req.GetBody(); err != nil {
			return resp, nil
		}
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if next := t.Provider.AccessToken(); next != "" && next != token {
		glog.V(5).Infof("auth: %s %s unauthorized, token rotated meanwhile", req.Method, req.URL.Path)
		return t.base().RoundTrip(withToken(req, next, body))
	}

	glog.V(5).Infof("auth: %s %s unauthorized, refreshing", req.Method, req.URL.Path)
	pair, err := t.Provider.Refresh(req.Context())
	if err != nil {
		if body != nil {
			body.Close()
		}
		return nil, err
	}
	return t.base().RoundTrip(withToken(req, pair.AccessToken, body))
}

func withToken(req *http.Request, token string, body io.ReadCloser) *http.Request {
	out := req.Clone(req.Context())
	out.Body = body
	SetBearer(out.Header, token)
	return out
}

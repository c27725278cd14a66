package background

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sitesafe/fieldsync/internal/errors"
	"github.com/sitesafe/fieldsync/internal/logging"
	"github.com/sitesafe/fieldsync/internal/models"
	"github.com/sitesafe/fieldsync/internal/sync/remote"
)

// Interceptor is an http.RoundTripper that stores push requests which could
// not reach the server so the Worker can replay them later.
type Interceptor struct {
	base   http.RoundTripper
	store  RequestStore
	online func() bool
	now    func() time.Time
}

// NewInterceptor wraps base. online may be nil; when it reports false the
// request is stored without being sent.
func NewInterceptor(base http.RoundTripper, store RequestStore, online func() bool) *Interceptor {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Interceptor{base: base, store: store, online: online, now: time.Now}
}

func matches(req *http.Request) bool {
	return req.Method == http.MethodPost && strings.HasSuffix(req.URL.Path, remote.PushPath)
}

// RoundTrip implements http.RoundTripper.
func (i *Interceptor) RoundTrip(req *http.Request) (*http.Response, error) {
	if !matches(req) {
		return i.base.RoundTrip(req)
	}

	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, err
		}
	}

	out := req.Clone(req.Context())
	out.Body = io.NopCloser(bytes.NewReader(body))
	out.ContentLength = int64(len(body))

	if i.online != nil && !i.online() {
		i.capture(req, body, "offline")
		return nil, errors.New(errors.ErrSyncOffline, "offline, push stored for background replay")
	}

	resp, err := i.base.RoundTrip(out)
	if err != nil {
		// A cancelled pass is not a network failure.
		if req.Context().Err() == nil {
			i.capture(req, body, err.Error())
		}
		return nil, err
	}
	return resp, nil
}

func (i *Interceptor) capture(req *http.Request, body []byte, reason string) {
	r := &models.BackgroundRequest{
		Method:    req.Method,
		URL:       req.URL.String(),
		Header:    req.Header.Clone(),
		Body:      body,
		LastError: reason,
		CreatedAt: i.now().UnixMilli(),
	}
	// The store call must outlive the failed request's context.
	if err := i.store.InsertBackgroundRequest(context.WithoutCancel(req.Context()), r); err != nil {
		logging.Error("Failed to store push for background replay", err, nil)
		return
	}
	logging.Info("Stored push for background replay", map[string]interface{}{
		"request_id": r.ID,
		"reason":     reason,
	})
}

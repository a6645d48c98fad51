package internal

import (
	"errors"
	"net/http"
)

// throttledTransport gates requests through the shared per-host limiter and
// widens the bucket when the upstream pushes back. It sits above the
// error-proxying layer, so pushback arrives as a statusErr.
type throttledTransport struct {
	http.RoundTripper
	limiter *HostLimiter
}

func (t throttledTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(r.Context(), r.URL.Host); err != nil {
		return nil, err
	}
	resp, err := t.RoundTripper.RoundTrip(r)
	var s statusErr
	if errors.As(err, &s) {
		if s.Status() == http.StatusTooManyRequests || s.Status() == http.StatusForbidden {
			t.limiter.Widen(r.URL.Host)
		}
	}
	return resp, err
}

// scopedTransport restricts requests to a particular origin, so redirects
// can't send us elsewhere and credentials can't leak to other domains.
type scopedTransport struct {
	scheme string
	host   string
	http.RoundTripper
}

func (t scopedTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r.URL.Scheme = t.scheme
	r.URL.Host = t.host
	return t.RoundTripper.RoundTrip(r)
}

// headerTransport adds a header to all requests. Best used with a
// scopedTransport.
type headerTransport struct {
	key   string
	value string
	http.RoundTripper
}

func (t headerTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r.Header.Set(t.key, t.value)
	return t.RoundTripper.RoundTrip(r)
}

// errorProxyTransport returns a non-nil statusErr for all response codes
// 400 and above so callers can classify them without inspecting bodies.
type errorProxyTransport struct {
	http.RoundTripper
}

func (t errorProxyTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	resp, err := t.RoundTripper.RoundTrip(r)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		_ = resp.Body.Close()
		return nil, statusErr(resp.StatusCode)
	}
	return resp, nil
}

package internal

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const _bookPage = `<html><head><title>Sword of Dawn</title></head><body>
<h1>Sword of Dawn</h1>
<div class="author">Author: Mo Yan</div>
<div class="status">Completed</div>
<div class="intro">A sword. A dawn. Much cultivation.</div>
<div class="last-chapter"><a href="/book/42/1553.html">Chapter 1553: The End</a></div>
</body></html>`

const _challengePage = `<html><head><title>Just a moment...</title></head><body>
<form id="challenge-form"></form></body></html>`

func testFetcher(t *testing.T, srv *httptest.Server, noProxy string) *Fetcher {
	t.Helper()
	f, err := NewFetcher(srv.URL, NewHTMLParser(srv.URL), NewHostLimiter(time.Millisecond, 10), noProxy)
	require.NoError(t, err)
	return f
}

func TestFetcherRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(_bookPage))
	}))
	t.Cleanup(srv.Close)

	f := testFetcher(t, srv, "")
	book, err := f.BookInfo(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, "Sword of Dawn", book.Name)
	assert.Equal(t, StatusCompleted, book.Status)
	assert.Equal(t, 1553, book.LastChapterNumber)
	assert.Equal(t, int64(2), attempts.Load())
}

func TestFetcherNotFoundFailsFast(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	f := testFetcher(t, srv, "")
	_, err := f.BookInfo(context.Background(), "42")
	require.Error(t, err)
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.Equal(t, int64(1), attempts.Load(), "a 404 is not worth retrying")
}

func TestFetcherDetectsChallenge(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(_challengePage))
	}))
	t.Cleanup(srv.Close)

	f := testFetcher(t, srv, "")
	_, err := f.BookInfo(context.Background(), "42")
	require.Error(t, err)
	assert.Equal(t, KindUpstreamBlocked, KindOf(err))
}

func TestFetcherNoProxyBypassesChallengeSniff(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(_challengePage))
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	f := testFetcher(t, srv, u.Host)
	_, err = f.BookInfo(context.Background(), "42")
	require.Error(t, err)
	// The page still fails validation, but not as a blocked upstream.
	assert.Equal(t, KindUpstreamInvalid, KindOf(err))
}

func TestFetcherRejectsShortContent(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><body><div id="content"><p>too short</p></div></body></html>`))
	}))
	t.Cleanup(srv.Close)

	f := testFetcher(t, srv, "")
	_, err := f.Content(context.Background(), Chapter{BookID: "42", Key: "1001", URL: srv.URL + "/book/42/1001.html"})
	require.Error(t, err)
	assert.Equal(t, KindUpstreamInvalid, KindOf(err))
}

func TestFetcherContent(t *testing.T) {
	t.Parallel()

	body := `<html><body><div id="content"><p>` +
		strings.Repeat("The blade hummed. ", 20) +
		`</p><p>Second paragraph.</p></div></body></html>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	f := testFetcher(t, srv, "")
	text, err := f.Content(context.Background(), Chapter{BookID: "42", Key: "1001", URL: srv.URL + "/book/42/1001.html"})
	require.NoError(t, err)
	assert.Contains(t, text, "The blade hummed.")
	assert.Contains(t, text, "Second paragraph.")
}

func TestClassifyFetchErr(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want Kind
	}{
		{statusErr(http.StatusTooManyRequests), KindUpstreamRateLimited},
		{statusErr(http.StatusNotFound), KindNotFound},
		{statusErr(http.StatusBadGateway), KindUpstreamUnreachable},
		{statusErr(http.StatusForbidden), KindUpstreamInvalid},
		{context.Canceled, KindCancelled},
		{errors.New("dial tcp: connection refused"), KindUpstreamUnreachable},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, KindOf(classifyFetchErr(tc.err)), "for %v", tc.err)
	}
}

func TestFetcherRateLimitWidensOn429(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	limiter := NewHostLimiter(time.Millisecond, 10)
	before := limiter.Limit(u.Host)

	f, err := NewFetcher(srv.URL, NewHTMLParser(srv.URL), limiter, "")
	require.NoError(t, err)
	f.attemptTimeout = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = f.BookInfo(ctx, "42")
	require.Error(t, err)

	assert.Less(t, float64(limiter.Limit(u.Host)), float64(before))
}

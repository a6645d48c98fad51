package internal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/antchfx/htmlquery"
	"github.com/avast/retry-go/v4"
	"golang.org/x/net/html"
)

// _minContentLen is the shortest chapter body we accept. Anything shorter
// is assumed to be an error page that slipped through.
const _minContentLen = 50

// _fetchAttempts and _fetchDelay shape the retry schedule: 1s, 2s, 4s.
const (
	_fetchAttempts = 3
	_fetchDelay    = time.Second
)

// Parser turns raw upstream documents into typed records. It's a
// collaborator; the core only depends on this contract. Implementations
// must normalize the upstream's "completed" status sentinel into
// StatusCompleted and are responsible for knowing the site's URL layout.
type Parser interface {
	Categories(doc *html.Node) ([]Category, error)
	CategoryPage(doc *html.Node, catID string) ([]Book, int, error)
	BookInfo(doc *html.Node, bookID string) (*Book, error)
	ChapterPage(doc *html.Node, bookID string) (*ChapterPage, error)
	Content(doc *html.Node) (string, error)

	CategoryPageURL(cat Category, page int) string
	BookURL(bookID string) string
	ChapterPageURL(bookID string, page int) string
}

// Fetcher is the only component that talks to the remote site. It owns
// retries, rate limiting, challenge-page detection and record validation.
type Fetcher struct {
	http    *http.Client
	parser  Parser
	limiter *HostLimiter
	base    *url.URL

	// noProxy hosts skip the challenge-page preflight; they're assumed to be
	// reached directly rather than through an intercepting proxy.
	noProxy []string

	attemptTimeout time.Duration
}

// NewFetcher builds an upstream client scoped to baseURL with throttling
// and error-proxying middleware.
func NewFetcher(baseURL string, parser Parser, limiter *HostLimiter, noProxy string) (*Fetcher, error) {
	base, err := url.Parse(baseURL)
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q: %w", baseURL, err)
	}
	client := &http.Client{
		Transport: throttledTransport{
			limiter: limiter,
			RoundTripper: scopedTransport{
				scheme: base.Scheme,
				host:   base.Host,
				RoundTripper: headerTransport{
					key:          "User-Agent",
					value:        "Mozilla/5.0 (X11; Linux x86_64) novelcache/1.0",
					RoundTripper: errorProxyTransport{http.DefaultTransport},
				},
			},
		},
	}

	var bypass []string
	for _, h := range strings.Split(noProxy, ",") {
		if h = strings.TrimSpace(h); h != "" {
			bypass = append(bypass, h)
		}
	}

	return &Fetcher{
		http:           client,
		parser:         parser,
		limiter:        limiter,
		base:           base,
		noProxy:        bypass,
		attemptTimeout: 30 * time.Second,
	}, nil
}

// Categories fetches and parses the catalog's category list.
func (f *Fetcher) Categories(ctx context.Context) ([]Category, error) {
	doc, err := f.fetch(ctx, f.base.String())
	if err != nil {
		return nil, err
	}
	cats, err := f.parser.Categories(doc)
	if err != nil {
		return nil, WithKind(KindUpstreamInvalid, err)
	}
	if len(cats) == 0 {
		return nil, Errf(KindUpstreamInvalid, "upstream returned no categories")
	}
	return cats, nil
}

// CategoryPage fetches one page of a category listing.
func (f *Fetcher) CategoryPage(ctx context.Context, cat Category, page int) ([]Book, int, error) {
	doc, err := f.fetch(ctx, f.parser.CategoryPageURL(cat, page))
	if err != nil {
		return nil, 0, err
	}
	books, totalPages, err := f.parser.CategoryPage(doc, cat.ID)
	if err != nil {
		return nil, 0, WithKind(KindUpstreamInvalid, err)
	}
	return books, totalPages, nil
}

// BookInfo fetches a book's metadata page.
func (f *Fetcher) BookInfo(ctx context.Context, bookID string) (*Book, error) {
	doc, err := f.fetch(ctx, f.parser.BookURL(bookID))
	if err != nil {
		return nil, err
	}
	book, err := f.parser.BookInfo(doc, bookID)
	if err != nil {
		return nil, WithKind(KindUpstreamInvalid, err)
	}
	if book.Name == "" {
		return nil, Errf(KindUpstreamInvalid, "book %s missing name", bookID)
	}
	return book, nil
}

// ChapterPage fetches one page of a book's chapter index. An empty page is
// semantically invalid; a book with zero chapters reports that on its info
// page, not here.
func (f *Fetcher) ChapterPage(ctx context.Context, bookID string, page int) (*ChapterPage, error) {
	doc, err := f.fetch(ctx, f.parser.ChapterPageURL(bookID, page))
	if err != nil {
		return nil, err
	}
	cp, err := f.parser.ChapterPage(doc, bookID)
	if err != nil {
		return nil, WithKind(KindUpstreamInvalid, err)
	}
	if len(cp.Chapters) == 0 {
		return nil, Errf(KindUpstreamInvalid, "empty chapter list for book %s page %d", bookID, page)
	}
	cp.Page = page
	sortChapters(cp.Chapters)
	return cp, nil
}

// Content fetches a chapter's text from its upstream URL.
func (f *Fetcher) Content(ctx context.Context, ch Chapter) (string, error) {
	doc, err := f.fetch(ctx, ch.URL)
	if err != nil {
		return "", err
	}
	text, err := f.parser.Content(doc)
	if err != nil {
		return "", WithKind(KindUpstreamInvalid, err)
	}
	if len(text) < _minContentLen {
		return "", Errf(KindUpstreamInvalid, "content for %s/%s too short (%d chars)", ch.BookID, ch.Key, len(text))
	}
	return text, nil
}

// fetch GETs rawurl with the retry schedule and returns the parsed document.
// Network errors and 5xx retry with exponential backoff; 429 retries after
// the backoff interval (the transport has already widened the limiter);
// other 4xx fail immediately.
func (f *Fetcher) fetch(ctx context.Context, rawurl string) (*html.Node, error) {
	var doc *html.Node

	err := retry.Do(
		func() error {
			attemptCtx, cancel := context.WithTimeout(ctx, f.attemptTimeout)
			defer cancel()

			var err error
			doc, err = f.fetchOnce(attemptCtx, rawurl)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(_fetchAttempts),
		retry.Delay(_fetchDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryable),
	)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (f *Fetcher) fetchOnce(ctx context.Context, rawurl string) (*html.Node, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawurl, nil)
	if err != nil {
		return nil, WithKind(KindUpstreamInvalid, err)
	}

	resp, err := f.http.Do(req)
	if err != nil {
		return nil, classifyFetchErr(err)
	}
	defer func() { _ = resp.Body.Close() }()

	doc, err := htmlquery.Parse(resp.Body)
	if err != nil {
		return nil, Errf(KindUpstreamInvalid, "parsing %s: %v", rawurl, err)
	}

	if !f.bypassed(req.URL.Host) {
		if reason := challengeReason(doc); reason != "" {
			Log(ctx).Warn("upstream challenge page detected", "url", rawurl, "reason", reason)
			return nil, Errf(KindUpstreamBlocked, "upstream blocked: %s", reason)
		}
	}
	return doc, nil
}

func classifyFetchErr(err error) error {
	var s statusErr
	if errors.As(err, &s) {
		switch {
		case s.Status() == http.StatusTooManyRequests:
			return WithKind(KindUpstreamRateLimited, err)
		case s.Status() == http.StatusNotFound:
			return WithKind(KindNotFound, err)
		case s.Status() >= 500:
			return WithKind(KindUpstreamUnreachable, err)
		default: // Remaining 4xx are ours to fix; retrying won't help.
			return WithKind(KindUpstreamInvalid, err)
		}
	}
	if errors.Is(err, context.Canceled) {
		return WithKind(KindCancelled, err)
	}
	return WithKind(KindUpstreamUnreachable, err)
}

func (f *Fetcher) bypassed(host string) bool {
	return slices.Contains(f.noProxy, host)
}

// challengeReason sniffs a parsed document for the telltale signs of an
// interception challenge and returns a short description, or "" if the page
// looks legitimate.
func challengeReason(doc *html.Node) string {
	if n := htmlquery.FindOne(doc, "//title"); n != nil {
		title := strings.ToLower(strings.TrimSpace(htmlquery.InnerText(n)))
		for _, marker := range []string{
			"just a moment",
			"attention required",
			"access denied",
			"verify you are human",
			"checking your browser",
		} {
			if strings.Contains(title, marker) {
				return fmt.Sprintf("title %q", title)
			}
		}
	}
	if htmlquery.FindOne(doc, "//*[@id='challenge-form' or @id='cf-challenge-running']") != nil {
		return "challenge form"
	}
	if htmlquery.FindOne(doc, "//meta[@http-equiv='refresh']") != nil && htmlquery.FindOne(doc, "//body//a") == nil {
		return "bare meta refresh"
	}
	return ""
}

// Package fetch downloads pages from an allow-listed set of domains and
// reduces them to readable text.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nugget/hearth/internal/buildinfo"
	"github.com/nugget/hearth/internal/httpkit"
)

const (
	// DefaultTimeout bounds a whole fetch, redirects included.
	DefaultTimeout = 15 * time.Second

	// DefaultMaxBytes caps how much of a response body is read (5 MB).
	DefaultMaxBytes int64 = 5 * 1024 * 1024

	// DefaultMaxChars is the default limit on extracted text.
	DefaultMaxChars = 50000

	maxRedirects = 5
)

var (
	// ErrInvalidURL reports a URL that is unparseable or not http(s).
	ErrInvalidURL = errors.New("invalid url")

	// ErrDomainNotAllowed reports a host outside the allow-list, either
	// requested directly or reached through a redirect.
	ErrDomainNotAllowed = errors.New("domain not allowed")
)

// Result holds the fetched and extracted content from a URL.
type Result struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Content     string `json:"content"`
	ContentType string `json:"content_type,omitempty"`
	Truncated   bool   `json:"truncated,omitempty"`
	Length      int    `json:"length"`
	StatusCode  int    `json:"status_code"`
}

// Fetcher performs GET requests against allow-listed domains only.
type Fetcher struct {
	client   *http.Client
	allowed  []string
	maxBytes int64
}

// New creates a Fetcher. A domain in allowedDomains also admits its
// subdomains. An empty list admits nothing.
func New(allowedDomains []string, timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	f := &Fetcher{maxBytes: DefaultMaxBytes}
	for _, d := range allowedDomains {
		d = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(d)), ".")
		if d != "" {
			f.allowed = append(f.allowed, d)
		}
	}
	f.client = httpkit.NewClient(
		httpkit.WithTimeout(timeout),
		httpkit.WithCheckRedirect(f.checkRedirect),
		httpkit.WithUserAgent(UserAgent()),
	)
	return f
}

// UserAgent is sent with page fetches. It takes the crawler form, which
// sites that turn away bare library clients usually admit.
func UserAgent() string {
	return "Mozilla/5.0 (compatible; " + buildinfo.UserAgent() + ")"
}

// Allowed reports whether host, given without a port, is admitted.
func (f *Fetcher) Allowed(host string) bool {
	host = strings.ToLower(strings.Trim(host, "[]"))
	for _, d := range f.allowed {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func (f *Fetcher) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("stopped after %d redirects", maxRedirects)
	}
	if !f.Allowed(req.URL.Hostname()) {
		return fmt.Errorf("redirect to %s: %w", req.URL.Hostname(), ErrDomainNotAllowed)
	}
	return nil
}

// Fetch downloads rawURL and extracts readable text. maxChars limits
// the output length; 0 uses DefaultMaxChars.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, maxChars int) (*Result, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme must be http or https", ErrInvalidURL)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	if !f.Allowed(u.Hostname()) {
		return nil, fmt.Errorf("%s: %w", u.Hostname(), ErrDomainNotAllowed)
	}

	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.7")

	resp, err := f.client.Do(req)
	if err != nil {
		// The client wraps CheckRedirect errors in *url.Error.
		if errors.Is(err, ErrDomainNotAllowed) {
			return nil, ErrDomainNotAllowed
		}
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	result := &Result{
		URL:         resp.Request.URL.String(),
		ContentType: contentType,
		StatusCode:  resp.StatusCode,
	}

	switch {
	case isHTML(contentType):
		result.Title, result.Content = extractHTML(string(body))
	case utf8.Valid(body):
		result.Content = string(body)
	default:
		result.Content = fmt.Sprintf("Binary content (%s), %d bytes", contentType, len(body))
		result.Length = len(body)
		return result, nil
	}

	if utf8.RuneCountInString(result.Content) > maxChars {
		result.Content = truncateRunes(result.Content, maxChars)
		result.Truncated = true
	}
	result.Length = len(result.Content)
	return result, nil
}

func isHTML(ct string) bool {
	ct = strings.ToLower(ct)
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml")
}

func truncateRunes(s string, n int) string {
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

// Package pages checks that a page URL resolves before the page is created.
package pages

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// ErrPageNotFound is matched by every NotFoundError
var ErrPageNotFound = errors.New("page not found")

// NotFoundError reports a page that did not answer 200
type NotFoundError struct {
	URL  string
	Code int
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found. HTTP Code: %d", e.URL, e.Code)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrPageNotFound
}

// Checker verifies a page exists and returns its document title, which is
// empty when the page has none.
type Checker interface {
	Check(ctx context.Context, url string) (string, error)
}

// HTTPChecker fetches pages over HTTP
type HTTPChecker struct {
	client    *http.Client
	userAgent string
}

// NewHTTPChecker creates a checker with a per-request timeout
func NewHTTPChecker(timeout time.Duration) *HTTPChecker {
	return &HTTPChecker{
		client:    &http.Client{Timeout: timeout},
		userAgent: "archety/1.0 (+page check)",
	}
}

// Check GETs url and extracts <title> from the body
func (c *HTTPChecker) Check(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "text/html")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &NotFoundError{URL: url, Code: resp.StatusCode}
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		// the page exists; an unparseable body only loses the title
		return "", nil
	}
	return strings.TrimSpace(doc.Find("head title").First().Text()), nil
}

// Noop accepts every page
type Noop struct{}

func (Noop) Check(ctx context.Context, url string) (string, error) {
	return "", nil
}

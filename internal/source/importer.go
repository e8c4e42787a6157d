// Package source imports slide topic context from web pages.
package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	nurl "net/url"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/go-shiori/go-readability"
)

const (
	// DefaultMaxTextLength caps the imported text, in runes.
	DefaultMaxTextLength = 15000
	// minTextLength is the minimum content length to accept as a valid import.
	// Pages returning less than this are likely login walls, cookie walls, or empty pages.
	minTextLength = 100
	// maxRetries is the number of fetch attempts before giving up.
	maxRetries = 3
	// maxBodySize is the maximum HTTP response body size (5MB).
	maxBodySize = 5 * 1024 * 1024
)

// Document is the readable content of a web page, as markdown.
type Document struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Author      string `json:"author,omitempty"`
	PublishDate string `json:"publish_date,omitempty"`
	Text        string `json:"text"`
	WordCount   int    `json:"word_count"`
}

// Importer fetches web pages and extracts their main content with
// go-readability, then converts it to markdown.
type Importer struct {
	client    *http.Client
	converter *md.Converter
	maxLength int
	backoff   func(attempt int) time.Duration
}

// Option configures an Importer.
type Option func(*Importer)

// WithMaxTextLength caps the imported text length in runes.
func WithMaxTextLength(n int) Option {
	return func(i *Importer) {
		if n > 0 {
			i.maxLength = n
		}
	}
}

// WithTimeout sets the per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(i *Importer) { i.client.Timeout = d }
}

// NewImporter creates a new web page importer.
func NewImporter(opts ...Option) *Importer {
	i := &Importer{
		client:    &http.Client{Timeout: 30 * time.Second},
		converter: md.NewConverter("", true, nil),
		maxLength: DefaultMaxTextLength,
		backoff:   func(attempt int) time.Duration { return time.Duration(attempt) * 2 * time.Second },
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Import fetches the URL and extracts the main content with automatic retry.
func (i *Importer) Import(ctx context.Context, url string) (*Document, error) {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(i.backoff(attempt)):
			}
		}

		doc, err := i.doImport(ctx, url)
		if err == nil {
			return doc, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("import %s after %d attempts: %w", url, maxRetries, lastErr)
}

func (i *Importer) doImport(ctx context.Context, url string) (*Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	// Use a realistic browser User-Agent to avoid being blocked by sites.
	req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := i.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d for %s", resp.StatusCode, url)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	parsedURL, _ := nurl.Parse(url)
	article, err := readability.FromReader(strings.NewReader(string(body)), parsedURL)
	if err != nil {
		return nil, fmt.Errorf("readability: %w", err)
	}

	// Markdown keeps headings and lists, which read better as slide material
	// than flattened text. Plain text is the fallback.
	text, err := i.converter.ConvertString(article.Content)
	if err != nil || strings.TrimSpace(text) == "" {
		text = article.TextContent
	}
	text = normalizeText(text)

	if n := utf8.RuneCountInString(text); n < minTextLength {
		return nil, fmt.Errorf("extracted content too short (%d chars), possibly blocked or empty page", n)
	}
	text = truncateRunes(text, i.maxLength)

	var publishDate string
	if article.PublishedTime != nil && !article.PublishedTime.IsZero() {
		publishDate = article.PublishedTime.Format(time.RFC3339)
	}

	return &Document{
		URL:         url,
		Title:       strings.TrimSpace(article.Title),
		Author:      article.Byline,
		PublishDate: publishDate,
		Text:        text,
		WordCount:   len(strings.Fields(text)),
	}, nil
}

var multiSpace = regexp.MustCompile(`[ \t]+`)
var multiNewline = regexp.MustCompile(`\n{3,}`)

func normalizeText(s string) string {
	s = strings.TrimSpace(s)
	s = multiSpace.ReplaceAllString(s, " ")
	s = multiNewline.ReplaceAllString(s, "\n\n")
	return s
}

func truncateRunes(s string, maxRunes int) string {
	if utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxRunes]) + "\n... [truncated]"
}

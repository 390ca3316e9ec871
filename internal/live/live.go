// Package live reads the current observation from a weather station's live
// data page: one named <input> per field, labelled by the first cell of its
// table row.
package live

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Reading is one fetch of the live page.
type Reading struct {
	Values map[string]*float64
	// Labels maps field names to the station's display names.
	Labels map[string]string
}

type Source interface {
	Fetch(ctx context.Context) (Reading, error)
}

type Options struct {
	HTTPClient *http.Client
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries uint64
	// InitialInterval is the first retry delay; later delays grow
	// exponentially.
	InitialInterval time.Duration
	Logger          *slog.Logger
}

type client struct {
	url        string
	httpClient *http.Client
	maxRetries uint64
	initial    time.Duration
	logger     *slog.Logger
}

// maxPageSize bounds how much of the live page is read.
const maxPageSize = 4 << 20

func NewClient(url string, opts Options) Source {
	c := &client{
		url:        url,
		httpClient: opts.HTTPClient,
		maxRetries: opts.MaxRetries,
		initial:    opts.InitialInterval,
		logger:     opts.Logger,
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if c.initial <= 0 {
		c.initial = 500 * time.Millisecond
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Fetch downloads and parses the live page, retrying transport failures and
// 5xx answers with exponential backoff.
func (c *client) Fetch(ctx context.Context) (Reading, error) {
	var body []byte
	op := func() error {
		b, err := c.get(ctx)
		if err != nil {
			return err
		}
		body = b
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.initial
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, c.maxRetries), ctx)

	notify := func(err error, wait time.Duration) {
		c.logger.Warn("live fetch failed, retrying", "url", c.url, "error", err, "wait", wait)
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return Reading{}, fmt.Errorf("fetch live data from %s: %w", c.url, err)
	}
	return Parse(bytes.NewReader(body))
}

func (c *client) get(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxPageSize))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	case resp.StatusCode != http.StatusOK:
		return nil, backoff.Permanent(fmt.Errorf("unexpected status %s", resp.Status))
	}
	return b, nil
}

// ErrNoFields is returned by Parse when the page holds no named inputs.
var ErrNoFields = errors.New("live page has no named input fields")

// Parse extracts field values and labels from a live data page. Inputs whose
// value is blank or a dash placeholder become explicit nulls; other
// non-numeric inputs (clock, firmware strings) are skipped.
func Parse(r io.Reader) (Reading, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return Reading{}, fmt.Errorf("parse live page: %w", err)
	}

	out := Reading{Values: map[string]*float64{}, Labels: map[string]string{}}
	seen := 0
	var walk func(n *html.Node, label string)
	walk = func(n *html.Node, label string) {
		if n.Type == html.ElementNode && n.DataAtom == atom.Tr {
			label = rowLabel(n)
		}
		if n.Type == html.ElementNode && n.DataAtom == atom.Input {
			name := attr(n, "name")
			if name != "" && !strings.EqualFold(attr(n, "type"), "hidden") {
				seen++
				if v, ok := parseValue(attr(n, "value")); ok {
					out.Values[name] = v
					if label != "" {
						out.Labels[name] = label
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, label)
		}
	}
	walk(doc, "")

	if seen == 0 {
		return Reading{}, ErrNoFields
	}
	return out, nil
}

func parseValue(s string) (*float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.Trim(s, "-") == "" {
		return nil, true
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, false
	}
	return &v, true
}

// rowLabel is the text of the first cell in tr, or "" when that cell holds
// the input itself.
func rowLabel(tr *html.Node) string {
	for c := tr.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode || (c.DataAtom != atom.Td && c.DataAtom != atom.Th) {
			continue
		}
		return strings.Join(strings.Fields(text(c)), " ")
	}
	return ""
}

func text(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			sb.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

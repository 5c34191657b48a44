// Package scholar is a small client for the Semantic Scholar Graph API paper search.
package scholar

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL = "https://api.semanticscholar.org/graph/v1"
	DefaultDelay   = 500 * time.Millisecond
	maxSearchLimit = 100
)

var searchFields = []string{"paperId", "title", "abstract", "year", "authors", "url", "citationCount", "publicationDate", "venue"}

type Author struct {
	AuthorID string `json:"authorId"`
	Name     string `json:"name"`
}

// Paper is one search hit as returned by the API.
type Paper struct {
	PaperID         string   `json:"paperId"`
	Title           string   `json:"title"`
	Abstract        string   `json:"abstract"`
	Year            int      `json:"year"`
	Authors         []Author `json:"authors"`
	URL             string   `json:"url"`
	CitationCount   int      `json:"citationCount"`
	PublicationDate string   `json:"publicationDate"`
	Venue           string   `json:"venue"`
}

// AuthorNames flattens the author list.
func (p Paper) AuthorNames() []string {
	out := make([]string, 0, len(p.Authors))
	for _, a := range p.Authors {
		if a.Name != "" {
			out = append(out, a.Name)
		}
	}
	return out
}

type searchResponse struct {
	Total int     `json:"total"`
	Data  []Paper `json:"data"`
}

type Options struct {
	BaseURL string
	APIKey  string
	// Delay is the minimum spacing between requests.
	Delay   time.Duration
	Timeout time.Duration
	Retries int
	Backoff time.Duration
}

// Client searches papers with client-side pacing and a circuit breaker.
type Client struct {
	baseURL string
	apiKey  string
	http    *httpClient
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	logger  *log.Logger
}

func New(opts Options) *Client {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	delay := opts.Delay
	if delay <= 0 {
		delay = DefaultDelay
	}
	logger := log.New(log.Writer(), "[SCHOLAR] ", log.LstdFlags)
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "semantic-scholar",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Printf("circuit %s: %s -> %s", name, from, to)
		},
	})
	return &Client{
		baseURL: base,
		apiKey:  opts.APIKey,
		http:    newHTTPClient(opts.Timeout, opts.Retries, opts.Backoff),
		limiter: rate.NewLimiter(rate.Every(delay), 1),
		breaker: breaker,
		logger:  logger,
	}
}

// Search returns up to limit papers matching query.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]Paper, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("search query is empty")
	}
	if limit <= 0 {
		limit = 10
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("query", query)
	params.Set("limit", strconv.Itoa(limit))
	params.Set("fields", strings.Join(searchFields, ","))
	endpoint := c.baseURL + "/paper/search?" + params.Encode()

	headers := map[string]string{}
	if c.apiKey != "" {
		headers["x-api-key"] = c.apiKey
	}
	res, err := c.breaker.Execute(func() (interface{}, error) {
		var out searchResponse
		if err := c.http.getJSON(ctx, endpoint, headers, &out); err != nil {
			return nil, err
		}
		return out, nil
	})
	if err != nil {
		return nil, fmt.Errorf("semantic scholar search: %w", err)
	}
	resp := res.(searchResponse)
	papers := make([]Paper, 0, len(resp.Data))
	for _, p := range resp.Data {
		p.Title = plainText(p.Title)
		p.Abstract = plainText(p.Abstract)
		if p.PaperID == "" || p.Title == "" {
			continue
		}
		papers = append(papers, p)
	}
	return papers, nil
}

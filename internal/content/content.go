// Package content talks to the paginated content and community list endpoints.
// Only the request parameters and the response envelope are modeled here.
package content

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/dgellow/contentdesk/internal/account"
	"github.com/dgellow/contentdesk/internal/identity"
	"github.com/dgellow/contentdesk/internal/ioutil"
	"github.com/dgellow/contentdesk/internal/log"
	"github.com/dgellow/contentdesk/internal/urlutil"
)

const (
	DefaultTimeout = 10 * time.Second
	DefaultLimit   = 20
	MaxLimit       = 100
)

// ErrUnauthorized is returned when the content API rejects the credential
var ErrUnauthorized = errors.New("content API rejected credential")

// ListQuery holds the list parameters every collection accepts
type ListQuery struct {
	Page        int
	Limit       int
	SortBy      string
	Category    string
	Tag         string
	SearchQuery string
}

// ParseListQuery reads a ListQuery from request parameters, clamping page and limit
func ParseListQuery(q url.Values) ListQuery {
	lq := ListQuery{
		SortBy:      q.Get("sortBy"),
		Category:    q.Get("category"),
		Tag:         q.Get("tag"),
		SearchQuery: q.Get("searchQuery"),
	}
	lq.Page, _ = strconv.Atoi(q.Get("page"))
	lq.Limit, _ = strconv.Atoi(q.Get("limit"))
	return lq.normalized()
}

func (q ListQuery) normalized() ListQuery {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit < 1 {
		q.Limit = DefaultLimit
	}
	if q.Limit > MaxLimit {
		q.Limit = MaxLimit
	}
	return q
}

// Values encodes the query, leaving out empty filters
func (q ListQuery) Values() url.Values {
	q = q.normalized()
	v := url.Values{}
	v.Set("page", strconv.Itoa(q.Page))
	v.Set("limit", strconv.Itoa(q.Limit))
	for key, value := range map[string]string{
		"sortBy":      q.SortBy,
		"category":    q.Category,
		"tag":         q.Tag,
		"searchQuery": q.SearchQuery,
	} {
		if value != "" {
			v.Set(key, value)
		}
	}
	return v
}

// Page is the list response envelope
type Page[T any] struct {
	Data        []T `json:"data"`
	CurrentPage int `json:"currentPage"`
	TotalPages  int `json:"totalPages"`
	TotalItems  int `json:"totalItems"`
	Limit       int `json:"limit"`
}

// HasNext reports whether another page follows this one
func (p Page[T]) HasNext() bool {
	return p.CurrentPage < p.TotalPages
}

// Template is an item of the community templates collection
type Template struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Category    string    `json:"category,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	Author      string    `json:"author,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Client calls the content API on behalf of the signed-in user
type Client struct {
	baseURL    string
	httpClient *http.Client
	headers    map[string]string
}

func NewClient(baseURL string, httpClient *http.Client, headers map[string]string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{baseURL: baseURL, httpClient: httpClient, headers: headers}
}

// List fetches one page of collection
func List[T any](ctx context.Context, c *Client, cred account.Credential, collection string, q ListQuery) (*Page[T], error) {
	endpoint, err := urlutil.WithQuery(c.baseURL, q.Values(), collection)
	if err != nil {
		return nil, fmt.Errorf("invalid content URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := identity.BearerClient(ctx, c.httpClient, cred).Do(req)
	if err != nil {
		return nil, fmt.Errorf("content request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
	default:
		return nil, fmt.Errorf("content API returned status %d: %s", resp.StatusCode, ioutil.ReadLimited(resp.Body, ioutil.ErrorBodyLimit))
	}

	var page Page[T]
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("failed to decode %s page: %w", collection, err)
	}

	log.LogTraceWithFields("content", "Fetched page", map[string]any{
		"collection": collection,
		"page":       page.CurrentPage,
		"items":      len(page.Data),
	})
	return &page, nil
}

// Templates lists the community templates
func (c *Client) Templates(ctx context.Context, cred account.Credential, q ListQuery) (*Page[Template], error) {
	return List[Template](ctx, c, cred, "templates", q)
}

package tracker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Config holds the remote tracker connection settings.
type Config struct {
	// BaseURL is the tracker root, e.g. https://tracker.example.com
	BaseURL string

	// APIKey is sent as the X-Api-Key header on every request
	APIKey string

	// Timeout bounds each individual HTTP request
	Timeout time.Duration

	// PageSize is the fixed pagination limit for collection fetches
	PageSize int

	// MaxAttempts bounds retries per page (transient failures only)
	MaxAttempts int

	// RetryIncrement is the per-attempt backoff step (attempt × increment)
	RetryIncrement time.Duration

	// RetryMax caps the backoff regardless of attempt count
	RetryMax time.Duration

	// BreakerThreshold aborts a collection fetch after this many
	// consecutive failed pages, preserving pages already fetched
	BreakerThreshold int

	// RequestDelay is the fixed pause between page requests
	RequestDelay time.Duration

	// DetailBatchSize is the concurrency for per-user detail fetches
	DetailBatchSize int

	// DetailBatchPause is the pause between detail fetch batches; larger
	// than RequestDelay because detail fetches hit the API once per record
	DetailBatchPause time.Duration

	// Logger for client activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults. BaseURL and APIKey must still
// be supplied.
func DefaultConfig() Config {
	return Config{
		Timeout:          30 * time.Second,
		PageSize:         100,
		MaxAttempts:      3,
		RetryIncrement:   2 * time.Second,
		RetryMax:         10 * time.Second,
		BreakerThreshold: 3,
		RequestDelay:     200 * time.Millisecond,
		DetailBatchSize:  10,
		DetailBatchPause: time.Second,
	}
}

// Hash returns a digest of the connection-affecting settings. Components
// that cache a Client compare hashes on each use and rebuild the client
// when the configuration changed underneath them (e.g. a rotated API key).
func (c Config) Hash() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s", c.BaseURL, c.APIKey, c.Timeout)
	return hex.EncodeToString(h.Sum(nil))
}

// Client fetches paginated collections from the remote tracker.
//
// A Client is stateless apart from its configuration and is safe for
// concurrent use.
type Client struct {
	cfg    Config
	http   *http.Client
	hash   string
	logger *log.Logger
}

// New creates a Client from the given configuration.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("tracker base URL is required")
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultConfig().PageSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = DefaultConfig().BreakerThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.DetailBatchSize <= 0 {
		cfg.DetailBatchSize = DefaultConfig().DetailBatchSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[tracker] ", log.LstdFlags)
	}

	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		hash:   cfg.Hash(),
		logger: logger,
	}, nil
}

// ConfigHash returns the digest of the configuration this client was built
// from.
func (c *Client) ConfigHash() string {
	return c.hash
}

// PageSize returns the configured pagination limit.
func (c *Client) PageSize() int {
	return c.cfg.PageSize
}

// FetchOptions narrow a collection fetch.
type FetchOptions struct {
	// UpdatedAfter asks the remote API to filter server-side to records
	// updated at or after the cutoff. Collections without reliable
	// server-side filtering still get filtered client-side by the caller.
	UpdatedAfter *time.Time
}

func (o FetchOptions) query() url.Values {
	q := url.Values{}
	if o.UpdatedAfter != nil {
		q.Set("updated_on", ">="+o.UpdatedAfter.UTC().Format(time.RFC3339))
	}
	return q
}

// FetchUsers fetches the user collection. The list endpoint returns
// trimmed records; use FetchUserDetails for manager/role fields.
func (c *Client) FetchUsers(ctx context.Context, opts FetchOptions) ([]User, error) {
	var users []User
	err := c.paginate(ctx, "/users.json", opts.query(), func(data []byte) (int, error) {
		var env usersEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return 0, err
		}
		users = append(users, env.Users...)
		return len(env.Users), nil
	})
	return users, err
}

// FetchProjects fetches the project collection.
func (c *Client) FetchProjects(ctx context.Context, opts FetchOptions) ([]Project, error) {
	var projects []Project
	err := c.paginate(ctx, "/projects.json", opts.query(), func(data []byte) (int, error) {
		var env projectsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return 0, err
		}
		projects = append(projects, env.Projects...)
		return len(env.Projects), nil
	})
	return projects, err
}

// FetchIssues fetches the issue collection.
func (c *Client) FetchIssues(ctx context.Context, opts FetchOptions) ([]Issue, error) {
	var issues []Issue
	err := c.paginate(ctx, "/issues.json", opts.query(), func(data []byte) (int, error) {
		var env issuesEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return 0, err
		}
		issues = append(issues, env.Issues...)
		return len(env.Issues), nil
	})
	return issues, err
}

// FetchTimeEntries fetches the time-entry collection.
func (c *Client) FetchTimeEntries(ctx context.Context, opts FetchOptions) ([]TimeEntry, error) {
	var entries []TimeEntry
	err := c.paginate(ctx, "/time_entries.json", opts.query(), func(data []byte) (int, error) {
		var env timeEntriesEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return 0, err
		}
		entries = append(entries, env.TimeEntries...)
		return len(env.TimeEntries), nil
	})
	return entries, err
}

// FetchUserDetails fetches full user records by id in small concurrent
// batches with a pause between batches, to avoid hammering the per-record
// endpoint. Individual failures are logged and skipped; the returned slice
// holds the records that succeeded.
func (c *Client) FetchUserDetails(ctx context.Context, ids []int64) ([]User, error) {
	var (
		mu     sync.Mutex
		users  []User
		failed int
	)

	for start := 0; start < len(ids); start += c.cfg.DetailBatchSize {
		end := start + c.cfg.DetailBatchSize
		if end > len(ids) {
			end = len(ids)
		}

		var wg sync.WaitGroup
		for _, id := range ids[start:end] {
			wg.Add(1)
			go func(id int64) {
				defer wg.Done()
				body, err := c.getWithRetry(ctx, fmt.Sprintf("/users/%d.json", id), nil)
				if err != nil {
					c.logger.Printf("Warning: failed to fetch user %d: %v", id, err)
					mu.Lock()
					failed++
					mu.Unlock()
					return
				}
				var env userEnvelope
				if err := json.Unmarshal(body, &env); err != nil {
					c.logger.Printf("Warning: failed to decode user %d: %v", id, err)
					mu.Lock()
					failed++
					mu.Unlock()
					return
				}
				mu.Lock()
				users = append(users, env.User)
				mu.Unlock()
			}(id)
		}
		wg.Wait()

		if end < len(ids) && c.cfg.DetailBatchPause > 0 {
			select {
			case <-ctx.Done():
				return users, ctx.Err()
			case <-time.After(c.cfg.DetailBatchPause):
			}
		}
	}

	if failed > 0 {
		c.logger.Printf("Fetched %d user details (%d failed)", len(users), failed)
	}
	return users, nil
}

// paginate walks a collection page by page until a short page is returned.
//
// Page fetches are sequential to preserve offset ordering. A page that
// fails after all retries is skipped and counted; BreakerThreshold
// consecutive failures abort the fetch. In both the breaker and the
// authorization case the caller still receives every item accumulated so
// far, so partial progress is never thrown away. A walk that reaches the
// end with skipped pages returns a PartialFetchError so callers know the
// collection is incomplete.
func (c *Client) paginate(ctx context.Context, path string, filters url.Values, page func([]byte) (int, error)) error {
	offset := 0
	consecutive := 0
	skipped := 0

	for {
		q := url.Values{}
		for k, vs := range filters {
			q[k] = vs
		}
		q.Set("limit", strconv.Itoa(c.cfg.PageSize))
		q.Set("offset", strconv.Itoa(offset))

		body, err := c.getWithRetry(ctx, path, q)
		if err != nil {
			if IsAuthorization(err) {
				return fmt.Errorf("authorization failed fetching %s: %w", path, err)
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}

			consecutive++
			skipped++
			c.logger.Printf("Warning: page fetch failed for %s offset=%d (%d consecutive): %v",
				path, offset, consecutive, err)
			if consecutive >= c.cfg.BreakerThreshold {
				return fmt.Errorf("aborting %s fetch after %d consecutive page failures: %w",
					path, consecutive, err)
			}

			offset += c.cfg.PageSize
			continue
		}
		consecutive = 0

		n, err := page(body)
		if err != nil {
			return fmt.Errorf("failed to decode %s page at offset %d: %w", path, offset, err)
		}

		if n < c.cfg.PageSize {
			if skipped > 0 {
				return &PartialFetchError{Path: path, SkippedPages: skipped}
			}
			return nil
		}
		offset += c.cfg.PageSize

		if c.cfg.RequestDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.cfg.RequestDelay):
			}
		}
	}
}

// getWithRetry performs a GET with bounded retry on transient errors.
// Backoff grows linearly (attempt × RetryIncrement) and is capped at
// RetryMax. Authorization and other permanent errors return immediately.
func (c *Client) getWithRetry(ctx context.Context, path string, query url.Values) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * c.cfg.RetryIncrement
			if c.cfg.RetryMax > 0 && backoff > c.cfg.RetryMax {
				backoff = c.cfg.RetryMax
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		body, err := c.get(ctx, path, query)
		if err == nil {
			return body, nil
		}
		lastErr = err

		if !isTransient(err) {
			return nil, err
		}

		c.logger.Printf("Warning: transient failure on %s (attempt %d/%d): %v",
			path, attempt+1, c.cfg.MaxAttempts, err)
	}
	return nil, lastErr
}

// get performs a single GET request against the tracker.
func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	u := strings.TrimRight(c.cfg.BaseURL, "/") + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("X-Api-Key", c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain so the connection can be reused
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &APIError{StatusCode: resp.StatusCode, URL: u}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return body, nil
}

// internal/clients/catalog_client.go
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"

	"gatorlibrary/internal/catalog"
	"gatorlibrary/internal/index"
	"gatorlibrary/internal/reservation"
)

// APIError is a non-2xx answer from the catalog server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("unexpected status code: %d", e.StatusCode)
	}
	return fmt.Sprintf("%s (status %d)", e.Message, e.StatusCode)
}

// Is lets callers test an APIError against the catalog sentinel errors.
func (e *APIError) Is(target error) bool {
	switch target {
	case catalog.ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case catalog.ErrRateLimited:
		return e.StatusCode == http.StatusTooManyRequests
	case catalog.ErrPersistence:
		return e.StatusCode == http.StatusInternalServerError
	}
	return false
}

// CatalogClient talks to the catalog HTTP API.
type CatalogClient struct {
	baseURL     string
	httpClient  *http.Client
	maxAttempts uint
	retryWait   time.Duration
}

// ClientOption configures a CatalogClient.
type ClientOption func(*CatalogClient)

// WithHTTPClient replaces http.DefaultClient.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cc *CatalogClient) { cc.httpClient = c }
}

// WithRateLimitRetries retries requests the server turned away with 429, up to
// attempts tries in total, starting at wait between tries.
func WithRateLimitRetries(attempts uint, wait time.Duration) ClientOption {
	return func(cc *CatalogClient) { cc.maxAttempts, cc.retryWait = attempts, wait }
}

func NewCatalogClient(baseURL string, opts ...ClientOption) *CatalogClient {
	c := &CatalogClient{
		baseURL:     baseURL,
		httpClient:  http.DefaultClient,
		maxAttempts: 1,
		retryWait:   100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *CatalogClient) AddBook(ctx context.Context, id index.BookID, title, author string) (*catalog.Book, error) {
	var book catalog.Book
	req := catalog.AddBookRequest{ID: id, Title: title, Author: author}
	if err := c.do(ctx, http.MethodPost, "/books", req, &book); err != nil {
		return nil, err
	}
	return &book, nil
}

func (c *CatalogClient) GetBook(ctx context.Context, id index.BookID) (*catalog.Book, error) {
	var book catalog.Book
	if err := c.do(ctx, http.MethodGet, bookPath(id), nil, &book); err != nil {
		return nil, err
	}
	return &book, nil
}

func (c *CatalogClient) ListBooks(ctx context.Context) ([]*catalog.Book, error) {
	var books []*catalog.Book
	if err := c.do(ctx, http.MethodGet, "/books", nil, &books); err != nil {
		return nil, err
	}
	return books, nil
}

func (c *CatalogClient) FindNearest(ctx context.Context, target index.BookID) (*catalog.Book, error) {
	var book catalog.Book
	path := "/books/nearest?target=" + url.QueryEscape(strconv.FormatInt(int64(target), 10))
	if err := c.do(ctx, http.MethodGet, path, nil, &book); err != nil {
		return nil, err
	}
	return &book, nil
}

// Borrow returns the server's answer whenever it names a result, including
// not_found and queue_full. The error is set only when no result came back or
// the result was not persisted.
func (c *CatalogClient) Borrow(ctx context.Context, patron index.PatronID, id index.BookID, priority reservation.Priority) (*catalog.BorrowResponse, error) {
	var resp catalog.BorrowResponse
	err := c.do(ctx, http.MethodPost, bookPath(id)+"/borrow", catalog.BorrowRequest{PatronID: patron, Priority: int(priority)}, &resp)
	return resultOrError(&resp, resp.Result, err)
}

// Return behaves like Borrow.
func (c *CatalogClient) Return(ctx context.Context, patron index.PatronID, id index.BookID) (*catalog.ReturnResponse, error) {
	var resp catalog.ReturnResponse
	err := c.do(ctx, http.MethodPost, bookPath(id)+"/return", catalog.ReturnRequest{PatronID: patron}, &resp)
	return resultOrError(&resp, resp.Result, err)
}

func (c *CatalogClient) DeleteBook(ctx context.Context, id index.BookID) ([]index.PatronID, error) {
	var resp catalog.DeleteResponse
	if err := c.do(ctx, http.MethodDelete, bookPath(id), nil, &resp); err != nil {
		return resp.Cancelled, err
	}
	return resp.Cancelled, nil
}

func (c *CatalogClient) Reservations(ctx context.Context, id index.BookID) ([]catalog.Reservation, error) {
	var out []catalog.Reservation
	if err := c.do(ctx, http.MethodGet, bookPath(id)+"/reservations", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *CatalogClient) ColorFlips(ctx context.Context) (uint64, error) {
	var resp catalog.ColorFlipsResponse
	if err := c.do(ctx, http.MethodGet, "/stats/color-flips", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Count, nil
}

func bookPath(id index.BookID) string {
	return "/books/" + strconv.FormatInt(int64(id), 10)
}

func resultOrError[T any](resp *T, result string, err error) (*T, error) {
	var apiErr *APIError
	if errors.As(err, &apiErr) && result != "" && apiErr.StatusCode != http.StatusInternalServerError {
		return resp, nil
	}
	return resp, err
}

// do sends body as JSON and decodes the answer into out, whatever its status.
func (c *CatalogClient) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return err
		}
	}

	send := func() (struct{}, error) {
		var rd io.Reader
		if payload != nil {
			rd = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests {
			io.Copy(io.Discard, resp.Body)
			return struct{}{}, &APIError{StatusCode: resp.StatusCode, Message: catalog.ErrRateLimited.Error()}
		}

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		if len(raw) > 0 && out != nil {
			if err := json.Unmarshal(raw, out); err != nil && resp.StatusCode < 300 {
				return struct{}{}, backoff.Permanent(fmt.Errorf("decode response: %w", err))
			}
		}
		if resp.StatusCode >= 300 {
			var e struct {
				Error string `json:"error"`
			}
			_ = json.Unmarshal(raw, &e)
			return struct{}{}, backoff.Permanent(&APIError{StatusCode: resp.StatusCode, Message: e.Error})
		}
		return struct{}{}, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryWait
	_, err := backoff.Retry(ctx, send, backoff.WithBackOff(b), backoff.WithMaxTries(c.maxAttempts))
	return err
}

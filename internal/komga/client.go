package komga

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/folioreader/folio/internal/domain"
)

const (
	defaultTimeout = 30 * time.Second
	userAgent      = "Folio/1.0"

	maxRetries   = 3
	retryBackoff = 500 * time.Millisecond
)

// Client implements domain.CatalogClient for a Komga server.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new Komga API client authenticating with an API key.
func NewClient(baseURL, apiKey string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
		logger: logger,
	}
}

// doRequest performs an authenticated HTTP request. Transport failures
// and 5xx responses are retried with a linear backoff before giving up
// as ErrServerOffline.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body []byte) ([]byte, error) {
	reqURL := fmt.Sprintf("%s%s", c.baseURL, path)
	if query != nil {
		reqURL = fmt.Sprintf("%s?%s", reqURL, query.Encode())
	}

	var lastStatus int
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Debug("komga retry", "url", reqURL, "attempt", attempt)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * retryBackoff):
			}
		}

		var reqBody io.Reader
		if body != nil {
			reqBody = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-API-Key", c.apiKey)
		req.Header.Set("User-Agent", userAgent)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		c.logger.Debug("komga request", "method", method, "url", reqURL)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.logger.Warn("komga request failed", "url", reqURL, "error", err)
			lastStatus = 0
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return nil, domain.ErrAuthFailed
		case resp.StatusCode == http.StatusNotFound:
			return nil, domain.ErrNotFound
		case resp.StatusCode >= 500:
			c.logger.Warn("komga server error", "url", reqURL, "status", resp.StatusCode)
			lastStatus = resp.StatusCode
			continue
		case resp.StatusCode >= 400:
			c.logger.Error("komga request error", "status", resp.StatusCode, "body", string(respBody))
			return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
		}

		return respBody, nil
	}

	if lastStatus >= 500 {
		return nil, fmt.Errorf("%w: server returned %d", domain.ErrServerOffline, lastStatus)
	}
	return nil, domain.ErrServerOffline
}

func pageQuery(page, size int) url.Values {
	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("size", strconv.Itoa(size))
	return query
}

func decodePage[T any](body []byte) (pageDTO, []T, error) {
	var envelope pageDTO
	if err := json.Unmarshal(body, &envelope); err != nil {
		return pageDTO{}, nil, fmt.Errorf("failed to parse response: %w", err)
	}
	var content []T
	if len(envelope.Content) > 0 {
		if err := json.Unmarshal(envelope.Content, &content); err != nil {
			return pageDTO{}, nil, fmt.Errorf("failed to parse page content: %w", err)
		}
	}
	return envelope, content, nil
}

func toDomainPage[D, T any](envelope pageDTO, content []D, mapFn func(D) T) domain.Page[T] {
	page := domain.Page[T]{
		Number:        envelope.Number,
		Size:          envelope.Size,
		TotalElements: envelope.TotalElements,
		Last:          envelope.Last,
	}
	for _, dto := range content {
		page.Content = append(page.Content, mapFn(dto))
	}
	return page
}

// GetLibraries returns all libraries the account can see.
func (c *Client) GetLibraries(ctx context.Context) ([]domain.Library, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v1/libraries", nil, nil)
	if err != nil {
		return nil, err
	}
	var dtos []libraryDTO
	if err := json.Unmarshal(body, &dtos); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	libraries := make([]domain.Library, 0, len(dtos))
	for _, dto := range dtos {
		libraries = append(libraries, mapLibrary(dto))
	}
	return libraries, nil
}

// GetSeriesPage returns one page of a library's series.
func (c *Client) GetSeriesPage(ctx context.Context, libraryID string, page, size int) (domain.Page[domain.Series], error) {
	query := pageQuery(page, size)
	if libraryID != "" {
		query.Set("library_id", libraryID)
	}
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v1/series", query, nil)
	if err != nil {
		return domain.Page[domain.Series]{}, err
	}
	envelope, content, err := decodePage[seriesDTO](body)
	if err != nil {
		return domain.Page[domain.Series]{}, err
	}
	return toDomainPage(envelope, content, mapSeries), nil
}

// GetSeries returns one series by its server id.
func (c *Client) GetSeries(ctx context.Context, seriesID string) (domain.Series, error) {
	body, err := c.doRequest(ctx, http.MethodGet, fmt.Sprintf("/api/v1/series/%s", seriesID), nil, nil)
	if err != nil {
		return domain.Series{}, err
	}
	var dto seriesDTO
	if err := json.Unmarshal(body, &dto); err != nil {
		return domain.Series{}, fmt.Errorf("failed to parse response: %w", err)
	}
	return mapSeries(dto), nil
}

// GetBooksPage returns one page of a series' books.
func (c *Client) GetBooksPage(ctx context.Context, seriesID string, page, size int) (domain.Page[domain.Book], error) {
	path := fmt.Sprintf("/api/v1/series/%s/books", seriesID)
	body, err := c.doRequest(ctx, http.MethodGet, path, pageQuery(page, size), nil)
	if err != nil {
		return domain.Page[domain.Book]{}, err
	}
	envelope, content, err := decodePage[bookDTO](body)
	if err != nil {
		return domain.Page[domain.Book]{}, err
	}
	return toDomainPage(envelope, content, mapBook), nil
}

// GetBook returns one book by its server id.
func (c *Client) GetBook(ctx context.Context, bookID string) (domain.Book, error) {
	body, err := c.doRequest(ctx, http.MethodGet, fmt.Sprintf("/api/v1/books/%s", bookID), nil, nil)
	if err != nil {
		return domain.Book{}, err
	}
	var dto bookDTO
	if err := json.Unmarshal(body, &dto); err != nil {
		return domain.Book{}, fmt.Errorf("failed to parse response: %w", err)
	}
	return mapBook(dto), nil
}

// GetCollectionsPage returns one page of collections.
func (c *Client) GetCollectionsPage(ctx context.Context, page, size int) (domain.Page[domain.Collection], error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v1/collections", pageQuery(page, size), nil)
	if err != nil {
		return domain.Page[domain.Collection]{}, err
	}
	envelope, content, err := decodePage[collectionDTO](body)
	if err != nil {
		return domain.Page[domain.Collection]{}, err
	}
	return toDomainPage(envelope, content, mapCollection), nil
}

// GetCollection returns one collection by its server id.
func (c *Client) GetCollection(ctx context.Context, collectionID string) (domain.Collection, error) {
	body, err := c.doRequest(ctx, http.MethodGet, fmt.Sprintf("/api/v1/collections/%s", collectionID), nil, nil)
	if err != nil {
		return domain.Collection{}, err
	}
	var dto collectionDTO
	if err := json.Unmarshal(body, &dto); err != nil {
		return domain.Collection{}, fmt.Errorf("failed to parse response: %w", err)
	}
	return mapCollection(dto), nil
}

// GetReadListsPage returns one page of read lists.
func (c *Client) GetReadListsPage(ctx context.Context, page, size int) (domain.Page[domain.ReadList], error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v1/readlists", pageQuery(page, size), nil)
	if err != nil {
		return domain.Page[domain.ReadList]{}, err
	}
	envelope, content, err := decodePage[readListDTO](body)
	if err != nil {
		return domain.Page[domain.ReadList]{}, err
	}
	return toDomainPage(envelope, content, mapReadList), nil
}

// GetReadList returns one read list by its server id.
func (c *Client) GetReadList(ctx context.Context, readListID string) (domain.ReadList, error) {
	body, err := c.doRequest(ctx, http.MethodGet, fmt.Sprintf("/api/v1/readlists/%s", readListID), nil, nil)
	if err != nil {
		return domain.ReadList{}, err
	}
	var dto readListDTO
	if err := json.Unmarshal(body, &dto); err != nil {
		return domain.ReadList{}, fmt.Errorf("failed to parse response: %w", err)
	}
	return mapReadList(dto), nil
}

// GetReadListBooksPage returns one page of a read list's books.
func (c *Client) GetReadListBooksPage(ctx context.Context, readListID string, page, size int) (domain.Page[domain.Book], error) {
	path := fmt.Sprintf("/api/v1/readlists/%s/books", readListID)
	body, err := c.doRequest(ctx, http.MethodGet, path, pageQuery(page, size), nil)
	if err != nil {
		return domain.Page[domain.Book]{}, err
	}
	envelope, content, err := decodePage[bookDTO](body)
	if err != nil {
		return domain.Page[domain.Book]{}, err
	}
	return toDomainPage(envelope, content, mapBook), nil
}

// GetBookPages returns a book's page manifest.
func (c *Client) GetBookPages(ctx context.Context, bookID string) ([]domain.BookPage, error) {
	path := fmt.Sprintf("/api/v1/books/%s/pages", bookID)
	body, err := c.doRequest(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}
	var dtos []pageManifestDTO
	if err := json.Unmarshal(body, &dtos); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return mapBookPages(dtos), nil
}

// GetBookPageImage returns the raw bytes of one page image.
func (c *Client) GetBookPageImage(ctx context.Context, bookID string, number int) ([]byte, error) {
	path := fmt.Sprintf("/api/v1/books/%s/pages/%d", bookID, number)
	return c.doRequest(ctx, http.MethodGet, path, nil, nil)
}

// GetBookFile returns the raw bytes of the book's source file.
func (c *Client) GetBookFile(ctx context.Context, bookID string) ([]byte, error) {
	path := fmt.Sprintf("/api/v1/books/%s/file", bookID)
	return c.doRequest(ctx, http.MethodGet, path, nil, nil)
}

// UpdateReadProgress writes a page-based reading position to the server.
func (c *Client) UpdateReadProgress(ctx context.Context, bookID string, page int, completed bool) error {
	payload, err := json.Marshal(readProgressUpdateDTO{Page: page, Completed: completed})
	if err != nil {
		return err
	}
	path := fmt.Sprintf("/api/v1/books/%s/read-progress", bookID)
	_, err = c.doRequest(ctx, http.MethodPatch, path, nil, payload)
	return err
}

// UpdateProgression writes an EPUB progression payload to the server.
// The payload is stored and forwarded opaquely.
func (c *Client) UpdateProgression(ctx context.Context, bookID string, progression json.RawMessage) error {
	path := fmt.Sprintf("/api/v2/books/%s/progression", bookID)
	_, err := c.doRequest(ctx, http.MethodPut, path, nil, progression)
	return err
}

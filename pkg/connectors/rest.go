package connectors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/openidsync/openidsync/pkg/engine"
)

// restConnector speaks JSON over HTTP to a resource exposing one collection
// per object class:
//
//	GET    {endpoint}/{class}?page={token}&size={n}
//	GET    {endpoint}/{class}/{key}
//	POST   {endpoint}/{class}
//	PUT    {endpoint}/{class}/{key}
//	DELETE {endpoint}/{class}/{key}
type restConnector struct {
	endpoint string
	token    string
	client   *http.Client
	log      zerolog.Logger
}

// restRecord is the wire form of one record.
type restRecord struct {
	Key   string              `json:"key"`
	Attrs map[string][]string `json:"attrs"`
}

// restPage is the wire form of one search page.
type restPage struct {
	Objects []restRecord `json:"objects"`
	Next    string       `json:"next,omitempty"`
}

// NewRESTConnector builds the rest bundle. Options: endpoint (required),
// token (bearer auth), timeout (Go duration, default 30s).
func NewRESTConnector(cfg engine.ConnectorConfig, logger zerolog.Logger) (Connector, error) {
	endpoint := cfg.Options["endpoint"]
	if endpoint == "" {
		return nil, fmt.Errorf("rest connector requires an endpoint option")
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}

	timeout := 30 * time.Second
	if raw := cfg.Options["timeout"]; raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout: %w", err)
		}
		timeout = parsed
	}

	return &restConnector{
		endpoint: endpoint,
		token:    cfg.Options["token"],
		client:   &http.Client{Timeout: timeout},
		log:      logger.With().Str("bundle", "rest").Logger(),
	}, nil
}

func (c *restConnector) Search(ctx context.Context, objectClass, pageToken string, pageSize int) (*engine.Page, error) {
	query := url.Values{}
	if pageToken != "" {
		query.Set("page", pageToken)
	}
	query.Set("size", strconv.Itoa(pageSize))

	var wire restPage
	if err := c.do(ctx, http.MethodGet, c.collectionURL(objectClass)+"?"+query.Encode(), nil, &wire); err != nil {
		return nil, err
	}

	page := &engine.Page{NextToken: wire.Next}
	for _, record := range wire.Objects {
		page.Objects = append(page.Objects, engine.ConnObject{
			Class: objectClass,
			Key:   record.Key,
			Attrs: record.Attrs,
		})
	}
	return page, nil
}

func (c *restConnector) Get(ctx context.Context, objectClass, key string) (*engine.ConnObject, error) {
	var record restRecord
	if err := c.do(ctx, http.MethodGet, c.recordURL(objectClass, key), nil, &record); err != nil {
		return nil, err
	}
	return &engine.ConnObject{Class: objectClass, Key: record.Key, Attrs: record.Attrs}, nil
}

func (c *restConnector) Create(ctx context.Context, objectClass string, obj *engine.ConnObject) (string, error) {
	var record restRecord
	body := restRecord{Key: obj.Key, Attrs: obj.Attrs}
	if err := c.do(ctx, http.MethodPost, c.collectionURL(objectClass), &body, &record); err != nil {
		return "", err
	}
	if record.Key != "" {
		return record.Key, nil
	}
	return obj.Key, nil
}

func (c *restConnector) Update(ctx context.Context, objectClass string, obj *engine.ConnObject) (string, error) {
	body := restRecord{Key: obj.Key, Attrs: obj.Attrs}
	if err := c.do(ctx, http.MethodPut, c.recordURL(objectClass, obj.Key), &body, nil); err != nil {
		return "", err
	}
	return obj.Key, nil
}

func (c *restConnector) Delete(ctx context.Context, objectClass, key string) error {
	return c.do(ctx, http.MethodDelete, c.recordURL(objectClass, key), nil, nil)
}

func (c *restConnector) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

func (c *restConnector) collectionURL(objectClass string) string {
	return c.endpoint + "/" + url.PathEscape(objectClass)
}

func (c *restConnector) recordURL(objectClass, key string) string {
	return c.collectionURL(objectClass) + "/" + url.PathEscape(key)
}

// do performs one HTTP exchange and classifies the response.
func (c *restConnector) do(ctx context.Context, method, rawURL string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return engine.NewPermanentError("failed to encode request", err).
				WithCode(engine.ErrCodeConnector)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return engine.NewPermanentError("failed to build request", err).
			WithCode(engine.ErrCodeConnector)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		// Network failures are worth a retry.
		return engine.NewTransientError("request failed", err).
			WithCode(engine.ErrCodeConnector)
	}
	defer resp.Body.Close()

	if err := classifyHTTPStatus(resp.StatusCode); err != nil {
		io.Copy(io.Discard, resp.Body)
		return err
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return engine.NewPermanentError("failed to decode response", err).
				WithCode(engine.ErrCodeConnector)
		}
	}
	return nil
}

// classifyHTTPStatus maps a status code onto the error taxonomy.
func classifyHTTPStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound:
		return engine.NewPermanentError("record not found", nil).
			WithCode(engine.ErrCodeNotFound)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return engine.NewPermanentError(
			fmt.Sprintf("authentication rejected (status %d)", status), nil).
			WithCode(engine.ErrCodeConnector)
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		return engine.NewTransientError(
			fmt.Sprintf("server unavailable (status %d)", status), nil).
			WithCode(engine.ErrCodeConnector)
	default:
		return engine.NewPermanentError(
			fmt.Sprintf("request rejected (status %d)", status), nil).
			WithCode(engine.ErrCodeConnector)
	}
}

package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/fieldops/layoutd/internal/engine"
)

// HTTPSource reads entity metadata and record samples from the CRM proxy.
//
//	GET {base}/entities/{type}/metadata        -> EntityMetadata
//	GET {base}/entities/{type}/records?limit=N -> {"records": [...]}
type HTTPSource struct {
	baseURL *url.URL
	client  *http.Client
	token   string
}

// HTTPSourceConfig configures an HTTPSource
type HTTPSourceConfig struct {
	BaseURL string
	// Token is sent as a bearer token when set
	Token   string
	Timeout time.Duration
}

// NewHTTPSource creates a CRM-backed metadata source
func NewHTTPSource(config HTTPSourceConfig) (*HTTPSource, error) {
	u, err := url.Parse(config.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid CRM base URL %q", config.BaseURL)
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPSource{
		baseURL: u,
		client:  &http.Client{Timeout: timeout},
		token:   config.Token,
	}, nil
}

// Entity implements Source
func (s *HTTPSource) Entity(ctx context.Context, entityType string) (*EntityMetadata, error) {
	var meta EntityMetadata
	if err := s.get(ctx, "metadata.entity", s.endpoint(entityType, "metadata", nil), &meta); err != nil {
		return nil, err
	}
	if meta.EntityType == "" {
		meta.EntityType = entityType
	}
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	return &meta, nil
}

// Sample implements Source
func (s *HTTPSource) Sample(ctx context.Context, entityType string, limit int) ([]Record, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var body struct {
		Records []Record `json:"records"`
	}
	if err := s.get(ctx, "metadata.sample", s.endpoint(entityType, "records", q), &body); err != nil {
		return nil, err
	}
	if limit > 0 && len(body.Records) > limit {
		body.Records = body.Records[:limit]
	}
	return body.Records, nil
}

func (s *HTTPSource) endpoint(entityType, resource string, q url.Values) string {
	u := *s.baseURL
	u.Path = fmt.Sprintf("%s/entities/%s/%s", u.Path, url.PathEscape(entityType), resource)
	if q != nil {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (s *HTTPSource) get(ctx context.Context, op, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return engine.E(engine.ErrUpstreamUnavailable, op, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return engine.E(engine.ErrNotFound, op, errors.New(endpoint))
	case resp.StatusCode >= 500:
		return engine.E(engine.ErrUpstreamUnavailable, op, fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return fmt.Errorf("%s: unexpected status %d", op, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return engine.E(engine.ErrValidation, op, err)
	}
	return nil
}

package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// MaaSClient is a thin REST client for a MaaS-compatible commissioning
// service. It implements the MaaS contract over plain net/http, the same
// minimal-dependency style the teacher uses for its own outward-facing
// HTTP clients (hegel/tootles expose HTTP, not consume it, so there is no
// direct teacher call site to mirror method-for-method; this follows
// net/http idiomatically rather than reaching for an unused client lib).
type MaaSClient struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

func (c *MaaSClient) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func (c *MaaSClient) do(ctx context.Context, method, path string, body []byte, out any) error {
	u, err := url.JoinPath(c.BaseURL, path)
	if err != nil {
		return &Error{Kind: KindConflict, Detail: fmt.Sprintf("build request url: %v", err)}
	}

	var reader *strings.Reader
	if body != nil {
		reader = strings.NewReader(string(body))
	} else {
		reader = strings.NewReader("")
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return &Error{Kind: KindConflict, Detail: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return &Error{Kind: KindTransientNetwork, Detail: err.Error()}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted, http.StatusNoContent:
	case http.StatusNotFound:
		return &Error{Kind: KindNotFound, Detail: path}
	case http.StatusUnauthorized, http.StatusForbidden:
		return &Error{Kind: KindAuth, Detail: resp.Status}
	case http.StatusConflict:
		return &Error{Kind: KindConflict, Detail: resp.Status}
	default:
		if resp.StatusCode >= 500 {
			return &Error{Kind: KindTransientNetwork, Detail: resp.Status}
		}
		return &Error{Kind: KindConflict, Detail: resp.Status}
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *MaaSClient) ListMachines(ctx context.Context) ([]Machine, error) {
	var machines []Machine
	if err := c.do(ctx, http.MethodGet, "/machines", nil, &machines); err != nil {
		return nil, err
	}
	return machines, nil
}

func (c *MaaSClient) Commission(ctx context.Context, systemID string) (Machine, error) {
	var m Machine
	path := fmt.Sprintf("/machines/%s/commission", url.PathEscape(systemID))
	if err := c.do(ctx, http.MethodPost, path, nil, &m); err != nil {
		return Machine{}, err
	}
	return m, nil
}

func (c *MaaSClient) Get(ctx context.Context, systemID string) (Machine, error) {
	var m Machine
	path := fmt.Sprintf("/machines/%s", url.PathEscape(systemID))
	if err := c.do(ctx, http.MethodGet, path, nil, &m); err != nil {
		return Machine{}, err
	}
	return m, nil
}

func (c *MaaSClient) Release(ctx context.Context, systemID string) error {
	path := fmt.Sprintf("/machines/%s/release", url.PathEscape(systemID))
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

func (c *MaaSClient) Tag(ctx context.Context, systemID string, tags []string) error {
	body, err := json.Marshal(map[string][]string{"tags": tags})
	if err != nil {
		return &Error{Kind: KindConflict, Detail: err.Error()}
	}
	path := fmt.Sprintf("/machines/%s/tag", url.PathEscape(systemID))
	return c.do(ctx, http.MethodPost, path, body, nil)
}

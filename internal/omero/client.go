// Package omero talks to the image repository. The HTTP JSON gateway
// resolves identity, checks destinations, links plates, and attaches
// annotations; the import CLI (see importcli.go) moves the pixels.
package omero

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cellular-imaging/omero-ingest/internal/config"
)

// Client communicates with the repository's HTTP JSON gateway using the
// service's root credentials.
type Client struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client

	sessions *sessionCache
}

// NewClient creates a gateway client from the boot configuration.
func NewClient(cfg config.OMEROConfig, sessionTTL time.Duration) *Client {
	return &Client{
		baseURL:    fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port),
		username:   cfg.User,
		password:   cfg.Password,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		sessions:   newSessionCache(sessionTTL),
	}
}

// Experimenter is a repository user.
type Experimenter struct {
	ID      int64  `json:"@id"`
	OmeName string `json:"omeName"`
}

// Group is a repository permissions group.
type Group struct {
	ID   int64  `json:"@id"`
	Name string `json:"name"`
}

// ResolveUser looks up an experimenter by login name. Returns nil when
// the name does not resolve.
func (c *Client) ResolveUser(ctx context.Context, name string) (*Experimenter, error) {
	var out struct {
		Data []Experimenter `json:"data"`
	}
	q := url.Values{"omename": {name}}
	if err := c.get(ctx, "/api/v0/m/experimenters/", q, &out); err != nil {
		return nil, err
	}
	if len(out.Data) == 0 {
		return nil, nil
	}
	return &out.Data[0], nil
}

// ResolveGroup looks up a group by name. Returns nil when the name does
// not resolve.
func (c *Client) ResolveGroup(ctx context.Context, name string) (*Group, error) {
	var out struct {
		Data []Group `json:"data"`
	}
	q := url.Values{"name": {name}}
	if err := c.get(ctx, "/api/v0/m/experimentergroups/", q, &out); err != nil {
		return nil, err
	}
	if len(out.Data) == 0 {
		return nil, nil
	}
	return &out.Data[0], nil
}

// IsMember reports whether the experimenter belongs to the group.
func (c *Client) IsMember(ctx context.Context, userID, groupID int64) (bool, error) {
	var out struct {
		Data []Experimenter `json:"data"`
	}
	path := fmt.Sprintf("/api/v0/m/experimentergroups/%d/experimenters/", groupID)
	if err := c.get(ctx, path, nil, &out); err != nil {
		return false, err
	}
	for _, e := range out.Data {
		if e.ID == userID {
			return true, nil
		}
	}
	return false, nil
}

// ContainerExists checks that the destination dataset or screen exists.
// containerType is "datasets" or "screens".
func (c *Client) ContainerExists(ctx context.Context, containerType string, id int64) (bool, error) {
	path := fmt.Sprintf("/api/v0/m/%s/%d/", containerType, id)
	err := c.get(ctx, path, nil, nil)
	if err == nil {
		return true, nil
	}
	var apiErr *APIError
	if asAPIError(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return false, nil
	}
	return false, err
}

// LinkPlateToScreen attaches an imported plate to the destination screen.
func (c *Client) LinkPlateToScreen(ctx context.Context, s *Session, plateID, screenID int64) error {
	body := map[string]int64{"screen": screenID, "plate": plateID}
	return c.post(ctx, s, "/api/v0/m/screenplatelinks/", body, nil)
}

// AttachMapAnnotation attaches a key/value map annotation to an imported
// object. objectType is "Image" or "Plate".
func (c *Client) AttachMapAnnotation(ctx context.Context, s *Session, objectType string, objectID int64, kv map[string]string) error {
	if len(kv) == 0 {
		return nil
	}
	body := map[string]interface{}{
		"object_type": objectType,
		"object_id":   objectID,
		"values":      kv,
	}
	return c.post(ctx, s, "/api/v0/m/annotations/map/", body, nil)
}

// APIError is a non-2xx gateway response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway returned %d: %s", e.StatusCode, e.Body)
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return c.do(req, nil, out)
}

func (c *Client) post(ctx context.Context, s *Session, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, s, out)
}

func (c *Client) do(req *http.Request, s *Session, out interface{}) error {
	if s != nil {
		req.Header.Set("X-OMERO-Session", s.Key)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read gateway response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode gateway response: %w", err)
		}
	}
	return nil
}

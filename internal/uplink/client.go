// Package uplink implements the direct network path: incident and media
// upload to the backend over HTTP, plus an optional MQTT telemetry
// publisher for sites that run a broker.
package uplink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fieldbeacon/fieldbeacon/internal/report"
)

const (
	incidentPath = "/api/incidents"
	mediaPath    = "/api/media"
	healthPath   = "/api/health"

	// Availability probes are cached briefly so per-message policy
	// checks stay cheap.
	healthCacheTTL = 10 * time.Second
)

// Client talks to the backend over the direct network link. All requests
// carry bounded timeouts; an unreachable backend is a transient-link
// condition, never fatal.
type Client struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger

	mu          sync.Mutex
	lastProbe   time.Time
	lastHealthy bool
}

// NewClient builds a Client. An empty baseURL disables the direct path
// entirely (Available always false).
func NewClient(baseURL string, timeout time.Duration, log *zap.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		log:     log,
	}
}

// Available reports whether the direct path currently works. The result
// is cached for healthCacheTTL.
func (c *Client) Available() bool {
	if c.baseURL == "" {
		return false
	}

	c.mu.Lock()
	if time.Since(c.lastProbe) < healthCacheTTL {
		healthy := c.lastHealthy
		c.mu.Unlock()
		return healthy
	}
	c.mu.Unlock()

	healthy := c.probe()

	c.mu.Lock()
	c.lastProbe = time.Now()
	c.lastHealthy = healthy
	c.mu.Unlock()
	return healthy
}

func (c *Client) probe() bool {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+healthPath, nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck
	return resp.StatusCode < 500
}

// incidentDocument is the backend's JSON shape for an incident POST.
type incidentDocument struct {
	Latitude    float64  `json:"latitude"`
	Longitude   float64  `json:"longitude"`
	Altitude    float64  `json:"altitude"`
	Priority    string   `json:"priority"`
	Category    string   `json:"category"`
	Description string   `json:"description"`
	DeviceID    string   `json:"device_id"`
	ReportedAt  string   `json:"reported_at"`
	MediaURLs   []string `json:"media_urls,omitempty"`
}

// UploadIncident POSTs the incident document. Media must already be
// uploaded; the document references the returned URLs.
func (c *Client) UploadIncident(ctx context.Context, inc *report.Incident) error {
	if c.baseURL == "" {
		return fmt.Errorf("uplink: no backend configured")
	}
	doc := incidentDocument{
		Latitude:    inc.Latitude,
		Longitude:   inc.Longitude,
		Altitude:    inc.Altitude,
		Priority:    inc.Priority.String(),
		Category:    inc.Category,
		Description: inc.Description,
		DeviceID:    fmt.Sprintf("!%08x", inc.DeviceID),
		ReportedAt:  inc.ReportedAt.UTC().Format(time.RFC3339),
		MediaURLs:   inc.MediaRefs,
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("uplink: marshal incident: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+incidentPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("uplink: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("uplink: post incident: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("uplink: backend returned %s", resp.Status)
	}
	c.log.Info("uplink: incident delivered",
		zap.Uint32("seq", inc.Sequence),
		zap.String("priority", inc.Priority.String()),
	)
	return nil
}

// mediaResponse is the backend's answer to a media blob POST.
type mediaResponse struct {
	URL string `json:"url"`
}

// UploadMedia POSTs one raw media blob and returns the URL the incident
// document should reference.
func (c *Client) UploadMedia(ctx context.Context, name string, blob []byte) (string, error) {
	if c.baseURL == "" {
		return "", fmt.Errorf("uplink: no backend configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+mediaPath, bytes.NewReader(blob))
	if err != nil {
		return "", fmt.Errorf("uplink: build media request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Media-Name", name)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("uplink: post media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		return "", fmt.Errorf("uplink: media upload returned %s", resp.Status)
	}

	var mr mediaResponse
	if err := json.NewDecoder(resp.Body).Decode(&mr); err != nil {
		return "", fmt.Errorf("uplink: decode media response: %w", err)
	}
	if mr.URL == "" {
		return "", fmt.Errorf("uplink: media response missing url")
	}
	return mr.URL, nil
}

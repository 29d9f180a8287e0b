// Package collector is the HTTP client for the backend collector. The
// coordinator is its only caller; the backend itself (auth, persistence,
// emission arithmetic) is an external collaborator.
package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"carbontrail/internal/event"
	"carbontrail/internal/protocol"
)

var ErrUnreachable = errors.New("backend unreachable")

type Client struct {
	mu      sync.Mutex
	baseURL string

	httpc   *http.Client
	version string
	log     zerolog.Logger
}

func New(baseURL, version string, timeout time.Duration, log zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: timeout},
		version: version,
		log:     log,
	}
}

// SetBaseURL swaps the collector target. The coordinator calls this when
// the backend URL mutator succeeds.
func (c *Client) SetBaseURL(u string) {
	c.mu.Lock()
	c.baseURL = strings.TrimRight(u, "/")
	c.mu.Unlock()
}

func (c *Client) base() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.baseURL
}

// Health probes GET {base}/health. Any 200 response means reachable;
// everything else, including transport failure, means unreachable.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base()+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health returned %d", ErrUnreachable, resp.StatusCode)
	}
	return nil
}

// logBody is the POST body: the activity event plus platform, mode and
// the agent version tag.
type logBody struct {
	event.ActivityEvent
	Platform event.Provider `json:"platform"`
	Mode     protocol.Mode  `json:"mode"`
	Version  string         `json:"extensionVersion"`
}

// logReply mirrors the collector's response. Success is "response ok and
// no explicit success:false in the body"; the emission value is optional
// and informational.
type logReply struct {
	Success    *bool   `json:"success"`
	ActivityID string  `json:"activityId"`
	EmissionKg float64 `json:"emissionKg"`
	Error      string  `json:"error"`
}

type LogResult struct {
	ActivityID string
	EmissionKg float64
}

// LogActivity posts one event to {base}/activities/log.
func (c *Client) LogActivity(ctx context.Context, ev *event.ActivityEvent, mode protocol.Mode) (*LogResult, error) {
	body, err := json.Marshal(logBody{
		ActivityEvent: *ev,
		Platform:      ev.Provider,
		Mode:          mode,
		Version:       c.version,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base()+"/activities/log", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post activity: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read collector reply: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("collector returned %d: %s", resp.StatusCode, truncate(raw, 256))
	}

	var reply logReply
	if len(raw) > 0 {
		// A malformed body on a 2xx response still counts as success;
		// the emission value is best-effort.
		if err := json.Unmarshal(raw, &reply); err != nil {
			c.log.Debug().Err(err).Msg("collector reply not parseable")
			return &LogResult{}, nil
		}
	}
	if reply.Success != nil && !*reply.Success {
		msg := reply.Error
		if msg == "" {
			msg = "collector rejected activity"
		}
		return nil, errors.New(msg)
	}
	return &LogResult{ActivityID: reply.ActivityID, EmissionKg: reply.EmissionKg}, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

/*
 * Copyright 2026 Miccast Contributors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package mediaserver is the control-plane client for the RTSP media
// server the capture pipelines publish to. Stream liveness decisions
// are made from this API: a path that exists and carries tracks is a
// stream that is actually delivering audio.
package mediaserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/miccast/miccast/pkg/logger"
	"github.com/miccast/miccast/pkg/models"
)

const (
	defaultBaseURL      = "http://127.0.0.1:9997"
	defaultTimeout      = 5 * time.Second
	defaultRetryMax     = 3
	defaultRetryWaitMax = 2 * time.Second
)

// Config holds media server API connection settings.
type Config struct {
	BaseURL      string          `json:"base_url"`
	Timeout      models.Duration `json:"timeout"`
	RetryMax     int             `json:"retry_max"`
	RetryWaitMax models.Duration `json:"retry_wait_max"`
}

// Validate implements config.Validator.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}

	if _, err := url.Parse(c.BaseURL); err != nil {
		return fmt.Errorf("%w: %w", errBaseURLRequired, err)
	}

	if c.Timeout == 0 {
		c.Timeout = models.Duration(defaultTimeout)
	}

	if c.RetryMax == 0 {
		c.RetryMax = defaultRetryMax
	}

	if c.RetryWaitMax == 0 {
		c.RetryWaitMax = models.Duration(defaultRetryWaitMax)
	}

	return nil
}

// PathStatus is the subset of the media server's path state the
// supervisor cares about.
type PathStatus struct {
	Name          string    `json:"name"`
	Ready         bool      `json:"ready"`
	ReadyTime     time.Time `json:"readyTime"`
	Tracks        []string  `json:"tracks"`
	BytesReceived int64     `json:"bytesReceived"`
}

// PathChecker answers whether a named path is currently publishing.
// The supervisor uses it as the readiness gate after spawning a
// capture process.
type PathChecker interface {
	PathActive(ctx context.Context, name models.StreamName) (bool, error)
}

// Client talks to the media server's HTTP control API with bounded
// retries, so a server mid-restart does not immediately fail a
// supervision pass.
type Client struct {
	http    *retryablehttp.Client
	baseURL string
	logger  logger.Logger
}

// NewClient creates a media server API client.
func NewClient(config *Config, log logger.Logger) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	componentLog := log.WithComponent("mediaserver")

	rc := retryablehttp.NewClient()
	rc.RetryMax = config.RetryMax
	rc.RetryWaitMax = time.Duration(config.RetryWaitMax)
	rc.HTTPClient.Timeout = time.Duration(config.Timeout)
	rc.Logger = &retryLogger{logger: componentLog}

	return &Client{
		http:    rc,
		baseURL: config.BaseURL,
		logger:  componentLog,
	}, nil
}

// PathActive reports whether the named path exists and is ready. A
// missing path is an inactive stream, not an error.
func (c *Client) PathActive(ctx context.Context, name models.StreamName) (bool, error) {
	status, err := c.GetPath(ctx, name)
	if err != nil {
		if errors.Is(err, ErrPathNotFound) {
			return false, nil
		}

		return false, err
	}

	return status.Ready, nil
}

// GetPath fetches the current state of one path.
func (c *Client) GetPath(ctx context.Context, name models.StreamName) (*PathStatus, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v3/paths/get/"+url.PathEscape(name.String()), nil)
	if err != nil {
		return nil, err
	}
	defer c.closeResponse(resp)

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrPathNotFound, name)
	default:
		return nil, fmt.Errorf("%w: %d", errUnexpectedStatusCode, resp.StatusCode)
	}

	var status PathStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("failed to decode path status: %w", err)
	}

	return &status, nil
}

// RegisterPath declares a path in the media server's runtime
// configuration ahead of the first publish. Registering a path that is
// already declared is a no-op.
func (c *Client) RegisterPath(ctx context.Context, name models.StreamName) error {
	body, err := json.Marshal(map[string]any{"source": "publisher"})
	if err != nil {
		return err
	}

	resp, err := c.do(ctx, http.MethodPost, "/v3/config/paths/add/"+url.PathEscape(name.String()), body)
	if err != nil {
		return err
	}
	defer c.closeResponse(resp)

	switch resp.StatusCode {
	case http.StatusOK:
		c.logger.Info().Str("path", name.String()).Msg("Registered media server path")
		return nil
	case http.StatusBadRequest:
		// The server rejects duplicate adds; the path already exists.
		c.logger.Debug().Str("path", name.String()).Msg("Media server path already registered")
		return nil
	default:
		return fmt.Errorf("%w: %d", errUnexpectedStatusCode, resp.StatusCode)
	}
}

// Healthy reports whether the control API answers at all. Used at
// daemon startup to distinguish a down media server from down streams.
func (c *Client) Healthy(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/v3/paths/list?itemsPerPage=1", nil)
	if err != nil {
		return err
	}
	defer c.closeResponse(resp)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %d", errUnexpectedStatusCode, resp.StatusCode)
	}

	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var raw interface{}
	if body != nil {
		raw = body
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, raw)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Accept", "application/json")

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.http.Do(req)
}

func (c *Client) closeResponse(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to close response body")
	}
}

// retryLogger bridges the retrying HTTP client's log output into the
// structured logger.
type retryLogger struct {
	logger logger.Logger
}

func (l *retryLogger) Error(msg string, kv ...interface{}) { l.logger.Error().Fields(kv).Msg(msg) }
func (l *retryLogger) Warn(msg string, kv ...interface{})  { l.logger.Warn().Fields(kv).Msg(msg) }
func (l *retryLogger) Info(msg string, kv ...interface{})  { l.logger.Debug().Fields(kv).Msg(msg) }
func (l *retryLogger) Debug(msg string, kv ...interface{}) { l.logger.Trace().Fields(kv).Msg(msg) }

package forwarder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// registerRequest is the enrollment payload sent once per agent install.
type registerRequest struct {
	Token    string `json:"token"`
	AgentID  string `json:"agent_id"`
	Hostname string `json:"hostname"`
	Name     string `json:"name"`
}

// Register exchanges a single-use invitation token for a device registration.
// The server deletes the invitation on success, so a retry needs a fresh one.
func Register(ctx context.Context, config Config, token, hostname, name string) error {
	config.ServerURL = strings.TrimRight(config.ServerURL, "/")
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaultRequestTimeout
	}

	body, err := json.Marshal(registerRequest{
		Token:    token,
		AgentID:  config.AgentID,
		Hostname: hostname,
		Name:     name,
	})
	if err != nil {
		return fmt.Errorf("encode registration: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, config.ServerURL+"/api/device/register", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if config.UserAgent != "" {
		req.Header.Set("User-Agent", config.UserAgent)
	}

	resp, err := newHTTPClient(config).Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("registration rejected: %s", responseDetail(resp))
	}
	return nil
}

// responseDetail pulls the structured error message out of a failed response,
// falling back to the HTTP status line.
func responseDetail(resp *http.Response) string {
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err == nil {
		var payload struct {
			Detail string `json:"detail"`
		}
		if json.Unmarshal(data, &payload) == nil && payload.Detail != "" {
			return fmt.Sprintf("%s (%s)", payload.Detail, resp.Status)
		}
	}
	return resp.Status
}

package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"loom/internal/config"
)

// serverURL resolves the daemon address: the --url flag when set, otherwise
// the configured gateway address.
func serverURL(flag string) string {
	if flag != "" {
		return flag
	}
	host := "127.0.0.1"
	port := 7357
	if cfg := config.GetConfig(); cfg != nil {
		if cfg.Gateway.Host != "" {
			host = cfg.Gateway.Host
		}
		if cfg.Gateway.Port != 0 {
			port = cfg.Gateway.Port
		}
	}
	return fmt.Sprintf("http://%s:%d", host, port)
}

// apiClient is a minimal JSON client for the daemon API.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(base string) *apiClient {
	return &apiClient{
		base: base,
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *apiClient) get(path string, out any) error {
	return c.do(http.MethodGet, path, nil, out)
}

func (c *apiClient) post(path string, in, out any) error {
	return c.do(http.MethodPost, path, in, out)
}

func (c *apiClient) put(path string, in, out any) error {
	return c.do(http.MethodPut, path, in, out)
}

func (c *apiClient) del(path string) error {
	return c.do(http.MethodDelete, path, nil, nil)
}

func (c *apiClient) do(method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to daemon: %w\nIs the daemon running? Start it with: loom serve", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// stream issues a POST and hands the body back for SSE reading. The caller
// closes it. Generations can run long, so the stream client has a generous
// overall timeout.
func (c *apiClient) stream(path string, in any) (*http.Response, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	client := &http.Client{Timeout: 120 * time.Second}
	resp, err := client.Post(c.base+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to daemon: %w\nIs the daemon running? Start it with: loom serve", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, decodeAPIError(resp)
	}
	return resp, nil
}

// decodeAPIError turns the daemon's error envelope into a readable error.
func decodeAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		if envelope.Error.Code != "" {
			return fmt.Errorf("%s (%s)", envelope.Error.Message, envelope.Error.Code)
		}
		return fmt.Errorf("%s", envelope.Error.Message)
	}
	return fmt.Errorf("daemon returned status %d: %s", resp.StatusCode, string(body))
}

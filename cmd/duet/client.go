package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/duetorch/duet/internal/config"
)

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

// apiClient talks to a running daemon. Run control has to go through
// the daemon because the turn loops live in its process; reading state
// straight from the database would work, but mutating it would not.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newClient() (*apiClient, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	token := adminToken
	if token == "" {
		token = cfg.Web.AdminToken
	}
	return &apiClient{
		base:  fmt.Sprintf("http://%s:%d", cfg.Web.Host, cfg.Web.Port),
		token: token,
		http:  &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *apiClient) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("X-Admin-Token", c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("is the daemon running? %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode)
	}
	if out != nil {
		return json.Unmarshal(data, out)
	}
	return nil
}

func (c *apiClient) get(path string, out any) error {
	return c.do(http.MethodGet, path, nil, out)
}

func (c *apiClient) post(path string, body, out any) error {
	return c.do(http.MethodPost, path, body, out)
}

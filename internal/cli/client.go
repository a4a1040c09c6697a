package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/harun/avatarcore/internal/config"
	"github.com/harun/avatarcore/pkg/gateway"
)

// adminClient calls the admin endpoints of a running daemon.
type adminClient struct {
	baseURL string
	secret  string
	http    *http.Client
}

func newAdminClient(cfg *config.Config) (*adminClient, error) {
	if !cfg.Server.AdminEnabled {
		return nil, fmt.Errorf("admin endpoints are disabled (server.admin_enabled)")
	}
	if cfg.Server.SharedSecret == "" {
		return nil, fmt.Errorf("admin endpoints need server.shared_secret")
	}

	host := cfg.Server.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return &adminClient{
		baseURL: "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Server.Port)),
		secret:  cfg.Server.SharedSecret,
		http:    &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// do sends the request and decodes a JSON body into out when out is non-nil.
func (c *adminClient) do(ctx context.Context, method, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set(gateway.AdminSecretHeader, c.secret)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var body struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &body) == nil && body.Error != "" {
			return fmt.Errorf("%s %s: %s (%d)", method, path, body.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

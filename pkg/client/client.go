package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// Client talks to the blockvisor daemon API.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger // Optional logger for client operations
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	CACert     string // CA certificate file path
	ServerName string // Server name for verification
}

// APIError is a non-2xx answer from the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

const (
	DefaultBaseURL = "http://localhost:8081/api"
	DefaultTimeout = 10 * time.Second
)

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{BaseURL: DefaultBaseURL, Timeout: DefaultTimeout}
}

// New creates a client. TLS setup errors are logged and leave the default transport.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.TLS != nil || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			config.Logger.Error("TLS setup failed", "error", err)
		} else {
			transport.TLSClientConfig = tlsConfig
		}
	}

	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	var v VersionInfo
	err := c.get(ctx, "/version", &v)
	c.logger.Debug("Daemon reachability check", "reachable", err == nil, "error", err)
	return err == nil
}

// Servers lists the managed servers and their status.
func (c *Client) Servers(ctx context.Context) ([]ServerSummary, error) {
	var out []ServerSummary
	return out, c.get(ctx, "/servers", &out)
}

// Server returns the full state of one server.
func (c *Client) Server(ctx context.Context, name string) (ServerData, error) {
	var out ServerData
	return out, c.get(ctx, "/servers/"+url.PathEscape(name), &out)
}

// Usage returns the supervisor's own usage history.
func (c *Client) Usage(ctx context.Context) ([]ResourceUsage, error) {
	var out []ResourceUsage
	return out, c.get(ctx, "/usage", &out)
}

func (c *Client) Runtimes(ctx context.Context) ([]Runtime, error) {
	var out []Runtime
	return out, c.get(ctx, "/runtimes", &out)
}

func (c *Client) Version(ctx context.Context) (VersionInfo, error) {
	var out VersionInfo
	return out, c.get(ctx, "/version", &out)
}

func (c *Client) Dependencies(ctx context.Context) ([]Dependency, error) {
	var out []Dependency
	return out, c.get(ctx, "/dependencies", &out)
}

// Start asks the daemon to start a server and waits for the start to settle.
func (c *Client) Start(ctx context.Context, name string) error {
	c.logger.Debug("Starting server", "name", name)
	return c.Send(ctx, EntityChannel(name), map[string]string{"status": "starting"})
}

// Stop asks the daemon to stop a server and waits for it to exit.
func (c *Client) Stop(ctx context.Context, name string) error {
	c.logger.Debug("Stopping server", "name", name)
	return c.Send(ctx, EntityChannel(name), map[string]string{"status": "stopping"})
}

// Command writes one console line to a running server.
func (c *Client) Command(ctx context.Context, name, line string) error {
	return c.Send(ctx, EntityChannel(name), map[string]string{"command": line})
}

// Refresh makes the daemon re-read every server.properties and publish the server list.
func (c *Client) Refresh(ctx context.Context) error {
	return c.Send(ctx, "SEND_MESSAGE", map[string][]string{"servers": {}})
}

// Send posts data to an inbound channel.
func (c *Client) Send(ctx context.Context, channel string, data any) error {
	body, err := json.Marshal(MessageRequest{Channel: channel, Data: data})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	return c.do(ctx, http.MethodPost, "/messages", body, nil)
}

// EntityChannel returns the channel name of a server, escaped like
// encodeURIComponent.
func EntityChannel(name string) string {
	return "server_" + componentUnescaper.Replace(url.QueryEscape(name))
}

var componentUnescaper = strings.NewReplacer("+", "%20", "%21", "!", "%27", "'", "%28", "(", "%29", ")", "%2A", "*")

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true // #nosec G402 explicitly requested
		return tlsConfig, nil
	}
	if config.TLS.ServerName != "" {
		tlsConfig.ServerName = config.TLS.ServerName
	}
	if config.TLS.CACert != "" {
		if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
			return nil, fmt.Errorf("failed to load CA certificate: %w", err)
		}
	}
	return tlsConfig, nil
}

// loadCACert loads CA certificate from file and adds it to TLS config
func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}

	tlsConfig.RootCAs = caCertPool
	return nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

// do performs HTTP request with common error handling; out may be nil.
func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "url", req.URL.String())
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.handleErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse turns an error answer into an *APIError.
func (c *Client) handleErrorResponse(resp *http.Response) error {
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
		c.logger.Debug("Failed to decode error response", "status", resp.StatusCode)
		return &APIError{StatusCode: resp.StatusCode}
	}
	c.logger.Debug("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	return &APIError{StatusCode: resp.StatusCode, Message: errorResp.Error}
}

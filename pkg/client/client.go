package client

import (
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
	"strconv"
	"strings"
	"time"
)

// Client talks to the staffsync daemon's admin API.
type Client struct {
	baseURL  string
	client   *http.Client
	logger   *slog.Logger
	operator string
	username string
	password string
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger // Optional logger for client operations
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification
	// Operator is sent as X-Operator when no Basic credentials are set.
	Operator string
	Username string
	Password string
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	Enabled    bool   // Enable TLS
	CACert     string // CA certificate file path
	ClientCert string // Client certificate file
	ClientKey  string // Client private key file
	ServerName string // Server name for verification
	SkipVerify bool   // Skip certificate verification
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8080/api",
		Timeout: 10 * time.Second,
	}
}

// DefaultTLSConfig returns default TLS client configuration
func DefaultTLSConfig() Config {
	return Config{
		BaseURL: "https://localhost:8080/api",
		Timeout: 10 * time.Second,
		TLS: &TLSClientConfig{
			Enabled: true,
		},
	}
}

// InsecureConfig returns insecure client configuration (skip TLS verification)
func InsecureConfig() Config {
	return Config{
		BaseURL:  "https://localhost:8080/api",
		Timeout:  10 * time.Second,
		Insecure: true,
	}
}

// New creates a new staffsync API client with TLS support
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:8080/api"
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	// Setup HTTP transport with TLS configuration
	transport := &http.Transport{}

	// Configure TLS if needed
	if config.TLS != nil && config.TLS.Enabled || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			config.Logger.Error("TLS setup failed", "error", err)
		} else {
			transport.TLSClientConfig = tlsConfig
		}
	}

	return &Client{
		baseURL:  strings.TrimRight(config.BaseURL, "/"),
		logger:   config.Logger,
		operator: config.Operator,
		username: config.Username,
		password: config.Password,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		c.logger.Debug("Failed to create request for reachability check", "error", err)
		return false
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	isReachable := resp.StatusCode == http.StatusOK
	c.logger.Debug("Daemon reachability check", "reachable", isReachable, "status", resp.StatusCode)
	return isReachable
}

// ListJobs returns the status of every sync job that has run.
func (c *Client) ListJobs(ctx context.Context) ([]JobStatus, error) {
	var out []JobStatus
	err := c.do(ctx, http.MethodGet, "/sync/jobs", nil, &out)
	return out, err
}

// GetJob returns one sync job's status.
func (c *Client) GetJob(ctx context.Context, name string) (JobStatus, error) {
	var out JobStatus
	err := c.do(ctx, http.MethodGet, "/sync/jobs/"+url.PathEscape(name), nil, &out)
	return out, err
}

// RunJob triggers an immediate run of a sync job.
func (c *Client) RunJob(ctx context.Context, name string) error {
	c.logger.Debug("Triggering sync run", "job", name)
	return c.do(ctx, http.MethodPost, "/sync/jobs/"+url.PathEscape(name)+"/run", nil, nil)
}

// ListServices returns every supervised service.
func (c *Client) ListServices(ctx context.Context) ([]ServiceStatus, error) {
	var out []ServiceStatus
	err := c.do(ctx, http.MethodGet, "/services", nil, &out)
	return out, err
}

// GetService returns one supervised service.
func (c *Client) GetService(ctx context.Context, name string) (ServiceStatus, error) {
	var out ServiceStatus
	err := c.do(ctx, http.MethodGet, "/services/"+url.PathEscape(name), nil, &out)
	return out, err
}

// StartService, StopService and RestartService act as the configured operator.
func (c *Client) StartService(ctx context.Context, name string) (ServiceStatus, error) {
	return c.serviceOp(ctx, name, "start")
}

func (c *Client) StopService(ctx context.Context, name string) (ServiceStatus, error) {
	return c.serviceOp(ctx, name, "stop")
}

func (c *Client) RestartService(ctx context.Context, name string) (ServiceStatus, error) {
	return c.serviceOp(ctx, name, "restart")
}

// SetAutostart toggles whether a service starts at boot.
func (c *Client) SetAutostart(ctx context.Context, name string, enabled bool) (ServiceStatus, error) {
	return c.serviceOp(ctx, name, "autostart?enabled="+strconv.FormatBool(enabled))
}

// SetWatchdog toggles heartbeat supervision of a service.
func (c *Client) SetWatchdog(ctx context.Context, name string, enabled bool) (ServiceStatus, error) {
	return c.serviceOp(ctx, name, "watchdog?enabled="+strconv.FormatBool(enabled))
}

func (c *Client) serviceOp(ctx context.Context, name, op string) (ServiceStatus, error) {
	c.logger.Debug("Service operation", "service", name, "op", op)
	var out ServiceStatus
	err := c.do(ctx, http.MethodPost, "/services/"+url.PathEscape(name)+"/"+op, nil, &out)
	return out, err
}

// Maintenance reports the daemon's maintenance flag.
func (c *Client) Maintenance(ctx context.Context) (bool, error) {
	var out MaintenanceStatus
	err := c.do(ctx, http.MethodGet, "/maintenance", nil, &out)
	return out.Enabled, err
}

// SetMaintenance enables or disables maintenance mode.
func (c *Client) SetMaintenance(ctx context.Context, enabled bool) (bool, error) {
	var out MaintenanceStatus
	err := c.do(ctx, http.MethodPost, "/maintenance?enabled="+strconv.FormatBool(enabled), nil, &out)
	return out.Enabled, err
}
// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{}

	// Handle insecure mode (skip verification)
	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}

	// Configure TLS settings
	if config.TLS != nil {
		// Skip verification if requested
		if config.TLS.SkipVerify {
			tlsConfig.InsecureSkipVerify = true
		}

		// Set server name for verification
		if config.TLS.ServerName != "" {
			tlsConfig.ServerName = config.TLS.ServerName
		}

		// Load CA certificate if provided
		if config.TLS.CACert != "" {
			if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
				return nil, fmt.Errorf("failed to load CA certificate: %w", err)
			}
		}

		// Load client certificate if provided
		if config.TLS.ClientCert != "" && config.TLS.ClientKey != "" {
			cert, err := tls.LoadX509KeyPair(config.TLS.ClientCert, config.TLS.ClientKey)
			if err != nil {
				return nil, fmt.Errorf("failed to load client certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
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

// do performs a request and decodes a 2xx JSON body into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	u := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method != http.MethodGet {
		c.identify(req)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "url", u)
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

func (c *Client) identify(req *http.Request) {
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
		return
	}
	if c.operator != "" {
		req.Header.Set("X-Operator", c.operator)
	}
}

// handleErrorResponse turns a non-2xx response into an *APIError.
func (c *Client) handleErrorResponse(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
		c.logger.Debug("Failed to decode error response", "status", resp.StatusCode)
	}
	apiErr.Message = errorResp.Error
	if apiErr.Message == "" {
		apiErr.Message = errorResp.Message
	}
	c.logger.Debug("API request failed", "error", apiErr.Message, "status", resp.StatusCode)
	return apiErr
}

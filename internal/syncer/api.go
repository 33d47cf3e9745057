package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	DefaultAuthPath    = "/jwt-api-token-auth/"
	DefaultTokenScheme = "Bearer"
	// MaxResponseSize caps a single page body (64MB).
	MaxResponseSize = 64 * 1024 * 1024
	UserAgent       = "staffsync/1.0"
)

// APIConfig configures access to the time-and-attendance counterparty.
type APIConfig struct {
	BaseURL     string
	AuthPath    string
	Username    string
	Password    string
	TokenScheme string
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

// Page is the response envelope of a list endpoint.
type Page struct {
	Count   int               `json:"count"`
	Next    *string           `json:"next"`
	Data    []json.RawMessage `json:"data"`
	Results []json.RawMessage `json:"results"`
}

// Records returns the page rows regardless of envelope field name.
func (p Page) Records() []json.RawMessage {
	if len(p.Data) > 0 {
		return p.Data
	}
	return p.Results
}

// HasNext reports whether the counterparty signals a further page.
func (p Page) HasNext() bool { return p.Next != nil && *p.Next != "" }

// API is a thin HTTP client for the counterparty. The bearer token lives in
// memory only and is refreshed whenever a request comes back 401.
type API struct {
	cfg  APIConfig
	hc   *http.Client
	log  *slog.Logger
	mu   sync.Mutex
	tok  string
	auth sync.Mutex // serializes token exchanges
}

func NewAPI(cfg APIConfig) (*API, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("external base URL required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid external base URL: %w", err)
	}
	cfg.BaseURL = base
	if cfg.AuthPath == "" {
		cfg.AuthPath = DefaultAuthPath
	}
	if cfg.TokenScheme == "" {
		cfg.TokenScheme = DefaultTokenScheme
	}
	hc := cfg.HTTPClient
	if hc == nil {
		// per-request timeouts come from the collection via context
		hc = &http.Client{}
	}
	lg := cfg.Logger
	if lg == nil {
		lg = slog.Default()
	}
	return &API{cfg: cfg, hc: hc, log: lg}, nil
}

// Token returns the cached token, if any.
func (a *API) Token() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tok
}

func (a *API) setToken(t string) {
	a.mu.Lock()
	a.tok = t
	a.mu.Unlock()
}

// Invalidate drops the cached token.
func (a *API) Invalidate() { a.setToken("") }

type authResponse struct {
	Token string `json:"token"`
}

// Authenticate exchanges the configured credentials for a bearer token.
// It may be called any number of times; each call replaces the cached token.
func (a *API) Authenticate(ctx context.Context) error {
	a.auth.Lock()
	defer a.auth.Unlock()
	body, _ := json.Marshal(map[string]string{"username": a.cfg.Username, "password": a.cfg.Password})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+a.cfg.AuthPath, bytes.NewReader(body))
	if err != nil {
		return &PermanentError{Err: fmt.Errorf("failed to create auth request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", UserAgent)
	resp, err := a.hc.Do(req)
	if err != nil {
		return classifyTransport(ctx, err)
	}
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return classifyTransport(ctx, err)
	}
	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		a.Invalidate()
		return &AuthError{Status: resp.StatusCode, Msg: strings.TrimSpace(string(b))}
	}
	if resp.StatusCode/100 != 2 {
		return classifyStatus(resp.StatusCode, "auth endpoint: "+resp.Status)
	}
	var ar authResponse
	if err := json.Unmarshal(b, &ar); err != nil || ar.Token == "" {
		return &AuthError{Status: resp.StatusCode, Msg: "auth response carries no token"}
	}
	a.setToken(ar.Token)
	a.log.Debug("Authenticated with external API", "base_url", a.cfg.BaseURL)
	return nil
}

// FetchPage requests one page of coll. A 401 triggers one re-authentication
// and one retry of the same request; a second 401 is an AuthError.
func (a *API) FetchPage(ctx context.Context, coll Collection, page int, w *Window) (Page, error) {
	coll = coll.withDefaults()
	u, err := a.pageURL(coll, page, w)
	if err != nil {
		return Page{}, err
	}
	for attempt := 0; ; attempt++ {
		if a.Token() == "" {
			if err := a.Authenticate(ctx); err != nil {
				return Page{}, err
			}
		}
		p, status, err := a.get(ctx, coll.Timeout, u)
		if status == http.StatusUnauthorized {
			a.Invalidate()
			if attempt == 0 {
				a.log.Info("Token rejected, re-authenticating", "collection", coll.Name, "page", page)
				continue
			}
			return Page{}, &AuthError{Status: status, Msg: "token rejected after re-authentication"}
		}
		return p, err
	}
}

func (a *API) pageURL(coll Collection, page int, w *Window) (string, error) {
	u, err := url.Parse(a.cfg.BaseURL + coll.Path)
	if err != nil {
		return "", &PermanentError{Err: err}
	}
	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(coll.PageSize))
	if w != nil {
		q.Set(coll.StartParam, w.Start.Format(coll.TimeLayout))
		q.Set(coll.EndParam, w.End.Format(coll.TimeLayout))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (a *API) get(parent context.Context, timeout time.Duration, u string) (Page, int, error) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Page{}, 0, &PermanentError{Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Authorization", a.cfg.TokenScheme+" "+a.Token())
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", UserAgent)
	resp, err := a.hc.Do(req)
	if err != nil {
		return Page{}, 0, classifyTransport(parent, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusUnauthorized {
		_, _ = io.Copy(io.Discard, resp.Body)
		return Page{}, resp.StatusCode, nil
	}
	if resp.StatusCode/100 != 2 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return Page{}, resp.StatusCode, classifyStatus(resp.StatusCode, fmt.Sprintf("GET %s: %s", u, resp.Status))
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return Page{}, resp.StatusCode, classifyTransport(parent, err)
	}
	if len(b) > MaxResponseSize {
		return Page{}, resp.StatusCode, &PermanentError{Err: fmt.Errorf("response exceeds %d bytes", MaxResponseSize)}
	}
	var p Page
	if err := json.Unmarshal(b, &p); err != nil {
		return Page{}, resp.StatusCode, &PermanentError{Status: resp.StatusCode, Err: fmt.Errorf("unexpected response schema: %w", err)}
	}
	return p, resp.StatusCode, nil
}

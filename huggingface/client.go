// client.go - HuggingFace Hub Client Wrapper
// Stellt einen HTTP-Client fuer den HuggingFace Hub bereit.
package huggingface

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mtllama/modeldelta/envconfig"
	"github.com/mtllama/modeldelta/logutil"
)

// Konstanten fuer HuggingFace Hub API
const (
	DefaultClientTimeout = 1800 // 30 Minuten fuer grosse Gewichtsdateien
	DefaultRevision      = "main"
	ClientUserAgent      = "make-delta/1.0"
)

// Fehler-Definitionen
var (
	ErrModelNotFound   = errors.New("modell nicht gefunden")
	ErrUnauthorized    = errors.New("authentifizierung fehlgeschlagen")
	ErrRateLimited     = errors.New("rate limit ueberschritten")
	ErrNetworkError    = errors.New("netzwerkfehler")
	ErrInvalidModelID  = errors.New("ungueltige modell-id")
	ErrFileNotFound    = errors.New("datei nicht gefunden")
	ErrDownloadFailed  = errors.New("download fehlgeschlagen")
	ErrUploadFailed    = errors.New("upload fehlgeschlagen")
	ErrInvalidResponse = errors.New("ungueltige server-antwort")
)

// APIModelInfo enthaelt Metadaten eines HuggingFace Modells aus der API
type APIModelInfo struct {
	ID       string       `json:"id"`
	SHA      string       `json:"sha"`
	Private  bool         `json:"private"`
	Gated    any          `json:"gated"` // Kann bool oder string sein (false, "auto", "manual")
	Tags     []string     `json:"tags"`
	Siblings []APISibling `json:"siblings"`
}

// IsGated prueft ob das Modell gated ist (authentifizierung erforderlich)
func (m *APIModelInfo) IsGated() bool {
	switch v := m.Gated.(type) {
	case bool:
		return v
	case string:
		return v == "auto" || v == "manual"
	default:
		return false
	}
}

// APISibling repraesentiert eine Datei im Model-Repository
type APISibling struct {
	Filename string   `json:"rfilename"`
	Size     int64    `json:"size"`
	BlobID   string   `json:"blobId"`
	LFS      *LFSInfo `json:"lfs,omitempty"`
}

// LFSInfo enthaelt LFS-Metadaten fuer grosse Dateien
type LFSInfo struct {
	Size        int64  `json:"size"`
	SHA256      string `json:"sha256"`
	PointerSize int64  `json:"pointerSize"`
}

// Client ist der HuggingFace Hub Client
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiURL     string
	token      string
	userAgent  string
}

// ClientOption ist eine Funktion zur Konfiguration des Clients
type ClientOption func(*Client)

// WithToken setzt den HuggingFace API Token. Ein leerer Token behaelt HF_TOKEN bei.
func WithToken(token string) ClientOption {
	return func(c *Client) {
		if token != "" {
			c.token = token
		}
	}
}

// WithBaseURL setzt eine Custom Base-URL
func WithBaseURL(url string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(url, "/")
		c.apiURL = c.baseURL + "/api"
	}
}

// WithClientTimeout setzt den HTTP Timeout
func WithClientTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithUserAgent setzt einen Custom User-Agent
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) { c.userAgent = ua }
}

// WithHTTPClient setzt einen Custom HTTP Client
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient erstellt einen neuen HuggingFace Hub Client.
// HF_ENDPOINT und HF_TOKEN werden aus der Umgebung gelesen.
func NewClient(options ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: DefaultClientTimeout * time.Second},
		token:      envconfig.HFToken(),
		userAgent:  ClientUserAgent,
	}
	WithBaseURL(envconfig.HFEndpoint())(c)
	for _, opt := range options {
		opt(c)
	}
	return c
}

// ModelInfo ruft Metadaten und Dateiliste eines Modells fuer eine Revision ab
func (c *Client) ModelInfo(ctx context.Context, modelID, revision string) (*APIModelInfo, error) {
	if err := validateModelID(modelID); err != nil {
		return nil, err
	}
	if revision == "" {
		revision = DefaultRevision
	}
	u := fmt.Sprintf("%s/models/%s/revision/%s?blobs=true", c.apiURL, modelID, url.PathEscape(revision))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetworkError, err)
	}
	c.setHeaders(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetworkError, err)
	}
	defer resp.Body.Close()
	if err := c.handleResponseError(resp); err != nil {
		return nil, err
	}
	var info APIModelInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return &info, nil
}

// BaseURL gibt die aktuelle Base-URL zurueck
func (c *Client) BaseURL() string { return c.baseURL }

// HasToken prueft ob ein Token konfiguriert ist
func (c *Client) HasToken() bool { return c.token != "" }

func (c *Client) setHeaders(req *http.Request) {
	logutil.Trace("hub request", "method", req.Method, "url", req.URL.Redacted())
	req.Header.Set("User-Agent", c.userAgent)
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *Client) handleResponseError(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusPartialContent:
		return nil
	case http.StatusNotFound:
		return ErrModelNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	case http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		if resp.StatusCode >= 400 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return fmt.Errorf("%w: status %d - %s", ErrInvalidResponse, resp.StatusCode, string(body))
		}
		return nil
	}
}

// validateModelID akzeptiert "owner/name" und kanonische Namen ohne Owner ("gpt2")
func validateModelID(modelID string) error {
	if modelID == "" {
		return fmt.Errorf("%w: modell-id darf nicht leer sein", ErrInvalidModelID)
	}
	parts := strings.Split(modelID, "/")
	if len(parts) > 2 {
		return fmt.Errorf("%w: erwartet format 'owner/model'", ErrInvalidModelID)
	}
	for _, part := range parts {
		if part == "" || part == "." || part == ".." || strings.HasPrefix(part, "-") {
			return fmt.Errorf("%w: %q", ErrInvalidModelID, modelID)
		}
		for _, r := range part {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			default:
				return fmt.Errorf("%w: %q", ErrInvalidModelID, modelID)
			}
		}
	}
	return nil
}

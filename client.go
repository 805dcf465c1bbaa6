// Package vchat is the client-side synchronization engine of the vchat
// messaging app.
//
// It keeps a process-wide cache of remote documents, applies user mutations
// optimistically and rolls them back when the backend rejects them, guards
// the session bootstrap against duplicate concurrent runs, and decides who
// may delete what.
//
// Example:
//
//	client := vchat.NewClient(vchat.WithBaseURL("https://chat.example.com"), vchat.WithProject("vchat"))
//	engine := vchat.NewEngine(vchat.EngineConfig{DatabaseID: "main"}, vchat.Backend{
//		Documents: client,
//		Sessions:  client,
//		Local:     vchat.NewMemoryKV(),
//	})
//
//	pending := engine.LogIn(ctx, vchat.Credentials{Email: "a@example.com", Password: "..."})
//	_ = pending.Wait(ctx)
//
//	room := engine.OpenRoom(conversation)
//	room.ToggleSelect(message)
//	engine.DeleteSelectedMessages(ctx)
package vchat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// ============================================================================
// Remote contracts
// ============================================================================

// Filter restricts ListDocuments to documents whose Field equals Value, or
// contains it for array fields.
type Filter struct {
	Field string
	Value string
}

// Eq builds an equality filter.
func Eq(field, value string) Filter {
	return Filter{Field: field, Value: value}
}

// DocumentStore is the client contract of the remote document store.
type DocumentStore interface {
	CreateDocument(ctx context.Context, db, collection, id string, fields map[string]any) (*Document, error)
	GetDocument(ctx context.Context, db, collection, id string) (*Document, error)
	UpdateDocument(ctx context.Context, db, collection, id string, fields map[string]any) (*Document, error)
	DeleteDocument(ctx context.Context, db, collection, id string) error
	ListDocuments(ctx context.Context, db, collection string, filters ...Filter) ([]Document, error)
}

// AuthSession is a session issued by the session provider.
type AuthSession struct {
	ID     string `json:"$id"`
	UserID string `json:"userId"`
	Secret string `json:"secret"`
	Expire string `json:"expire,omitempty"`
}

// SessionProvider is the client contract of the account service.
type SessionProvider interface {
	GetAccount(ctx context.Context) (*Account, error)
	CreateSession(ctx context.Context, email, password string) (*AuthSession, error)
	CreateAccount(ctx context.Context, email, password, name string) (*Account, error)
	UpdatePrefs(ctx context.Context, prefs map[string]any) error
	UpdateName(ctx context.Context, name string) (*Account, error)
	DeleteSession(ctx context.Context) error
}

// ============================================================================
// Client
// ============================================================================

const (
	DefaultBaseURL = "http://localhost/v1"
	DefaultTimeout = 30 * time.Second
)

// Client talks to the REST API of the document store and account service.
type Client struct {
	baseURL    string
	project    string
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithProject(project string) ClientOption {
	return func(c *Client) { c.project = project }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// NewClient creates a new client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken sets or clears the session token.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the current session token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// BaseURL returns the API root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.project != "" {
		req.Header.Set("X-Project", c.project)
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

func documentsPath(db, collection string) string {
	return "/databases/" + url.PathEscape(db) + "/collections/" + url.PathEscape(collection) + "/documents"
}

// ============================================================================
// Documents
// ============================================================================

func (c *Client) CreateDocument(ctx context.Context, db, collection, id string, fields map[string]any) (*Document, error) {
	if id == "" {
		id = "unique()"
	}
	var doc Document
	err := c.doRequest(ctx, "POST", documentsPath(db, collection), map[string]any{
		"documentId": id,
		"data":       fields,
	}, nil, &doc)
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (c *Client) GetDocument(ctx context.Context, db, collection, id string) (*Document, error) {
	var doc Document
	if err := c.doRequest(ctx, "GET", documentsPath(db, collection)+"/"+url.PathEscape(id), nil, nil, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (c *Client) UpdateDocument(ctx context.Context, db, collection, id string, fields map[string]any) (*Document, error) {
	var doc Document
	err := c.doRequest(ctx, "PATCH", documentsPath(db, collection)+"/"+url.PathEscape(id), map[string]any{
		"data": fields,
	}, nil, &doc)
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (c *Client) DeleteDocument(ctx context.Context, db, collection, id string) error {
	return c.doRequest(ctx, "DELETE", documentsPath(db, collection)+"/"+url.PathEscape(id), nil, nil, nil)
}

type documentList struct {
	Total     int        `json:"total"`
	Documents []Document `json:"documents"`
}

func (c *Client) ListDocuments(ctx context.Context, db, collection string, filters ...Filter) ([]Document, error) {
	var query url.Values
	if len(filters) > 0 {
		query = url.Values{}
		for _, f := range filters {
			query.Add("queries[]", fmt.Sprintf("equal(%q, [%q])", f.Field, f.Value))
		}
	}
	var list documentList
	if err := c.doRequest(ctx, "GET", documentsPath(db, collection), nil, query, &list); err != nil {
		return nil, err
	}
	return list.Documents, nil
}

// ============================================================================
// Account
// ============================================================================

func (c *Client) GetAccount(ctx context.Context) (*Account, error) {
	var acc Account
	if err := c.doRequest(ctx, "GET", "/account", nil, nil, &acc); err != nil {
		return nil, err
	}
	return &acc, nil
}

// CreateSession logs in and keeps the issued secret as the client token.
func (c *Client) CreateSession(ctx context.Context, email, password string) (*AuthSession, error) {
	var s AuthSession
	err := c.doRequest(ctx, "POST", "/account/sessions/email", map[string]string{
		"email":    email,
		"password": password,
	}, nil, &s)
	if err != nil {
		return nil, err
	}
	if s.Secret != "" {
		c.SetToken(s.Secret)
	}
	return &s, nil
}

func (c *Client) CreateAccount(ctx context.Context, email, password, name string) (*Account, error) {
	var acc Account
	err := c.doRequest(ctx, "POST", "/account", map[string]string{
		"userId":   "unique()",
		"email":    email,
		"password": password,
		"name":     name,
	}, nil, &acc)
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

func (c *Client) UpdatePrefs(ctx context.Context, prefs map[string]any) error {
	return c.doRequest(ctx, "PATCH", "/account/prefs", map[string]any{"prefs": prefs}, nil, nil)
}

func (c *Client) UpdateName(ctx context.Context, name string) (*Account, error) {
	var acc Account
	if err := c.doRequest(ctx, "PATCH", "/account/name", map[string]string{"name": name}, nil, &acc); err != nil {
		return nil, err
	}
	return &acc, nil
}

// DeleteSession logs out of the current session and forgets the token.
func (c *Client) DeleteSession(ctx context.Context) error {
	err := c.doRequest(ctx, "DELETE", "/account/sessions/current", nil, nil, nil)
	c.SetToken("")
	return err
}

// Package ica provides a client for the ICA shopping-list API.
package ica

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/JohanCodinha/icasync/internal/logger"
	"github.com/JohanCodinha/icasync/internal/service"
)

const (
	defaultSiteURL    = "https://www.ica.se"
	defaultGatewayURL = "https://apimgw-pub.ica.se"

	userInfoPath = "/api/user/information"
	listAPIPath  = "/sverige/digx/shopping-list/v1/api"

	// DefaultSessionCookie is the cookie carrying the logged-in web session.
	DefaultSessionCookie = "thSessionId"

	// DefaultTimeout bounds every HTTP request.
	DefaultTimeout = 30 * time.Second

	// rowSource is sent with every added row.
	rowSource = "icasync"

	// tokenRefreshMargin renews the access token this long before it expires.
	tokenRefreshMargin = time.Minute
)

// TokenStore persists access tokens between process restarts.
type TokenStore interface {
	LoadToken(ctx context.Context, key string) (token string, expires time.Time, err error)
	SaveToken(ctx context.Context, key, token string, expires time.Time) error
}

// List is a shopping list as returned by the list/all endpoint.
type List struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Rows []Row  `json:"rows"`
}

// UnmarshalJSON implements json.Unmarshaler. Rows are decoded one at a
// time; a row that does not decode is kept as an empty row, which the
// engine skips as malformed.
func (l *List) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID   string            `json:"id"`
		Name string            `json:"name"`
		Rows []json.RawMessage `json:"rows"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	l.ID, l.Name = raw.ID, raw.Name
	l.Rows = make([]Row, 0, len(raw.Rows))
	for i, msg := range raw.Rows {
		var row Row
		if err := json.Unmarshal(msg, &row); err != nil {
			logger.Warn("ica: list %s row %d does not decode: %v", raw.ID, i, err)
			row = Row{}
		}
		l.Rows = append(l.Rows, row)
	}
	return nil
}

// Row is a single shopping-list row.
type Row struct {
	ID        flexID `json:"id"`
	Text      string `json:"text"`
	IsStriked bool   `json:"isStriked"`
}

// flexID accepts both string and numeric ids.
type flexID string

// UnmarshalJSON implements json.Unmarshaler.
func (f *flexID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("row id must be a string or number: %w", err)
	}
	*f = flexID(n.String())
	return nil
}

type userInfo struct {
	AccessToken  string `json:"accessToken"`
	TokenExpires string `json:"tokenExpires"`
}

type addRowRequest struct {
	Text        string `json:"text"`
	StrikedOver bool   `json:"strikedOver"`
	Source      string `json:"source"`
}

// Client is an ICA shopping-list API client. It exchanges the web session
// cookie for a short-lived bearer token and renews it on demand.
type Client struct {
	sessionID     string
	sessionCookie string
	userInfoURL   string
	listAPIURL    string
	httpClient    *http.Client
	tokens        TokenStore

	mu      sync.Mutex
	token   string
	expires time.Time

	// tokenGroup collapses concurrent renewals into one request.
	tokenGroup singleflight.Group
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithTokenStore persists access tokens through the given store.
func WithTokenStore(store TokenStore) Option {
	return func(c *Client) {
		c.tokens = store
	}
}

// WithSessionCookie overrides the session cookie name.
func WithSessionCookie(name string) Option {
	return func(c *Client) {
		if name != "" {
			c.sessionCookie = name
		}
	}
}

// WithUserInfoURL overrides the site that issues access tokens.
func WithUserInfoURL(siteURL string) Option {
	return func(c *Client) {
		if siteURL != "" {
			c.userInfoURL = strings.TrimRight(siteURL, "/") + userInfoPath
		}
	}
}

// WithGatewayURL overrides the API gateway hosting the list endpoints.
func WithGatewayURL(gatewayURL string) Option {
	return func(c *Client) {
		if gatewayURL != "" {
			c.listAPIURL = strings.TrimRight(gatewayURL, "/") + listAPIPath
		}
	}
}

// New creates a new ICA client for the given web session.
func New(sessionID string, opts ...Option) *Client {
	c := &Client{
		sessionID:     sessionID,
		sessionCookie: DefaultSessionCookie,
		userInfoURL:   defaultSiteURL + userInfoPath,
		listAPIURL:    defaultGatewayURL + listAPIPath,
		httpClient:    &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewWithBaseURL creates a client that serves both the token and list
// endpoints from one base URL (for testing).
func NewWithBaseURL(sessionID, baseURL string, opts ...Option) *Client {
	opts = append([]Option{WithUserInfoURL(baseURL), WithGatewayURL(baseURL)}, opts...)
	return New(sessionID, opts...)
}

// tokenKey identifies the session in the token store without storing it.
func (c *Client) tokenKey() string {
	sum := sha256.Sum256([]byte(c.sessionID))
	return hex.EncodeToString(sum[:8])
}

// accessToken returns a valid bearer token, renewing it if needed.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.token != "" && time.Now().Add(tokenRefreshMargin).Before(c.expires) {
		token := c.token
		c.mu.Unlock()
		return token, nil
	}
	c.mu.Unlock()

	result, err, _ := c.tokenGroup.Do("token", func() (interface{}, error) {
		if c.tokens != nil {
			token, expires, err := c.tokens.LoadToken(ctx, c.tokenKey())
			if err != nil {
				logger.Warn("ica: failed to load cached token: %v", err)
			} else if token != "" && time.Now().Add(tokenRefreshMargin).Before(expires) {
				c.setToken(token, expires)
				return token, nil
			}
		}
		return c.fetchToken(ctx)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (c *Client) setToken(token string, expires time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
	c.expires = expires
}

// invalidateToken forgets the in-memory token after the API rejected it.
func (c *Client) invalidateToken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
	c.expires = time.Time{}
}

// fetchToken exchanges the session cookie for a new access token.
func (c *Client) fetchToken(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.userInfoURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.AddCookie(&http.Cookie{Name: c.sessionCookie, Value: c.sessionID})
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("user information request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", fmt.Errorf("%w: session rejected (%s)", service.ErrAuth, resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("ICA user information error: %s - %s", resp.Status, string(body))
	}

	var info userInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", fmt.Errorf("failed to decode user information: %w", err)
	}
	if info.AccessToken == "" {
		return "", fmt.Errorf("%w: no access token in user information", service.ErrAuth)
	}

	expires, err := parseExpiry(info.TokenExpires)
	if err != nil {
		logger.Warn("ica: %v, assuming a short-lived token", err)
		expires = time.Now().Add(5 * time.Minute)
	}

	c.setToken(info.AccessToken, expires)
	if c.tokens != nil {
		if err := c.tokens.SaveToken(ctx, c.tokenKey(), info.AccessToken, expires); err != nil {
			logger.Warn("ica: failed to cache token: %v", err)
		}
	}

	logger.Debug("ica: obtained access token valid until %s", expires.Format(time.RFC3339))
	return info.AccessToken, nil
}

// parseExpiry accepts RFC 3339 timestamps with or without a zone suffix.
func parseExpiry(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("missing tokenExpires")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02T15:04:05.999999999", strings.TrimSuffix(s, "Z"))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid tokenExpires %q", s)
	}
	return t.UTC(), nil
}

// doRequest performs an authenticated request against the list API.
func (c *Client) doRequest(ctx context.Context, method, url string, body io.Reader) (*http.Response, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	return resp, nil
}

// checkStatus turns unexpected responses into errors. The caller closes
// the body.
func (c *Client) checkStatus(resp *http.Response, ok ...int) error {
	for _, code := range ok {
		if resp.StatusCode == code {
			return nil
		}
	}

	body, _ := io.ReadAll(resp.Body)
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		c.invalidateToken()
		return fmt.Errorf("%w: ICA API %s", service.ErrAuth, resp.Status)
	case http.StatusNotFound:
		return fmt.Errorf("%w: ICA API %s", service.ErrNotFound, resp.Status)
	default:
		return fmt.Errorf("ICA API error: %s - %s", resp.Status, string(body))
	}
}

// ListAll fetches every shopping list of the account in API form.
func (c *Client) ListAll(ctx context.Context) ([]List, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, c.listAPIURL+"/list/all", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp, http.StatusOK); err != nil {
		return nil, err
	}

	var lists []List
	if err := json.NewDecoder(resp.Body).Decode(&lists); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return lists, nil
}

// FetchLists implements service.RemoteService.
func (c *Client) FetchLists(ctx context.Context) ([]service.ShoppingList, error) {
	lists, err := c.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	result := make([]service.ShoppingList, 0, len(lists))
	for _, l := range lists {
		rows := make([]service.Row, 0, len(l.Rows))
		for _, r := range l.Rows {
			rows = append(rows, service.Row{
				ID:      string(r.ID),
				Text:    r.Text,
				Striked: r.IsStriked,
			})
		}
		result = append(result, service.ShoppingList{ID: l.ID, Name: l.Name, Rows: rows})
	}
	return result, nil
}

// AddItem implements service.RemoteService.
func (c *Client) AddItem(ctx context.Context, listID, text string) error {
	payload, err := json.Marshal(addRowRequest{Text: text, StrikedOver: false, Source: rowSource})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	endpoint := fmt.Sprintf("%s/list/%s/row", c.listAPIURL, url.PathEscape(listID))
	resp, err := c.doRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return c.checkStatus(resp, http.StatusOK, http.StatusCreated, http.StatusNoContent)
}

// RemoveItem implements service.RemoteService.
func (c *Client) RemoveItem(ctx context.Context, listID, rowID string) error {
	endpoint := fmt.Sprintf("%s/list/%s/row/%s", c.listAPIURL, url.PathEscape(listID), url.PathEscape(rowID))
	resp, err := c.doRequest(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return c.checkStatus(resp, http.StatusOK, http.StatusNoContent)
}

// Compile-time interface check.
var _ service.RemoteService = (*Client)(nil)

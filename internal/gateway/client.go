// Package gateway is the REST client for one site's router device.
//
// Every method is a single request bounded by the HTTP client's timeout. The client never
// retries; callers decide whether a write is safe to repeat.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/netquota/hotspotd/internal/convert"
	"github.com/netquota/hotspotd/internal/model"
)

// Client is the set of device operations used by the engine and administration.
type Client interface {
	ListActiveSessions(ctx context.Context) ([]model.SessionSnapshot, error)
	ListAccounts(ctx context.Context) ([]model.RemoteAccountSnapshot, error)
	// GetAccount returns ErrAccountNotFound (wrapped) when the device has no such id.
	GetAccount(ctx context.Context, remoteID string) (model.RemoteAccountSnapshot, error)
	SetEnabled(ctx context.Context, remoteID string, enabled bool) error
	ResetCounters(ctx context.Context, remoteID string) error
	RemoveSession(ctx context.Context, sessionID string) error
	AddAccount(ctx context.Context, in model.NewRemoteAccount) (string, error)
	RemoveAccount(ctx context.Context, remoteID string) error
	Identity(ctx context.Context) (string, error)
}

// ErrAccountNotFound is returned by GetAccount when the id is absent on the device.
var ErrAccountNotFound = errors.New("account not found on device")

// maxResponseBytes caps how much of a device reply is read.
const maxResponseBytes = 16 << 20

// Credentials address one device.
type Credentials struct {
	Site     string
	Scheme   string
	Host     string
	Port     int
	User     string
	Password string
}

// BaseURL renders scheme://host:port/rest.
func (c Credentials) BaseURL() string {
	scheme := c.Scheme
	if scheme == "" {
		scheme = "https"
	}
	host := c.Host
	if c.Port > 0 {
		host = net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
	}
	return (&url.URL{Scheme: scheme, Host: host, Path: "/rest"}).String()
}

// RESTClient implements Client against the RouterOS REST API.
type RESTClient struct {
	creds   Credentials
	baseURL string
	hc      *http.Client
}

var _ Client = (*RESTClient)(nil)

// NewRESTClient binds an HTTP client to one site's credentials.
func NewRESTClient(creds Credentials, hc *http.Client) *RESTClient {
	return &RESTClient{creds: creds, baseURL: creds.BaseURL(), hc: hc}
}

// ListActiveSessions reads GET /ip/hotspot/active.
func (c *RESTClient) ListActiveSessions(ctx context.Context) ([]model.SessionSnapshot, error) {
	var wire []convert.ActiveSession
	if err := c.do(ctx, http.MethodGet, "/ip/hotspot/active", nil, nil, &wire); err != nil {
		return nil, err
	}
	out := make([]model.SessionSnapshot, 0, len(wire))
	for _, w := range wire {
		s, err := convert.ToSessionSnapshot(w)
		if err != nil {
			return nil, c.malformed(err)
		}
		out = append(out, s)
	}
	return out, nil
}

// ListAccounts reads GET /ip/hotspot/user.
func (c *RESTClient) ListAccounts(ctx context.Context) ([]model.RemoteAccountSnapshot, error) {
	return c.listUsers(ctx, nil)
}

// GetAccount reads a single user filtered by ".id".
func (c *RESTClient) GetAccount(ctx context.Context, remoteID string) (model.RemoteAccountSnapshot, error) {
	users, err := c.listUsers(ctx, url.Values{".id": {remoteID}})
	if err != nil {
		return model.RemoteAccountSnapshot{}, err
	}
	for _, u := range users {
		if u.RemoteID == remoteID {
			return u, nil
		}
	}
	return model.RemoteAccountSnapshot{}, fmt.Errorf("%s: %w", remoteID, ErrAccountNotFound)
}

func (c *RESTClient) listUsers(ctx context.Context, query url.Values) ([]model.RemoteAccountSnapshot, error) {
	var wire []convert.HotspotUser
	if err := c.do(ctx, http.MethodGet, "/ip/hotspot/user", query, nil, &wire); err != nil {
		return nil, err
	}
	out := make([]model.RemoteAccountSnapshot, 0, len(wire))
	for _, w := range wire {
		r, err := convert.ToRemoteAccount(w)
		if err != nil {
			return nil, c.malformed(err)
		}
		out = append(out, r)
	}
	return out, nil
}

// SetEnabled writes the disabled flag.
func (c *RESTClient) SetEnabled(ctx context.Context, remoteID string, enabled bool) error {
	body := convert.SetDisabled{ID: remoteID, Disabled: convert.DisabledFlag(!enabled)}
	return c.do(ctx, http.MethodPost, "/ip/hotspot/user/set", nil, body, nil)
}

// ResetCounters zeroes the account's cumulative counters.
func (c *RESTClient) ResetCounters(ctx context.Context, remoteID string) error {
	return c.do(ctx, http.MethodPost, "/ip/hotspot/user/reset-counters", nil, convert.IDRef{ID: remoteID}, nil)
}

// RemoveSession disconnects a live session.
func (c *RESTClient) RemoveSession(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodPost, "/ip/hotspot/active/remove", nil, convert.IDRef{ID: sessionID}, nil)
}

// AddAccount creates a hotspot user and returns its device id.
func (c *RESTClient) AddAccount(ctx context.Context, in model.NewRemoteAccount) (string, error) {
	var ret convert.Ret
	if err := c.do(ctx, http.MethodPost, "/ip/hotspot/user/add", nil, convert.FromNewAccount(in), &ret); err != nil {
		return "", err
	}
	return ret.Ret, nil
}

// RemoveAccount deletes a hotspot user.
func (c *RESTClient) RemoveAccount(ctx context.Context, remoteID string) error {
	return c.do(ctx, http.MethodPost, "/ip/hotspot/user/remove", nil, convert.IDRef{ID: remoteID}, nil)
}

// Identity reads the device's system identity; used as a connectivity probe.
func (c *RESTClient) Identity(ctx context.Context) (string, error) {
	var id convert.Identity
	if err := c.do(ctx, http.MethodGet, "/system/identity", nil, nil, &id); err != nil {
		return "", err
	}
	return id.Name, nil
}

func (c *RESTClient) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.creds.User, c.creds.Password)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return &ConnectivityError{Site: c.creds.Site, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &ConnectivityError{Site: c.creds.Site, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return &AuthError{Site: c.creds.Site}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return &RemoteError{Site: c.creds.Site, StatusCode: resp.StatusCode, Message: remoteMessage(raw)}
	}

	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return c.malformed(err)
	}
	return nil
}

func (c *RESTClient) malformed(err error) error {
	return &RemoteError{Site: c.creds.Site, StatusCode: http.StatusOK, Message: "malformed reply: " + err.Error()}
}

// remoteMessage extracts detail/message from a RouterOS error body.
func remoteMessage(raw []byte) string {
	var e struct {
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	if json.Unmarshal(raw, &e) == nil {
		switch {
		case e.Detail != "":
			return e.Detail
		case e.Message != "":
			return e.Message
		}
	}
	return strings.TrimSpace(string(raw))
}

// Package catalog talks to the remote facility catalog: it fetches the
// partitioned tree for a region and submits new facilities.
package catalog

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
	"time"

	"github.com/mohammed-shakir/facility-index/internal/core/observability"
	"github.com/mohammed-shakir/facility-index/internal/facility"
	"github.com/mohammed-shakir/facility-index/internal/geo"
	"github.com/mohammed-shakir/facility-index/internal/quadtree"
)

var (
	// ErrNetwork covers dial failures, timeouts and cancelled requests.
	ErrNetwork = errors.New("catalog: network failure")
	// ErrAuth means the catalog rejected the credentials.
	ErrAuth = errors.New("catalog: unauthorized")
	// ErrServer covers every other non-2xx answer and unreadable bodies.
	ErrServer = errors.New("catalog: server error")
)

// Response is the body of a region fetch.
type Response struct {
	Total      int            `json:"total"`
	Facilities *quadtree.Wire `json:"facilities"`
}

// RemoteRecord is the catalog's view of a submitted facility.
type RemoteRecord struct {
	facility.Facility
	CreatedAt string `json:"createdAt,omitempty"`
}

type Interface interface {
	Fetch(ctx context.Context, bounds geo.BoundingBox) (Response, error)
	Submit(ctx context.Context, f facility.Facility) (RemoteRecord, error)
}

type Client struct {
	logger   *slog.Logger
	client   *http.Client
	baseURL  *url.URL
	user     string
	password string
	startNow func() time.Time // for tests
}

func New(logger *slog.Logger, client *http.Client, base, user, password string) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse catalog url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("parse catalog url: %q is not absolute", base)
	}
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		logger:   logger,
		client:   client,
		baseURL:  u,
		user:     user,
		password: password,
		startNow: time.Now,
	}, nil
}

func withinParam(b geo.BoundingBox) string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	return f(b.North()) + "," + f(b.West()) + "," + f(b.South()) + "," + f(b.East())
}

// Fetch asks for the compressed tree covering bounds.
func (c *Client) Fetch(ctx context.Context, bounds geo.BoundingBox) (Response, error) {
	u := *c.baseURL
	q := u.Query()
	q.Set("within", withinParam(bounds))
	q.Set("compressed", "true")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Response{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req, "fetch")
	if err != nil {
		return Response{}, err
	}
	var out Response
	if err := json.Unmarshal(body, &out); err != nil {
		return Response{}, fmt.Errorf("%w: decode body: %v", ErrServer, err)
	}
	if out.Facilities == nil {
		return Response{}, fmt.Errorf("%w: response has no facilities tree", ErrServer)
	}
	c.logger.Debug("catalog fetch done", "within", withinParam(bounds), "total", out.Total)
	return out, nil
}

// Submit posts f with basic auth.
func (c *Client) Submit(ctx context.Context, f facility.Facility) (RemoteRecord, error) {
	payload, err := json.Marshal(f)
	if err != nil {
		return RemoteRecord{}, fmt.Errorf("encode facility: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL.String(), bytes.NewReader(payload))
	if err != nil {
		return RemoteRecord{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(c.user, c.password)

	body, err := c.do(req, "submit")
	if err != nil {
		return RemoteRecord{}, err
	}
	rec := RemoteRecord{Facility: f}
	if len(bytes.TrimSpace(body)) == 0 {
		return rec, nil
	}
	if err := json.Unmarshal(body, &rec); err != nil {
		return RemoteRecord{}, fmt.Errorf("%w: decode body: %v", ErrServer, err)
	}
	return rec, nil
}

func (c *Client) do(req *http.Request, op string) ([]byte, error) {
	start := c.startNow()
	resp, err := c.client.Do(req)
	if err != nil {
		observability.ObserveRemote(op, "network", time.Since(start).Seconds())
		return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		kind, sentinel := "server", ErrServer
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			kind, sentinel = "auth", ErrAuth
		}
		observability.ObserveRemote(op, kind, time.Since(start).Seconds())
		c.logger.Warn("catalog request rejected", "op", op, "status", resp.StatusCode)
		return nil, fmt.Errorf("%w: status %d: %s", sentinel, resp.StatusCode, string(b))
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		observability.ObserveRemote(op, "network", time.Since(start).Seconds())
		return nil, fmt.Errorf("%w: read body: %w", ErrNetwork, err)
	}
	observability.ObserveRemote(op, "ok", time.Since(start).Seconds())
	return b, nil
}

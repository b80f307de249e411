package cpclient

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/imroc/req/v3"
	"github.com/openmined/watchback/internal/codec"
	"github.com/openmined/watchback/internal/controlplane/handlers"
	"github.com/openmined/watchback/internal/engine"
	"github.com/openmined/watchback/internal/events"
	"github.com/openmined/watchback/internal/mirror"
	"github.com/openmined/watchback/internal/version"
)

const defaultTimeout = 10 * time.Minute

// ErrStopStream ends Events without an error when returned by its callback.
var ErrStopStream = errors.New("stop event stream")

// Client talks to a running daemon's control plane.
type Client struct {
	client  *req.Client
	baseURL string
	token   string
}

// New creates a client for the control plane at addr (host:port or a full URL).
func New(addr, token string) *Client {
	baseURL := addr
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	client := req.C().
		SetBaseURL(baseURL).
		SetUserAgent("Watchback/"+version.Version).
		SetTimeout(defaultTimeout).
		SetJsonMarshal(codec.Marshal).
		SetJsonUnmarshal(codec.Unmarshal).
		SetCommonErrorResult(&APIError{})
	if token != "" {
		client.SetCommonBearerAuthToken(token)
	}

	return &Client{client: client, baseURL: baseURL, token: token}
}

// Ping reports whether a daemon answers at all.
func (c *Client) Ping(ctx context.Context) error {
	res, err := c.client.R().SetContext(ctx).Get("/health")
	return handleAPIError(res, err, "health")
}

func (c *Client) Status(ctx context.Context) (resp *handlers.StatusResponse, err error) {
	res, err := c.client.R().
		SetContext(ctx).
		SetSuccessResult(&resp).
		Get("/v1/status")
	if err := handleAPIError(res, err, "status"); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) Profiles(ctx context.Context) (resp *handlers.ProfileListResponse, err error) {
	res, err := c.client.R().
		SetContext(ctx).
		SetSuccessResult(&resp).
		Get("/v1/profiles")
	if err := handleAPIError(res, err, "list profiles"); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) Profile(ctx context.Context, name string) (resp *handlers.ProfileInfo, err error) {
	res, err := c.client.R().
		SetContext(ctx).
		SetPathParam("name", name).
		SetSuccessResult(&resp).
		Get("/v1/profiles/{name}")
	if err := handleAPIError(res, err, "profile "+name); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) StartProfile(ctx context.Context, name string) (resp *handlers.ProfileInfo, err error) {
	res, err := c.client.R().
		SetContext(ctx).
		SetPathParam("name", name).
		SetSuccessResult(&resp).
		Post("/v1/profiles/{name}/start")
	if err := handleAPIError(res, err, "start "+name); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) StopProfile(ctx context.Context, name string) error {
	res, err := c.client.R().
		SetContext(ctx).
		SetPathParam("name", name).
		Post("/v1/profiles/{name}/stop")
	return handleAPIError(res, err, "stop "+name)
}

func (c *Client) SyncProfile(ctx context.Context, name string) (resp *engine.Status, err error) {
	res, err := c.client.R().
		SetContext(ctx).
		SetPathParam("name", name).
		SetSuccessResult(&resp).
		Post("/v1/profiles/{name}/sync")
	if err := handleAPIError(res, err, "sync "+name); err != nil {
		return nil, err
	}
	return resp, nil
}

// SnapshotProfile returns per mirror outcomes. Some mirrors may carry an
// error while others succeeded.
func (c *Client) SnapshotProfile(ctx context.Context, name string) (resp *handlers.SnapshotNowResponse, err error) {
	res, err := c.client.R().
		SetContext(ctx).
		SetPathParam("name", name).
		SetSuccessResult(&resp).
		Post("/v1/profiles/{name}/snapshot")
	if err := handleAPIError(res, err, "snapshot "+name); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) Versions(ctx context.Context, mirrorRoot, path string) (resp *handlers.VersionsResponse, err error) {
	res, err := c.client.R().
		SetContext(ctx).
		SetQueryParam("mirror", mirrorRoot).
		SetQueryParam("path", path).
		SetSuccessResult(&resp).
		Get("/v1/mirror/versions")
	if err := handleAPIError(res, err, "versions"); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) Restore(ctx context.Context, params *handlers.RestoreRequest) (resp *handlers.RestoreResponse, err error) {
	res, err := c.client.R().
		SetContext(ctx).
		SetBody(params).
		SetSuccessResult(&resp).
		Post("/v1/mirror/restore")
	if err := handleAPIError(res, err, "restore"); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) Snapshots(ctx context.Context, mirrorRoot string) (resp *handlers.SnapshotsResponse, err error) {
	res, err := c.client.R().
		SetContext(ctx).
		SetQueryParam("mirror", mirrorRoot).
		SetSuccessResult(&resp).
		Get("/v1/mirror/snapshots")
	if err := handleAPIError(res, err, "snapshots"); err != nil {
		return nil, err
	}
	return resp, nil
}

// Snapshot fetches the snapshot at or before at. An empty at means now.
func (c *Client) Snapshot(ctx context.Context, mirrorRoot, at string) (resp *mirror.SnapshotView, err error) {
	r := c.client.R().
		SetContext(ctx).
		SetQueryParam("mirror", mirrorRoot).
		SetSuccessResult(&resp)
	if at != "" {
		r.SetQueryParam("at", at)
	}
	res, err := r.Get("/v1/mirror/snapshot")
	if err := handleAPIError(res, err, "snapshot"); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) SnapshotRestore(ctx context.Context, params *handlers.SnapshotRestoreRequest) (resp *handlers.RestoreResponse, err error) {
	res, err := c.client.R().
		SetContext(ctx).
		SetBody(params).
		SetSuccessResult(&resp).
		Post("/v1/mirror/snapshot/restore")
	if err := handleAPIError(res, err, "snapshot restore"); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) SnapshotExport(ctx context.Context, params *handlers.SnapshotExportRequest) (resp *mirror.ExportResult, err error) {
	res, err := c.client.R().
		SetContext(ctx).
		SetBody(params).
		SetSuccessResult(&resp).
		Post("/v1/mirror/snapshot/export")
	if err := handleAPIError(res, err, "snapshot export"); err != nil {
		return nil, err
	}
	return resp, nil
}

// Events streams daemon events to fn until ctx is done, fn returns an
// error or the daemon closes the stream. profile filters when not empty.
func (c *Client) Events(ctx context.Context, profile string, fn func(*events.Event) error) error {
	u, err := url.Parse(c.baseURL + "/v1/events")
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	q := u.Query()
	if profile != "" {
		q.Set("profile", profile)
	}
	if c.token != "" {
		q.Set("token", c.token)
	}
	u.RawQuery = q.Encode()

	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("events: %w: %w", ErrDaemonUnreachable, err)
	}
	defer conn.CloseNow()

	for {
		var ev events.Event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if status := websocket.CloseStatus(err); status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				return nil
			}
			return fmt.Errorf("events: %w", err)
		}
		if err := fn(&ev); err != nil {
			conn.Close(websocket.StatusNormalClosure, "")
			if errors.Is(err, ErrStopStream) {
				return nil
			}
			return err
		}
	}
}

package server

import (
	"context"
	"fmt"

	"github.com/ChuLiYu/timerd/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls the timer service over gRPC.
// Errors are mapped back to the engine's sentinel errors.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient creates a client over an established connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Dial connects to a daemon without transport security.
func Dial(addr string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return conn, nil
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	in, err := toStruct(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return fromStatus(err)
	}
	return fromStruct(out, resp)
}

// ListTimers lists timers; category nil lists every category.
func (c *Client) ListTimers(ctx context.Context, category *types.Category) ([]types.Entry, error) {
	var resp ListResponse
	if err := c.invoke(ctx, MethodListTimers, ListRequest{Category: category}, &resp); err != nil {
		return nil, err
	}
	return resp.Timers, nil
}

// CreateTimer creates an idle timer and returns its id.
func (c *Client) CreateTimer(ctx context.Context, category types.Category, seconds uint64, name string) (types.TimerID, types.Snapshot, error) {
	var resp CreateResponse
	req := CreateRequest{Category: category, Seconds: seconds, Name: name}
	if err := c.invoke(ctx, MethodCreateTimer, req, &resp); err != nil {
		return 0, nil, err
	}
	return resp.ID, resp.Timers, nil
}

// DeleteTimer deletes an idle timer.
func (c *Client) DeleteTimer(ctx context.Context, id types.TimerID) (types.Snapshot, error) {
	var resp SnapshotResponse
	if err := c.invoke(ctx, MethodDeleteTimer, IDRequest{ID: id}, &resp); err != nil {
		return nil, err
	}
	return resp.Timers, nil
}

// StartTimer starts a timer.
func (c *Client) StartTimer(ctx context.Context, id types.TimerID) (bool, error) {
	var resp ActiveResponse
	if err := c.invoke(ctx, MethodStartTimer, IDRequest{ID: id}, &resp); err != nil {
		return false, err
	}
	return resp.Active, nil
}

// TogglePause pauses or resumes a timer.
func (c *Client) TogglePause(ctx context.Context, id types.TimerID) (bool, error) {
	var resp PausedResponse
	if err := c.invoke(ctx, MethodTogglePause, IDRequest{ID: id}, &resp); err != nil {
		return false, err
	}
	return resp.Paused, nil
}

// ResetTimer resets a timer to idle.
func (c *Client) ResetTimer(ctx context.Context, id types.TimerID) (bool, error) {
	var resp ActiveResponse
	if err := c.invoke(ctx, MethodResetTimer, IDRequest{ID: id}, &resp); err != nil {
		return false, err
	}
	return resp.Active, nil
}

// QueryRemainingMs returns the remaining milliseconds of a timer.
func (c *Client) QueryRemainingMs(ctx context.Context, id types.TimerID) (uint64, error) {
	var resp RemainingResponse
	if err := c.invoke(ctx, MethodQueryRemaining, IDRequest{ID: id}, &resp); err != nil {
		return 0, err
	}
	return resp.RemainingMs, nil
}

// HasActive reports whether any timer is running or paused.
func (c *Client) HasActive(ctx context.Context) (bool, error) {
	var resp ActiveResponse
	if err := c.invoke(ctx, MethodHasActive, struct{}{}, &resp); err != nil {
		return false, err
	}
	return resp.Active, nil
}

// Status summarizes the daemon's registry.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var resp StatusResponse
	err := c.invoke(ctx, MethodStatus, struct{}{}, &resp)
	return resp, err
}

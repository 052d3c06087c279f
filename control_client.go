// control_client.go: Client side of the control protocol
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package modloader

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

// ControlClient talks to the control server of one process. Requests on a
// client are serialized; open several clients for concurrent use.
type ControlClient struct {
	mu   sync.Mutex
	conn net.Conn
}

// DialControl connects to a control server at address.
func DialControl(ctx context.Context, address string) (*ControlClient, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, NewControlServerError("failed to connect to control server", err).
			WithContext("address", address)
	}
	return &ControlClient{conn: conn}, nil
}

// DialControlForProcess waits for pid to publish its control port, then
// connects to it. It polls the port record every interval until ctx expires.
func DialControlForProcess(ctx context.Context, dir string, pid int, interval time.Duration) (*ControlClient, error) {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		port, err := ReadPortRecord(dir, pid)
		if err == nil && port > 0 {
			return DialControl(ctx, net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		}

		select {
		case <-ctx.Done():
			if err == nil {
				err = ctx.Err()
			}
			return nil, NewControlServerError(fmt.Sprintf("control server of process %d not ready", pid), err)
		case <-ticker.C:
		}
	}
}

// Close closes the connection.
func (c *ControlClient) Close() error {
	return c.conn.Close()
}

// GetLoadedMods lists the mods registered in the remote process.
func (c *ControlClient) GetLoadedMods(ctx context.Context) ([]ModInfo, error) {
	resp, err := c.roundTrip(ctx, ControlRequest{Type: MsgGetLoadedMods})
	if err != nil {
		return nil, err
	}
	if resp.Type != MsgGetLoadedModsResponse {
		return nil, unexpectedResponse(resp)
	}
	return resp.Mods, nil
}

func (c *ControlClient) LoadMod(ctx context.Context, modID string) error {
	return c.acknowledged(ctx, MsgLoadMod, modID)
}

func (c *ControlClient) UnloadMod(ctx context.Context, modID string) error {
	return c.acknowledged(ctx, MsgUnloadMod, modID)
}

func (c *ControlClient) SuspendMod(ctx context.Context, modID string) error {
	return c.acknowledged(ctx, MsgSuspendMod, modID)
}

func (c *ControlClient) ResumeMod(ctx context.Context, modID string) error {
	return c.acknowledged(ctx, MsgResumeMod, modID)
}

func (c *ControlClient) acknowledged(ctx context.Context, t MessageType, modID string) error {
	resp, err := c.roundTrip(ctx, ControlRequest{Type: t, ModID: modID})
	if err != nil {
		return err
	}
	if resp.Type != MsgAcknowledgement {
		return unexpectedResponse(resp)
	}
	return nil
}

// roundTrip sends req and reads its response. A GenericExceptionResponse is
// returned as a RemoteFailure error.
func (c *ControlClient) roundTrip(ctx context.Context, req ControlRequest) (ControlResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return ControlResponse{}, NewProtocolError("failed to set deadline", err)
	}

	if err := writeFrame(c.conn, req); err != nil {
		return ControlResponse{}, err
	}
	var resp ControlResponse
	if err := readFrame(c.conn, &resp); err != nil {
		return ControlResponse{}, NewProtocolError("control connection closed", err)
	}
	if resp.Type == MsgGenericExceptionResponse {
		return resp, NewRemoteFailureError(resp.Message)
	}
	return resp, nil
}

func unexpectedResponse(resp ControlResponse) error {
	return NewProtocolError(fmt.Sprintf("unexpected control response %q", resp.Type), nil)
}

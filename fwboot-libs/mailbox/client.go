package mailbox

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
)

// Client is the host end of a stream mailbox.
type Client struct {
	rw io.ReadWriter
}

func NewClient(rw io.ReadWriter) *Client {
	return &Client{rw: rw}
}

func (c *Client) Call(req *Request) (*Response, error) {
	if _, err := c.rw.Write(req.Encode()); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	var header [2]byte
	if _, err := io.ReadFull(c.rw, header[:]); err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	length := int(binary.BigEndian.Uint16(header[:]))
	if length < ResponseHeaderSize || length > MaxMessageSize {
		return nil, fmt.Errorf("%w: response length %d", ErrMalformed, length)
	}
	buf := make([]byte, length)
	copy(buf, header[:])
	if _, err := io.ReadFull(c.rw, buf[2:]); err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return ParseResponse(buf)
}

// BridgeClient calls a Bridge directly.
type BridgeClient struct {
	Bridge *Bridge
}

func (c *BridgeClient) Call(ctx context.Context, req *Request) (*Response, error) {
	raw, err := c.Bridge.Call(ctx, req.Encode())
	if err != nil {
		return nil, err
	}
	return ParseResponse(raw)
}

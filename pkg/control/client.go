package control

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
)

// Client is a control-socket client. A single Client serializes request
// writes but expects one response per request on the same connection,
// matching the server's per-connection synchronous reply model; use a
// dedicated Client per concurrent subscription (events/onChannel).
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
	nextID atomic.Int64

	mu sync.Mutex
}

// Dial connects to a control socket at socketPath.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("control: connect to socket: %w", err)
	}
	c := &Client{conn: conn, reader: bufio.NewReader(conn)}
	c.nextID.Store(1)
	return c, nil
}

// Call makes a synchronous request and waits for its reply.
func (c *Client) Call(method string, params map[string]interface{}) (interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	req := &Request{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID.Add(1),
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("control: encode request: %w", err)
	}
	if _, err := c.conn.Write(append(data, '\n')); err != nil {
		return nil, fmt.Errorf("control: send request: %w", err)
	}

	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("control: read response: %w", err)
	}

	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("control: decode response: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("control: rpc error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	return resp.Result, nil
}

// Stream reads notifications from a subscription connection (events or
// onChannel) after the initial Call that established it, until the
// connection closes or decode fails.
func (c *Client) Stream() (<-chan Notification, error) {
	out := make(chan Notification)
	go func() {
		defer close(out)
		for {
			line, err := c.reader.ReadBytes('\n')
			if err != nil {
				return
			}
			var n Notification
			if err := json.Unmarshal(line, &n); err != nil {
				continue
			}
			out <- n
		}
	}()
	return out, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

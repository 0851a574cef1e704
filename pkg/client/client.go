// Package client is the process-local client library: it connects to a
// broker's connector socket and provides request/response calls and
// event subscriptions over it.
package client

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/canopymq/canopy/pkg/wire"
)

// DefaultCallTimeout bounds a Call waiting for its response.
const DefaultCallTimeout = 30 * time.Second

// Client is a connection to a broker's local connector.
type Client struct {
	conn net.Conn

	mu       sync.Mutex
	writeMu  sync.Mutex
	matchtag uint32
	pending  map[uint32]chan *wire.Message
	subs     map[chan *wire.Message]string
	closed   bool

	Timeout time.Duration
}

// Connect dials a broker's connector socket. The address accepts both a
// local:// URI and a bare socket path.
func Connect(uri string) (*Client, error) {
	path := strings.TrimPrefix(uri, "local://")
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("connecting to broker at %s: %w", path, err)
	}
	c := &Client{
		conn:    conn,
		pending: make(map[uint32]chan *wire.Message),
		subs:    make(map[chan *wire.Message]string),
		Timeout: DefaultCallTimeout,
	}
	go c.readLoop()
	return c, nil
}

// Close tears down the connection and every subscription channel.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for ch := range c.subs {
		close(ch)
	}
	c.subs = make(map[chan *wire.Message]string)
	for tag, ch := range c.pending {
		close(ch)
		delete(c.pending, tag)
	}
	c.mu.Unlock()
	return c.conn.Close()
}

func (c *Client) readLoop() {
	for {
		msg, err := wire.ReadFrame(c.conn)
		if err != nil {
			c.Close()
			return
		}
		switch msg.Type {
		case wire.TypeResponse:
			c.mu.Lock()
			ch, ok := c.pending[msg.Matchtag]
			if ok {
				delete(c.pending, msg.Matchtag)
			}
			c.mu.Unlock()
			if ok {
				ch <- msg
			}
		case wire.TypeEvent:
			c.mu.Lock()
			for ch, prefix := range c.subs {
				if strings.HasPrefix(msg.Topic, prefix) {
					select {
					case ch <- msg.Copy():
					default:
						// Subscriber buffer full, skip
					}
				}
			}
			c.mu.Unlock()
		}
	}
}

// Call sends a request and waits for the matching response. An error
// response is returned as an error.
func (c *Client) Call(topic string, nodeid uint32, flags wire.Flags, payload interface{}) (*wire.Message, error) {
	req, err := wire.NewRequest(topic, nodeid, flags, payload)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("client is closed")
	}
	c.matchtag++
	req.Matchtag = c.matchtag
	ch := make(chan *wire.Message, 1)
	c.pending[req.Matchtag] = ch
	c.mu.Unlock()

	if err := c.write(req); err != nil {
		c.mu.Lock()
		delete(c.pending, req.Matchtag)
		c.mu.Unlock()
		return nil, fmt.Errorf("sending %s: %w", topic, err)
	}
	if flags.Has(wire.FlagNoResponse) {
		c.mu.Lock()
		delete(c.pending, req.Matchtag)
		c.mu.Unlock()
		return nil, nil
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("connection closed while waiting for %s", topic)
		}
		if err := wire.ResponseError(resp); err != nil {
			return nil, err
		}
		return resp, nil
	case <-time.After(c.Timeout):
		c.mu.Lock()
		delete(c.pending, req.Matchtag)
		c.mu.Unlock()
		return nil, fmt.Errorf("timed out waiting for %s", topic)
	}
}

// Subscribe registers for events whose topic starts with prefix. The
// returned channel is buffered; slow consumers lose events, which the
// sequence numbers make visible.
func (c *Client) Subscribe(prefix string) (<-chan *wire.Message, error) {
	if _, err := c.Call("cmb.sub", wire.NodeAny, 0, map[string]string{"topic": prefix}); err != nil {
		return nil, err
	}
	ch := make(chan *wire.Message, 50)
	c.mu.Lock()
	c.subs[ch] = prefix
	c.mu.Unlock()
	return ch, nil
}

// Unsubscribe releases a subscription channel.
func (c *Client) Unsubscribe(ch <-chan *wire.Message) error {
	c.mu.Lock()
	var prefix string
	for sub, p := range c.subs {
		if sub == ch {
			prefix = p
			delete(c.subs, sub)
			close(sub)
			break
		}
	}
	c.mu.Unlock()
	if prefix == "" {
		return nil
	}
	_, err := c.Call("cmb.unsub", wire.NodeAny, 0, map[string]string{"topic": prefix})
	return err
}

// Publish sends an event into the session's distribution tree.
func (c *Client) Publish(topic string, payload interface{}) error {
	ev, err := wire.NewEvent(topic, payload)
	if err != nil {
		return err
	}
	return c.write(ev)
}

func (c *Client) write(msg *wire.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wire.WriteFrame(c.conn, msg)
}

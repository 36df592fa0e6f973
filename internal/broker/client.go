package broker

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	nc "github.com/nats-io/nats.go"
)

// Message is a received pub/sub message.
type Message struct {
	Subject string
	Data    []byte
}

// Client wraps a NATS connection with the JSON pub/sub convenience
// methods the broker's four logical channels are built on.
type Client struct {
	conn *nc.Conn
}

// NewClient connects to url with indefinite reconnect, matching the
// teacher's nats.Client dial options.
func NewClient(url string) (*Client, error) {
	opts := []nc.Option{
		nc.ReconnectWait(2 * time.Second),
		nc.MaxReconnects(-1),
		nc.DisconnectErrHandler(func(_ *nc.Conn, err error) {
			if err != nil {
				log.Printf("[BROKER] disconnected: %v", err)
			}
		}),
		nc.ReconnectHandler(func(conn *nc.Conn) {
			log.Printf("[BROKER] reconnected to %s", conn.ConnectedUrl())
		}),
		nc.ClosedHandler(func(*nc.Conn) {
			log.Println("[BROKER] connection closed")
		}),
	}

	conn, err := nc.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("broker: connect: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}

// PublishJSON marshals v and publishes it on subject.
func (c *Client) PublishJSON(subject string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("broker: marshal for %s: %w", subject, err)
	}
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("broker: publish to %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers an asynchronous subscription. Every subscriber
// receives every message on subject exactly once per session (§6.3).
func (c *Client) Subscribe(subject string, handler func(Message)) (*nc.Subscription, error) {
	sub, err := c.conn.Subscribe(subject, func(msg *nc.Msg) {
		handler(Message{Subject: msg.Subject, Data: msg.Data})
	})
	if err != nil {
		return nil, fmt.Errorf("broker: subscribe to %s: %w", subject, err)
	}
	return sub, nil
}

// IsConnected reports connection health.
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// RawConn exposes the underlying connection for components (like the
// JetStream stream manager) that need lower-level access.
func (c *Client) RawConn() *nc.Conn {
	return c.conn
}

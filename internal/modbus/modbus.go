// Package modbus wraps the goburrow client with the connection
// management the instrument needs: one synchronous connect so that
// misconfiguration fails fast, then a background loop that keeps the
// link alive and a poll function running while it is up.
package modbus

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/goburrow/modbus"
)

type handler interface {
	modbus.ClientHandler
	Connect() error
	Close() error
}

type Client struct {
	// Address creates a TCP connection (host:port).
	Address string
	// Port and BaudRate create a local serial connection instead.
	Port string
	// BaudRate defaults to 19200.
	BaudRate int
	SlaveID  byte

	// Poll, if set, is called while the connection is active; an error
	// tears the connection down for a reconnect.
	Poll func() error
	// PollInterval paces Poll. Defaults to 1s.
	PollInterval time.Duration

	handler handler
	modbus.Client

	mu        sync.Mutex
	connected bool
}

// Connect dials the device and starts the keepalive loop. The loop owns
// the connection from here on; callers just issue register operations.
func (c *Client) Connect(ctx context.Context) error {
	if c.Address != "" {
		h := modbus.NewTCPClientHandler(c.Address)
		h.Timeout = 1 * time.Second
		h.SlaveId = c.SlaveID
		c.handler = h
	} else {
		if c.BaudRate == 0 {
			c.BaudRate = 19200
		}
		h := modbus.NewRTUClientHandler(c.Port)
		h.BaudRate = c.BaudRate
		h.DataBits = 8
		h.Parity = "N"
		h.StopBits = 1
		h.Timeout = 1 * time.Second
		h.SlaveId = c.SlaveID
		c.handler = h
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	c.Client = modbus.NewClient(c.handler)

	if err := c.handler.Connect(); err != nil {
		return fmt.Errorf("opening %q: %w", c.target(), err)
	}
	c.setConnected(true)
	go c.reconnectLoop(ctx)
	return nil
}

func (c *Client) target() string {
	if c.Address != "" {
		return c.Address
	}
	return c.Port
}

// Connected reports whether the link was up at the last poll.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) setConnected(up bool) {
	c.mu.Lock()
	c.connected = up
	c.mu.Unlock()
}

func (c *Client) reconnectLoop(ctx context.Context) {
	// Connect already opened the first connection.
	c.logWatch(c.watch(ctx))
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(1 * time.Second):
		}

		if err := c.handler.Connect(); err != nil {
			log.Printf("opening %q: %v", c.target(), err)
			continue
		}
		c.setConnected(true)
		c.logWatch(c.watch(ctx))
	}
}

func (c *Client) logWatch(err error) {
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("watching %q: %v", c.target(), err)
	}
}

func (c *Client) watch(ctx context.Context) error {
	defer c.setConnected(false)
	defer c.handler.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.PollInterval):
		}
		if c.Poll == nil {
			continue
		}
		if err := c.Poll(); err != nil {
			return err
		}
	}
}

// Package modbus wraps a goburrow/modbus client with a reconnect and
// polling loop, over a local RTU port or a remote modbushttp bridge.
package modbus

import (
	"context"
	"log/slog"
	"time"

	"github.com/goburrow/modbus"
	"github.com/w1xm/antenna_control/internal/modbus/modbushttp"
)

type modbusHandler interface {
	modbus.ClientHandler
	Connect() error
	Close() error
}

type Client struct {
	// Port and BaudRate create a local serial connection
	Port string
	// BaudRate defaults to 19200
	BaudRate int
	SlaveId  byte
	// URL creates a remote connection
	URL string
	// Password is sent to the remote bridge
	Password string

	// Poll function to be called in a loop while the connection is active
	Poll func() error
	// PollInterval is the pause between polls
	PollInterval time.Duration
	// RetryInterval is the pause between reconnect attempts
	RetryInterval time.Duration
	// Disconnected, if set, is called whenever polling stops with an error
	Disconnected func(err error)

	Logger *slog.Logger

	handler modbusHandler
	modbus.Client
}

func (c *Client) Connect(ctx context.Context) error {
	if c.URL != "" {
		c.handler = modbushttp.NewClient(c.URL, c.Password, c.SlaveId)
	} else {
		handler := modbus.NewRTUClientHandler(c.Port)
		handler.BaudRate = c.BaudRate
		if handler.BaudRate == 0 {
			handler.BaudRate = 19200
		}
		handler.DataBits = 8
		handler.Parity = "N"
		handler.StopBits = 1
		handler.Timeout = 1 * time.Second
		handler.SlaveId = c.SlaveId
		c.handler = handler
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = time.Second
	}
	c.Client = modbus.NewClient(c.handler)
	go c.reconnectLoop(ctx)
	return nil
}

func (c *Client) name() string {
	if c.URL != "" {
		return c.URL
	}
	return c.Port
}

func (c *Client) reconnectLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.RetryInterval):
		}

		if err := c.handler.Connect(); err != nil {
			c.Logger.Warn("opening modbus device", "port", c.name(), "error", err)
			continue
		}
		err := c.watch(ctx)
		if ctx.Err() != nil {
			return
		}
		c.Logger.Warn("modbus device lost", "port", c.name(), "error", err)
		if c.Disconnected != nil {
			c.Disconnected(err)
		}
	}
}

func (c *Client) watch(ctx context.Context) error {
	defer c.handler.Close()
	for {
		if err := c.Poll(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.PollInterval):
		}
	}
}

func (c *Client) WriteCoil(coil int, value bool) error {
	var v uint16
	if value {
		v = 0xFF00
	}
	_, err := c.WriteSingleCoil(uint16(coil), v)
	return err
}

func BytesToBits(bs []byte) []bool {
	var out []bool
	for _, b := range bs {
		for i := 0; i < 8; i++ {
			out = append(out, (b>>uint(i)&1) == 1)
		}
	}
	return out
}

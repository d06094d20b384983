// Package modbushttp carries raw Modbus RTU frames over HTTP, so a board
// attached to one machine can be polled from another.
package modbushttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/goburrow/modbus"
)

type SendResponse struct {
	ADUResponse []byte
	Error       string
}

// DefaultTimeout bounds one request to the bridge.
const DefaultTimeout = 2 * time.Second

type Client struct {
	*modbus.RTUClientHandler

	// Timeout bounds each Send, including the remote serial exchange.
	Timeout time.Duration

	baseURL  string
	password string
	http     *http.Client
}

func NewClient(baseURL, password string, slaveID byte) *Client {
	handler := modbus.NewRTUClientHandler("/dev/null")
	handler.SlaveId = slaveID
	return &Client{
		RTUClientHandler: handler,
		Timeout:          DefaultTimeout,
		baseURL:          baseURL,
		password:         password,
		http:             http.DefaultClient,
	}
}

func (c *Client) Send(aduRequest []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(aduRequest))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if c.password != "" {
		req.SetBasicAuth("antennad", c.password)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bad status code: %s\n%s", resp.Status, string(body))
	}
	var sendResponse SendResponse
	if err := json.Unmarshal(body, &sendResponse); err != nil {
		return nil, err
	}
	if sendResponse.Error != "" {
		err = errors.New(sendResponse.Error)
	}
	return sendResponse.ADUResponse, err
}

func (c *Client) Connect() error {
	return nil
}

func (c *Client) Close() error {
	return nil
}

// Transporter sends one request frame and returns the response frame.
type Transporter interface {
	Send(aduRequest []byte) (aduResponse []byte, err error)
}

// Handler serves Client requests from a local Transporter.
type Handler struct {
	Transporter Transporter
	// Password, if set, is required as the basic auth password
	Password string
	Logger   *slog.Logger
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Password != "" {
		_, pass, ok := r.BasicAuth()
		if !ok || pass != h.Password {
			http.Error(w, "wrong password", http.StatusUnauthorized)
			return
		}
	}
	err := func() error {
		aduRequest, err := io.ReadAll(r.Body)
		if err != nil {
			return err
		}
		aduResponse, err := h.Transporter.Send(aduRequest)
		var errString string
		if err != nil {
			errString = err.Error()
		}
		body, err := json.Marshal(&SendResponse{
			ADUResponse: aduResponse,
			Error:       errString,
		})
		if err != nil {
			return err
		}
		_, err = w.Write(body)
		return err
	}()
	if err != nil {
		if h.Logger != nil {
			h.Logger.Error("modbus send", "error", err)
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

package daemon

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"aacpd/internal/aacp"
)

// Client talks to a running daemon over its unix control socket. Each
// request dials a fresh connection, which keeps the daemon side free of
// per-client state.
type Client struct {
	Socket string
}

// NewClient returns a client for the given socket path, falling back to
// the default location when path is empty.
func NewClient(path string) *Client {
	if path == "" {
		path = DefaultSocketPath()
	}
	return &Client{Socket: path}
}

func (c *Client) do(method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}
	httpRequest, err := http.NewRequest(method, path, reader)
	if err != nil {
		return err
	}

	conn, err := net.DialTimeout("unix", c.Socket, 2*time.Second)
	if err != nil {
		return fmt.Errorf("daemon not running at %s: %w", c.Socket, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	if err := httpRequest.Write(conn); err != nil {
		return fmt.Errorf("daemon write: %w", err)
	}
	responseReader := bufio.NewReader(conn)
	httpResponse, err := http.ReadResponse(responseReader, httpRequest)
	if err != nil {
		return fmt.Errorf("daemon read: %w", err)
	}
	defer httpResponse.Body.Close()

	if httpResponse.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(httpResponse.Body, 4096))
		text := strings.TrimSpace(string(msg))
		if text == "" {
			text = httpResponse.Status
		}
		return fmt.Errorf("%s", text)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(httpResponse.Body).Decode(out)
}

func (c *Client) Status() ([]DeviceStatus, error) {
	var out []DeviceStatus
	err := c.do(http.MethodGet, "/status", nil, &out)
	return out, err
}

func (c *Client) Devices() ([]DeviceRecord, error) {
	var out []DeviceRecord
	err := c.do(http.MethodGet, "/devices", nil, &out)
	return out, err
}

func (c *Client) Telemetry() ([]TelemetryStatus, error) {
	var out []TelemetryStatus
	err := c.do(http.MethodGet, "/telemetry", nil, &out)
	return out, err
}

// SetCommand writes a control command value on the device. An empty mac
// targets the only attached device.
func (c *Client) SetCommand(mac string, id aacp.ControlCommandID, value []byte) error {
	return c.do(http.MethodPost, "/command", CommandRequest{
		MAC:        mac,
		Identifier: uint8(id),
		Value:      hex.EncodeToString(value),
	}, nil)
}

// RefreshCommand asks the device to report a control command's current
// value. The answer lands in the status cache, not in this response.
func (c *Client) RefreshCommand(mac string, id aacp.ControlCommandID) error {
	return c.do(http.MethodPost, "/command", CommandRequest{
		MAC:        mac,
		Identifier: uint8(id),
	}, nil)
}

// CommandStatus returns the last value the device reported for id.
func (c *Client) CommandStatus(mac string, id aacp.ControlCommandID) (ControlJSON, error) {
	var out ControlJSON
	path := fmt.Sprintf("/command?id=%d", uint8(id))
	if mac != "" {
		path += "&mac=" + strings.ToUpper(mac)
	}
	err := c.do(http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) Rename(mac, name string) error {
	return c.do(http.MethodPost, "/rename", RenameRequest{MAC: mac, Name: name}, nil)
}

func (c *Client) SetAutoConnect(mac string, enabled bool) error {
	return c.do(http.MethodPost, "/prefs", PrefsRequest{MAC: mac, AutoConnect: enabled}, nil)
}

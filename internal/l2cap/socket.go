// Package l2cap opens the raw data channel AirPods expose on PSM 0x1001.
//
// The accessory speaks AACP over a SEQPACKET L2CAP channel, so packet
// boundaries are preserved: one Read yields one inbound frame.
package l2cap

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// PSM is the L2CAP protocol/service multiplexer of the AACP channel.
const PSM = 0x1001

// Conn is one connected channel. Close unblocks a concurrent Read.
type Conn struct {
	fd  int
	mac string

	closeOnce sync.Once
	closeErr  error
}

// Dial connects to the AACP channel of the device at mac
// ("XX:XX:XX:XX:XX:XX"). The classic Bluetooth link must already be up;
// bringing it up is the supervisor's job.
func Dial(mac string) (*Conn, error) {
	addr, err := wireAddr(mac)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, unix.BTPROTO_L2CAP)
	if err != nil {
		return nil, fmt.Errorf("l2cap socket: %w", err)
	}

	sa := &unix.SockaddrL2{
		PSM:      PSM,
		Addr:     addr,
		AddrType: unix.BDADDR_BREDR,
	}
	if err := unix.Connect(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("connect %s psm 0x%04X: %w", mac, PSM, err)
	}

	return &Conn{fd: fd, mac: mac}, nil
}

func (c *Conn) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(c.fd, p)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("l2cap read: %w", err)
		}
		if n == 0 {
			return 0, io.EOF
		}
		return n, nil
	}
}

func (c *Conn) Write(p []byte) (int, error) {
	n, err := unix.Write(c.fd, p)
	if err != nil {
		return 0, fmt.Errorf("l2cap write: %w", err)
	}
	if n != len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

// Close shuts the channel down and releases the descriptor.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		_ = unix.Shutdown(c.fd, unix.SHUT_RDWR)
		c.closeErr = unix.Close(c.fd)
	})
	return c.closeErr
}

// RemoteAddr returns the MAC this channel was dialed to.
func (c *Conn) RemoteAddr() string { return c.mac }

// wireAddr converts a textual address to the reversed on-wire byte order.
func wireAddr(mac string) ([6]byte, error) {
	var addr [6]byte
	raw, err := hex.DecodeString(strings.ReplaceAll(mac, ":", ""))
	if err != nil || len(raw) != 6 {
		return addr, fmt.Errorf("bad bluetooth address %q", mac)
	}
	for i, b := range raw {
		addr[5-i] = b
	}
	return addr, nil
}

// Package sdnotify reports daemon lifecycle to systemd over the
// NOTIFY_SOCKET datagram socket. No cgo; outside systemd every call is
// a silent no-op.
package sdnotify

import (
	"net"
	"os"
)

// Ready signals that startup (including the blocking cache
// initialization) has finished.
func Ready() error {
	return send("READY=1")
}

// Stopping signals the start of graceful shutdown.
func Stopping() error {
	return send("STOPPING=1")
}

// Status publishes a one-line state for systemctl status.
func Status(msg string) error {
	return send("STATUS=" + msg)
}

func send(state string) error {
	socket := os.Getenv("NOTIFY_SOCKET")
	if socket == "" {
		return nil
	}
	conn, err := net.Dial("unixgram", socket)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Write([]byte(state))
	return err
}

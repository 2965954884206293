package platform

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"gvfs/internal/virtualizer"
)

// brokerFilter binds to the filter driver's user-space broker. The broker
// owns the kernel attachment and callback delivery; this side only
// registers the virtualization root and holds the session open. The
// Callbacks surface is handed to the broker's dispatch loop, which is an
// external module.
type brokerFilter struct {
	socketPath string

	mu        sync.Mutex
	conn      net.Conn
	callbacks virtualizer.Callbacks
}

func newBrokerFilter(socketPath string) *brokerFilter {
	return &brokerFilter{socketPath: socketPath}
}

type brokerRequest struct {
	Command string `json:"command"` // "attach" | "detach"
	Root    string `json:"root"`
}

type brokerResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func (b *brokerFilter) roundTrip(req brokerRequest) error {
	if err := b.conn.SetDeadline(time.Now().Add(30 * time.Second)); err != nil {
		return err
	}
	if err := json.NewEncoder(b.conn).Encode(req); err != nil {
		return fmt.Errorf("send %s to filter broker: %w", req.Command, err)
	}
	var resp brokerResponse
	if err := json.NewDecoder(b.conn).Decode(&resp); err != nil {
		return fmt.Errorf("read broker response: %w", err)
	}
	if !resp.OK {
		return fmt.Errorf("filter broker refused %s: %s", req.Command, resp.Error)
	}
	return b.conn.SetDeadline(time.Time{})
}

func (b *brokerFilter) StartVirtualizing(root string, callbacks virtualizer.Callbacks) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	conn, err := net.Dial("unix", b.socketPath)
	if err != nil {
		return fmt.Errorf("connect to filter broker: %w", err)
	}
	b.conn = conn
	b.callbacks = callbacks

	if err := b.roundTrip(brokerRequest{Command: "attach", Root: root}); err != nil {
		conn.Close()
		b.conn = nil
		return err
	}
	return nil
}

func (b *brokerFilter) StopVirtualizing() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil
	}
	err := b.roundTrip(brokerRequest{Command: "detach"})
	b.conn.Close()
	b.conn = nil
	return err
}

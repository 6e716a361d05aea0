// conn.go - In-memory streaming connection for session tests
package testutil

import (
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// ErrConnClosed is returned by writes on a closed FakeConn.
var ErrConnClosed = errors.New("connection closed")

// FakeConn records everything a session writes. With a gate, every write
// waits for Release (or Close) before completing.
type FakeConn struct {
	mu      sync.Mutex
	writes  []string
	closes  int
	code    int
	reason  string
	failing bool

	gate    chan struct{}
	closedC chan struct{}
	wrote   chan struct{}
}

// NewFakeConn returns a connection whose writes complete immediately.
func NewFakeConn() *FakeConn {
	return &FakeConn{
		closedC: make(chan struct{}),
		wrote:   make(chan struct{}, 1024),
	}
}

// NewGatedConn returns a connection whose writes block until Release.
func NewGatedConn() *FakeConn {
	c := NewFakeConn()
	c.gate = make(chan struct{})
	return c
}

// Release lets one blocked write through.
func (c *FakeConn) Release() {
	select {
	case c.gate <- struct{}{}:
	case <-c.closedC:
	}
}

// FailWrites makes every later write return an error.
func (c *FakeConn) FailWrites() {
	c.mu.Lock()
	c.failing = true
	c.mu.Unlock()
}

func (c *FakeConn) WriteText(data []byte) error {
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-c.closedC:
			return ErrConnClosed
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closes > 0 {
		return ErrConnClosed
	}
	if c.failing {
		return errors.New("write failed")
	}
	c.writes = append(c.writes, string(data))
	select {
	case c.wrote <- struct{}{}:
	default:
	}
	return nil
}

func (c *FakeConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	if c.closes == 1 {
		c.code, c.reason = code, reason
		close(c.closedC)
	}
	return nil
}

func (c *FakeConn) RemoteAddr() string {
	return "192.0.2.1:4000"
}

// Writes returns the raw frames written so far.
func (c *FakeConn) Writes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.writes...)
}

// Packets decodes the packet field of every frame written so far.
func (c *FakeConn) Packets() []string {
	var out []string
	for _, w := range c.Writes() {
		var msg struct {
			Packet string `json:"packet"`
		}
		if json.Unmarshal([]byte(w), &msg) == nil {
			out = append(out, msg.Packet)
		}
	}
	return out
}

// WaitWrites waits until at least n frames have been written in total.
func (c *FakeConn) WaitWrites(n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if len(c.Writes()) >= n {
			return true
		}
		select {
		case <-c.wrote:
		case <-deadline:
			return false
		}
	}
}

// WaitClosed waits for the first Close call.
func (c *FakeConn) WaitClosed(timeout time.Duration) bool {
	select {
	case <-c.closedC:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Closed returns how often Close was called and the first code and reason.
func (c *FakeConn) Closed() (closes int, code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes, c.code, c.reason
}

package redisx

import (
	"testing"
	"time"
)

func TestNewAppliesTimeouts(t *testing.T) {
	c := New("localhost:6379")
	defer func() { _ = c.Close() }()

	opts := c.Options()
	if opts.DialTimeout != 2*time.Second {
		t.Errorf("DialTimeout = %v, want 2s", opts.DialTimeout)
	}
	if opts.ReadTimeout != 2*time.Second {
		t.Errorf("ReadTimeout = %v, want 2s", opts.ReadTimeout)
	}
	if opts.WriteTimeout != 2*time.Second {
		t.Errorf("WriteTimeout = %v, want 2s", opts.WriteTimeout)
	}
}

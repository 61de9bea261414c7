package ws

import (
	"log/slog"
	"time"
)

type Config struct {
	// HandshakeTimeout bounds the opening handshake of outbound connections and
	// the upgrade request headers of inbound ones.
	HandshakeTimeout time.Duration
	// CloseGrace is how long a closing socket waits for the peer's close
	// frame before the transport is torn down.
	CloseGrace time.Duration
	// StopGrace bounds Server.Stop before open peers are forcibly closed.
	StopGrace time.Duration
	// ReadLimit is the maximum inbound message size; zero means unlimited.
	ReadLimit int64
	// EventBuffer is the per-connection notification queue length.
	EventBuffer int
	// SendBuffer is the per-connection outbound queue length. A socket whose
	// queue overflows is reported through onError and closed.
	SendBuffer      int
	ReadBufferSize  int
	WriteBufferSize int
	Logger          *slog.Logger
	Metrics         *Metrics
}

func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 45 * time.Second,
		CloseGrace:       5 * time.Second,
		StopGrace:        5 * time.Second,
		EventBuffer:      64,
		SendBuffer:       256,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		Logger:           slog.Default(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()

	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}

	if c.CloseGrace <= 0 {
		c.CloseGrace = d.CloseGrace
	}

	if c.StopGrace <= 0 {
		c.StopGrace = d.StopGrace
	}

	if c.EventBuffer <= 0 {
		c.EventBuffer = d.EventBuffer
	}

	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}

	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = d.ReadBufferSize
	}

	if c.WriteBufferSize <= 0 {
		c.WriteBufferSize = d.WriteBufferSize
	}

	if c.Logger == nil {
		c.Logger = slog.Default()
	}

	return c
}

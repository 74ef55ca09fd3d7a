// Package httptransport assembles the http.Server the API process runs,
// with slow-client timeouts applied consistently.
package httptransport

import (
	"net/http"
	"time"
)

// ServerConfig tunes the server. Zero timeouts fall back to defaults safe
// against slow clients.
type ServerConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func (c *ServerConfig) applyDefaults() {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
}

// NewServer builds an *http.Server serving handler at cfg.Address.
func NewServer(cfg ServerConfig, handler http.Handler) *http.Server {
	cfg.applyDefaults()
	return &http.Server{
		Addr:         cfg.Address,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

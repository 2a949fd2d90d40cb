// Package httptransport builds the HTTP server that fronts the proof API.
package httptransport

import (
	"net/http"
	"time"
)

// ServerConfig carries the listener address and timeouts. Captures hold the
// connection through classification and the ledger round-trip, so the write
// timeout has to cover the whole reward attempt, not just the encode.
type ServerConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// NewServer returns an *http.Server for the proof API. Zero timeouts fall
// back to values sized for the capture flow.
func NewServer(cfg ServerConfig, handler http.Handler) *http.Server {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	return &http.Server{
		Addr:         cfg.Address,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

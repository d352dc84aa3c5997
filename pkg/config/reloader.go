package config

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// ReloadRecorder receives the outcome of each reload attempt.
type ReloadRecorder interface {
	RecordConfigReload(status string)
}

// ApplyFunc pushes a freshly validated configuration into a running component.
type ApplyFunc func(*Config) error

// Reloader re-reads the configuration file and hands the result to the
// registered appliers. Settings bound at startup are reported, not applied.
type Reloader struct {
	mu          sync.RWMutex
	current     *Config
	appliers    []ApplyFunc
	logger      *slog.Logger
	recorder    ReloadRecorder
	reloadCount int64
	lastReload  time.Time
}

// ReloadStats summarises reload activity.
type ReloadStats struct {
	ReloadCount int64     `json:"reload_count"`
	LastReload  time.Time `json:"last_reload"`
}

// NewReloader creates a reloader seeded with the configuration in effect.
func NewReloader(current *Config, logger *slog.Logger, appliers ...ApplyFunc) *Reloader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reloader{
		current:  current,
		appliers: appliers,
		logger:   logger,
	}
}

// SetRecorder sets the sink for reload outcomes.
func (r *Reloader) SetRecorder(rec ReloadRecorder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recorder = rec
}

// Current returns the configuration in effect.
func (r *Reloader) Current() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Reload loads and validates path, then applies it. A configuration that
// fails validation leaves the running one untouched.
func (r *Reloader) Reload(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	r.logger.Info("Starting configuration reload", "config_path", path)

	next, err := Load(path)
	if err != nil {
		r.logger.Error("Configuration validation failed", "error", err)
		r.record("validation_failed")
		return err
	}

	if r.current != nil {
		if fields := requiresRestart(r.current, next); len(fields) > 0 {
			r.logger.Warn("Configuration changes require restart to take effect", "fields", fields)
		}
	}

	for _, apply := range r.appliers {
		if err := apply(next); err != nil {
			r.logger.Error("Configuration application failed", "error", err)
			r.record("application_failed")
			return fmt.Errorf("configuration application failed: %w", err)
		}
	}

	r.current = next
	r.reloadCount++
	r.lastReload = time.Now()

	r.logger.Info("Configuration reload completed successfully",
		"duration", time.Since(start),
		"reload_count", r.reloadCount)
	r.record("success")
	return nil
}

// Stats returns reload statistics.
func (r *Reloader) Stats() ReloadStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return ReloadStats{ReloadCount: r.reloadCount, LastReload: r.lastReload}
}

func (r *Reloader) record(status string) {
	if r.recorder != nil {
		r.recorder.RecordConfigReload(status)
	}
}

// requiresRestart lists the fields bound when the listener and the exchange
// pipeline were built.
func requiresRestart(prev, next *Config) []string {
	var fields []string
	if prev.ListenAddr != next.ListenAddr {
		fields = append(fields, "listen_addr")
	}
	if prev.SocketTimeout != next.SocketTimeout {
		fields = append(fields, "socket_timeout")
	}
	if prev.SocketBufferSize != next.SocketBufferSize {
		fields = append(fields, "socket_buffer_size")
	}
	if prev.ServerName != next.ServerName {
		fields = append(fields, "server_name")
	}
	if prev.Proxy.DefaultPort != next.Proxy.DefaultPort || !slices.Equal(prev.Proxy.AllowedSchemes, next.Proxy.AllowedSchemes) {
		fields = append(fields, "proxy")
	}
	if prev.Metrics != next.Metrics {
		fields = append(fields, "metrics")
	}
	if prev.Tracing != next.Tracing {
		fields = append(fields, "tracing")
	}
	return fields
}

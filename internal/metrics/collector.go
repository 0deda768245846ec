// Package metrics exposes filesystem and uploader counters over Prometheus.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector aggregates operation counters. A nil *Collector is valid and
// records nothing, so components can run without metrics wired.
type Collector struct {
	registry *prometheus.Registry
	config   *Config
	server   *http.Server
	logger   *slog.Logger

	operationCounter *prometheus.CounterVec
	errorCounter     *prometheus.CounterVec
	bytesRead        prometheus.Counter
	bytesWritten     prometheus.Counter
	uploadCounter    *prometheus.CounterVec
}

// Config represents metrics configuration
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// NewCollector creates a collector with its own registry.
func NewCollector(config *Config) *Collector {
	if config == nil {
		config = &Config{Enabled: true, Port: 0, Path: "/metrics"}
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}

	registry := prometheus.NewRegistry()
	c := &Collector{
		registry: registry,
		config:   config,
		logger:   slog.Default().With("component", "metrics"),
		operationCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "s3fs",
			Subsystem: "fs",
			Name:      "operations_total",
			Help:      "Filesystem operations dispatched, by operation.",
		}, []string{"op"}),
		errorCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "s3fs",
			Subsystem: "fs",
			Name:      "errors_total",
			Help:      "Filesystem operations that returned an errno, by operation.",
		}, []string{"op"}),
		bytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "s3fs",
			Subsystem: "fs",
			Name:      "bytes_read_total",
			Help:      "Bytes returned to the kernel by read.",
		}),
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "s3fs",
			Subsystem: "fs",
			Name:      "bytes_written_total",
			Help:      "Bytes accepted from the kernel by write.",
		}),
		uploadCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "s3fs",
			Subsystem: "uploader",
			Name:      "sidecars_total",
			Help:      "Sidecar outcomes per uploader scan, by result.",
		}, []string{"result"}),
	}

	registry.MustRegister(c.operationCounter, c.errorCounter, c.bytesRead, c.bytesWritten, c.uploadCounter)
	return c
}

// Serve starts the metrics endpoint when a port is configured. It returns
// immediately; the server runs until Shutdown.
func (c *Collector) Serve() {
	if c == nil || !c.config.Enabled || c.config.Port == 0 {
		return
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.Error("metrics server failed", "error", err)
		}
	}()
}

// Shutdown stops the metrics endpoint if one was started.
func (c *Collector) Shutdown(ctx context.Context) error {
	if c == nil || c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}

// RecordOperation counts one dispatched filesystem operation.
func (c *Collector) RecordOperation(op string) {
	if c == nil {
		return
	}
	c.operationCounter.WithLabelValues(op).Inc()
}

// RecordError counts one operation that surfaced an errno.
func (c *Collector) RecordError(op string) {
	if c == nil {
		return
	}
	c.errorCounter.WithLabelValues(op).Inc()
}

// RecordRead counts bytes returned to the kernel.
func (c *Collector) RecordRead(n int) {
	if c == nil {
		return
	}
	c.bytesRead.Add(float64(n))
}

// RecordWrite counts bytes accepted from the kernel.
func (c *Collector) RecordWrite(n int) {
	if c == nil {
		return
	}
	c.bytesWritten.Add(float64(n))
}

// RecordUpload counts one sidecar outcome: "uploaded", "failed" or "skipped".
func (c *Collector) RecordUpload(result string) {
	if c == nil {
		return
	}
	c.uploadCounter.WithLabelValues(result).Inc()
}

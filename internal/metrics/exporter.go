package metrics

import (
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter exposes metrics via HTTP
type Exporter struct {
	addr      string
	collector *Collector
	server    *http.Server

	mu       sync.Mutex
	listener net.Listener
	stopCh   chan struct{}
}

// NewExporter creates a metrics exporter
func NewExporter(addr string) *Exporter {
	collector := NewCollector()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	return &Exporter{
		addr:      addr,
		collector: collector,
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		stopCh: make(chan struct{}),
	}
}

// Start starts the exporter and blocks until Stop is called
func (e *Exporter) Start() error {
	ln, err := net.Listen("tcp", e.addr)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.listener = ln
	e.mu.Unlock()

	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		e.collector.Collect()
		for {
			select {
			case <-ticker.C:
				e.collector.Collect()
			case <-e.stopCh:
				return
			}
		}
	}()

	if err := e.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the bound address once Start has listened
func (e *Exporter) Addr() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listener != nil {
		return e.listener.Addr().String()
	}
	return e.addr
}

// Stop stops the exporter
func (e *Exporter) Stop() error {
	close(e.stopCh)
	return e.server.Close()
}

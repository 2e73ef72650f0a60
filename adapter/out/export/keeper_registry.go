// Package export serializes email batches into archive formats.
package export

import (
	"sort"
	"sync"

	"keeper_server/core/port/out"
)

// Registry resolves exporters by format name.
type Registry struct {
	mu        sync.RWMutex
	exporters map[string]out.Exporter
}

// NewRegistry returns a registry with the built-in formats registered.
func NewRegistry() *Registry {
	r := &Registry{exporters: make(map[string]out.Exporter)}
	r.Register(&jsonExporter{})
	r.Register(&csvExporter{})
	r.Register(&mboxExporter{})
	return r
}

func (r *Registry) Register(e out.Exporter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exporters[e.Format()] = e
}

func (r *Registry) Get(format string) (out.Exporter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.exporters[format]
	return e, ok
}

func (r *Registry) Formats() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	formats := make([]string, 0, len(r.exporters))
	for f := range r.exporters {
		formats = append(formats, f)
	}
	sort.Strings(formats)
	return formats
}

var _ out.ExporterRegistry = (*Registry)(nil)

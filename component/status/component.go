// Package status serves health and version information on the internal
// HTTP interface.
package status

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime/debug"

	"github.com/opensrp/fhir-gateway/component"
)

// version is set at build time through -ldflags. When left empty the version
// from build info (if any) is reported.
var version string

func Version() string {
	if version != "" {
		return version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "(unknown)"
}

var _ component.Lifecycle = (*Component)(nil)

type Component struct{}

func New() *Component {
	return &Component{}
}

func (c Component) RegisterHttpHandlers(publicMux *http.ServeMux, internalMux *http.ServeMux) {
	internalMux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "UP"})
	})
	internalMux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("OK, version: " + Version()))
	})
}

func (c Component) Start() error {
	return nil
}

func (c Component) Stop(ctx context.Context) error {
	return nil
}

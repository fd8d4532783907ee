package component

import (
	"context"
	"net/http"
)

// Lifecycle is implemented by all components, which are started and stopped
// by the application in registration order.
type Lifecycle interface {
	// RegisterHttpHandlers lets the component register its HTTP handlers on the
	// public mux (exposed to external callers) and/or the internal mux
	// (operational endpoints, not to be exposed publicly).
	RegisterHttpHandlers(publicMux *http.ServeMux, internalMux *http.ServeMux)
	// Start starts the component. It must not block.
	Start() error
	// Stop stops the component, waiting at most until the context is cancelled.
	Stop(ctx context.Context) error
}

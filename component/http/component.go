// Package http runs the gateway's HTTP servers: a public interface serving
// the FHIR proxy and a separate internal interface for operational endpoints
// that must not be exposed to external callers.
package http

import (
	"context"
	"log/slog"
	nethttp "net/http"

	"github.com/opensrp/fhir-gateway/component"
	"github.com/opensrp/fhir-gateway/lib/logging"
	"github.com/pkg/errors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type InterfaceConfig struct {
	// Address is the listen address in host:port form.
	Address string `koanf:"address"`
}

type Config struct {
	Public   InterfaceConfig `koanf:"public"`
	Internal InterfaceConfig `koanf:"internal"`
}

func DefaultConfig() Config {
	return Config{
		Public:   InterfaceConfig{Address: ":8080"},
		Internal: InterfaceConfig{Address: ":8081"},
	}
}

var _ component.Lifecycle = (*Component)(nil)

type Component struct {
	config         Config
	publicServer   *nethttp.Server
	internalServer *nethttp.Server
}

func New(config Config, publicMux *nethttp.ServeMux, internalMux *nethttp.ServeMux) *Component {
	return &Component{
		config: config,
		publicServer: &nethttp.Server{
			Addr:    config.Public.Address,
			Handler: otelhttp.NewHandler(publicMux, "gateway"),
		},
		internalServer: &nethttp.Server{
			Addr:    config.Internal.Address,
			Handler: internalMux,
		},
	}
}

func (c Component) RegisterHttpHandlers(publicMux *nethttp.ServeMux, internalMux *nethttp.ServeMux) {
	// The muxes are passed in at construction.
}

func (c Component) Start() error {
	go func() {
		slog.Info("Public HTTP interface listening", slog.String("address", c.config.Public.Address))
		if err := c.publicServer.ListenAndServe(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			slog.Error("Public HTTP interface failed", logging.Error(err))
		}
	}()
	go func() {
		slog.Info("Internal HTTP interface listening", slog.String("address", c.config.Internal.Address))
		if err := c.internalServer.ListenAndServe(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			slog.Error("Internal HTTP interface failed", logging.Error(err))
		}
	}()
	return nil
}

func (c Component) Stop(ctx context.Context) error {
	if err := c.publicServer.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "shutdown public HTTP interface")
	}
	if err := c.internalServer.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "shutdown internal HTTP interface")
	}
	return nil
}

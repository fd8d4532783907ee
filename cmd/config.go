package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/opensrp/fhir-gateway/component/gateway"
	"github.com/opensrp/fhir-gateway/component/http"
	"github.com/opensrp/fhir-gateway/component/practitioner"
	"github.com/opensrp/fhir-gateway/component/tracing"
	"github.com/opensrp/fhir-gateway/lib/logging"
)

type Config struct {
	Gateway      gateway.Config      `koanf:"gateway"`
	Practitioner practitioner.Config `koanf:"practitioner"`
	HTTP         http.Config         `koanf:"http"`
	Tracing      tracing.Config      `koanf:"tracing"`
}

func DefaultConfig() Config {
	return Config{
		Gateway:      gateway.DefaultConfig(),
		Practitioner: practitioner.DefaultConfig(),
		HTTP:         http.DefaultConfig(),
		Tracing:      tracing.DefaultConfig(),
	}
}

// LoadConfig loads configuration from YAML file and environment variables.
// An explicitly named configFile replaces the default search path and must
// exist. The flat legacy environment variable names (PROXY_TO, GATEWAY_*,
// DEV_MODE) are applied on top so existing deployments keep working.
func LoadConfig(configFile string) (Config, error) {
	// Initialize koanf instance
	k := koanf.New(".")

	// Load default configuration first
	defaultConfig := DefaultConfig()
	if err := k.Load(structs.Provider(defaultConfig, "koanf"), nil); err != nil {
		return Config{}, err
	}

	// Try config files in config directory only
	configFiles := []string{"config/gateway.yml"}
	if configFile != "" {
		if _, err := os.Stat(configFile); err != nil {
			return Config{}, fmt.Errorf("cannot read config file %s: %w", configFile, err)
		}
		configFiles = []string{configFile}
	}

	for _, cf := range configFiles {
		if _, err := os.Stat(cf); err == nil {
			if err := k.Load(file.Provider(cf), yaml.Parser()); err != nil {
				return Config{}, fmt.Errorf("failed to load config file %s: %w", cf, err)
			}
			break
		}
	}

	// Load environment variables with FHIR_GATEWAY_ prefix
	if err := k.Load(env.Provider("FHIR_GATEWAY_", ".", func(s string) string {
		// Convert FHIR_GATEWAY_GATEWAY_UPSTREAM_URL to gateway.upstream.url
		// First remove the prefix and convert to lowercase
		key := strings.TrimPrefix(s, "FHIR_GATEWAY_")
		parts := strings.Split(key, "_")

		// Convert to lowercase path
		result := make([]string, len(parts))
		for i, part := range parts {
			result[i] = strings.ToLower(part)
		}
		return strings.Join(result, ".")
	}), nil); err != nil {
		return Config{}, err
	}

	// Unmarshal into config struct
	var config Config
	if err := k.Unmarshal("", &config); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyLegacyEnv(&config)

	if err := validator.New().Struct(config); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// applyLegacyEnv applies the flat environment variable names that predate the
// structured configuration. The timeout variables hold whole seconds.
func applyLegacyEnv(config *Config) {
	if value := os.Getenv("PROXY_TO"); value != "" {
		config.Gateway.Upstream.URL = value
	}
	if value, ok := legacySeconds("GATEWAY_SOCKET_TIMEOUT"); ok {
		config.Gateway.Upstream.SocketTimeout = value
	}
	if value, ok := legacySeconds("GATEWAY_CONNECT_TIMEOUT"); ok {
		config.Gateway.Upstream.ConnectTimeout = value
	}
	if value, ok := legacySeconds("GATEWAY_CONNECTION_REQUEST_TIMEOUT"); ok {
		config.Gateway.Upstream.ConnectionRequestTimeout = value
	}
	if value, ok := legacyInt("GATEWAY_MAX_CONNECTION_TOTAL"); ok {
		config.Gateway.Upstream.MaxConnectionsTotal = value
	}
	if value, ok := legacyInt("GATEWAY_MAX_CONNECTION_PER_ROUTE"); ok {
		config.Gateway.Upstream.MaxConnectionsPerRoute = value
	}
	if value := os.Getenv("DEV_MODE"); value != "" {
		config.Gateway.DevMode = strings.EqualFold(value, "true")
	}
}

func legacySeconds(name string) (time.Duration, bool) {
	value, ok := legacyInt(name)
	if !ok {
		return 0, false
	}
	return time.Duration(value) * time.Second, true
}

func legacyInt(name string) (int, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("Ignoring legacy environment variable with a non-numeric value", slog.String("name", name), logging.Error(err))
		return 0, false
	}
	return value, true
}

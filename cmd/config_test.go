package cmd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Default(t *testing.T) {
	config, err := LoadConfig("")
	require.NoError(t, err)

	// Should have default values
	assert.Equal(t, "", config.Gateway.Upstream.URL)
	assert.False(t, config.Gateway.DevMode)
	assert.False(t, config.Gateway.Audit.Disabled)
	assert.Equal(t, 60*time.Second, config.Practitioner.CacheTTL)
	assert.Equal(t, ":8080", config.HTTP.Public.Address)
	assert.Equal(t, ":8081", config.HTTP.Internal.Address)
	assert.Equal(t, "fhir-gateway", config.Tracing.ServiceName)
}

func TestLoadConfig_FromYAML(t *testing.T) {
	// Create config directory and file
	tempDir := t.TempDir()
	configDir := filepath.Join(tempDir, "config")
	err := os.MkdirAll(configDir, 0755)
	require.NoError(t, err)

	yamlContent := `
gateway:
  devmode: true
  upstream:
    url: "https://hapi.example.org/fhir"
    sockettimeout: "45s"
    maxconnectionsperroute: 16
  audit:
    disabled: true
    extracompartmentparams:
      Flag: ["patient"]

practitioner:
  cachettl: "5m"
`

	configFile := filepath.Join(configDir, "gateway.yml")
	err = os.WriteFile(configFile, []byte(yamlContent), 0644)
	require.NoError(t, err)

	// Change to temp directory so config/gateway.yml is found
	originalDir, err := os.Getwd()
	require.NoError(t, err)
	defer os.Chdir(originalDir)

	err = os.Chdir(tempDir)
	require.NoError(t, err)

	config, err := LoadConfig("")
	require.NoError(t, err)

	// Check loaded values
	assert.Equal(t, "https://hapi.example.org/fhir", config.Gateway.Upstream.URL)
	assert.Equal(t, 45*time.Second, config.Gateway.Upstream.SocketTimeout)
	assert.Equal(t, 16, config.Gateway.Upstream.MaxConnectionsPerRoute)
	assert.True(t, config.Gateway.DevMode)
	assert.True(t, config.Gateway.Audit.Disabled)
	assert.Equal(t, 5*time.Minute, config.Practitioner.CacheTTL)

	// Check map values
	require.Contains(t, config.Gateway.Audit.ExtraCompartmentParams, "Flag")
	assert.Equal(t, []string{"patient"}, config.Gateway.Audit.ExtraCompartmentParams["Flag"])
}

func TestLoadConfig_FromEnvironmentVariables(t *testing.T) {
	// Set environment variables

	t.Setenv("FHIR_GATEWAY_GATEWAY_UPSTREAM_URL", "http://env-test:8080/fhir")

	config, err := LoadConfig("")
	require.NoError(t, err)

	// Environment variables should override defaults
	assert.Equal(t, "http://env-test:8080/fhir", config.Gateway.Upstream.URL)
}

func TestLoadConfig_EnvOverridesYAML(t *testing.T) {
	// Create config directory and file
	tempDir := t.TempDir()
	configDir := filepath.Join(tempDir, "config")
	err := os.MkdirAll(configDir, 0755)
	require.NoError(t, err)

	yamlContent := `
gateway:
  upstream:
    url: "http://yaml:8080/fhir"
`

	configFile := filepath.Join(configDir, "gateway.yml")
	err = os.WriteFile(configFile, []byte(yamlContent), 0644)
	require.NoError(t, err)

	// Change to temp directory so config/gateway.yml is found
	originalDir, err := os.Getwd()
	require.NoError(t, err)
	defer os.Chdir(originalDir)

	err = os.Chdir(tempDir)
	require.NoError(t, err)

	// Set environment variables to override YAML
	t.Setenv("FHIR_GATEWAY_GATEWAY_UPSTREAM_URL", "http://env:8080/fhir")

	config, err := LoadConfig("")
	require.NoError(t, err)

	// Environment should override YAML
	assert.Equal(t, "http://env:8080/fhir", config.Gateway.Upstream.URL) // env override
}

func TestLoadConfig_ExplicitFile(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "custom.yml")
	err := os.WriteFile(configFile, []byte("gateway:\n  upstream:\n    url: \"http://custom:8080/fhir\"\n"), 0644)
	require.NoError(t, err)

	config, err := LoadConfig(configFile)
	require.NoError(t, err)

	assert.Equal(t, "http://custom:8080/fhir", config.Gateway.Upstream.URL)
}

func TestLoadConfig_ExplicitFileMissing(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yml"))
	require.ErrorContains(t, err, "cannot read config file")
}

func TestLoadConfig_LegacyEnvironmentVariables(t *testing.T) {
	t.Setenv("PROXY_TO", "http://legacy:8080/fhir")
	t.Setenv("GATEWAY_SOCKET_TIMEOUT", "40")
	t.Setenv("GATEWAY_CONNECT_TIMEOUT", "10")
	t.Setenv("GATEWAY_CONNECTION_REQUEST_TIMEOUT", "20")
	t.Setenv("GATEWAY_MAX_CONNECTION_TOTAL", "64")
	t.Setenv("GATEWAY_MAX_CONNECTION_PER_ROUTE", "8")
	t.Setenv("DEV_MODE", "TRUE")

	config, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "http://legacy:8080/fhir", config.Gateway.Upstream.URL)
	assert.Equal(t, 40*time.Second, config.Gateway.Upstream.SocketTimeout)
	assert.Equal(t, 10*time.Second, config.Gateway.Upstream.ConnectTimeout)
	assert.Equal(t, 20*time.Second, config.Gateway.Upstream.ConnectionRequestTimeout)
	assert.Equal(t, 64, config.Gateway.Upstream.MaxConnectionsTotal)
	assert.Equal(t, 8, config.Gateway.Upstream.MaxConnectionsPerRoute)
	assert.True(t, config.Gateway.DevMode)
}

func TestLoadConfig_LegacyOverridesStructured(t *testing.T) {
	t.Setenv("FHIR_GATEWAY_GATEWAY_UPSTREAM_URL", "http://structured:8080/fhir")
	t.Setenv("PROXY_TO", "http://legacy:8080/fhir")

	config, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "http://legacy:8080/fhir", config.Gateway.Upstream.URL)
}

func TestLoadConfig_MalformedLegacyValueIgnored(t *testing.T) {
	t.Setenv("GATEWAY_SOCKET_TIMEOUT", "forty")

	config, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, time.Duration(0), config.Gateway.Upstream.SocketTimeout)
}

func TestLoadConfig_InvalidUpstreamURL(t *testing.T) {
	t.Setenv("FHIR_GATEWAY_GATEWAY_UPSTREAM_URL", "not-a-url")

	_, err := LoadConfig("")
	require.ErrorContains(t, err, "invalid configuration")
}

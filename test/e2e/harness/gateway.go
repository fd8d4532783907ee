package harness

import (
	"net/http"
	"testing"
	"time"

	"github.com/opensrp/fhir-gateway/cmd"
	"github.com/opensrp/fhir-gateway/test"
)

func startGateway(t *testing.T, config cmd.Config) {
	t.Helper()

	var errChan = make(chan error, 1)
	var stoppedChan = make(chan struct{})
	go func() {
		defer close(stoppedChan)
		if err := cmd.Start(t.Context(), config); err != nil {
			errChan <- err
		}
	}()
	t.Cleanup(func() {
		// The test context is already canceled here, so the gateway is
		// shutting down. Wait for it before the upstream stub closes.
		select {
		case <-stoppedChan:
		case <-time.After(5 * time.Second):
			t.Error("timeout waiting for gateway to stop")
		}
	})

	doneChan, timeoutChan := test.WaitForHTTPStatus("http://"+config.HTTP.Internal.Address+"/status", http.StatusOK)
	select {
	case err := <-errChan:
		t.Fatalf("failed to start gateway: %v", err)
	case <-doneChan:
		t.Log("Gateway started successfully")
	case err := <-timeoutChan:
		t.Fatalf("timeout waiting for gateway to start: %v", err)
	}
}

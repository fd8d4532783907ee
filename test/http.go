// Package test holds small helpers shared by the end to end tests.
package test

import (
	"fmt"
	"net/http"
	"time"
)

// WaitForHTTPStatus polls url until it answers with the wanted status code.
// The first channel closes on success; the second receives an error when the
// deadline passes first.
func WaitForHTTPStatus(url string, status int) (chan struct{}, chan error) {
	doneChan := make(chan struct{})
	timeoutChan := make(chan error, 1)
	go func() {
		deadline := time.Now().Add(10 * time.Second)
		for time.Now().Before(deadline) {
			response, err := http.Get(url)
			if err == nil {
				_ = response.Body.Close()
				if response.StatusCode == status {
					close(doneChan)
					return
				}
			}
			time.Sleep(100 * time.Millisecond)
		}
		timeoutChan <- fmt.Errorf("no %d response from %s within 10s", status, url)
	}()
	return doneChan, timeoutChan
}

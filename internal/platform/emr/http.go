package emr

import (
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultTimeout bounds every outbound call to a provider.
const DefaultTimeout = 10 * time.Second

// FHIRMediaType is the media type for clinical-data requests.
const FHIRMediaType = "application/fhir+json"

// maxResponseSize caps how much of a provider response is read into memory.
const maxResponseSize = 10 << 20

// NewHTTPClient returns an http.Client whose overall timeout matches the
// per-call context deadline, so a stalled body read cannot outlive it.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

// ReadBody reads at most maxResponseSize bytes of resp.Body and closes it.
func ReadBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxResponseSize {
		return nil, fmt.Errorf("response exceeds %d bytes", maxResponseSize)
	}
	return body, nil
}

// IsSuccess reports whether status is 2xx.
func IsSuccess(status int) bool {
	return status >= 200 && status < 300
}

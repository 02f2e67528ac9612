package transfer

import (
	"context"
	"net/http"

	"github.com/italolelis/filecache/internal/telemetry"
)

// InstrumentedClient wraps Client with telemetry.
type InstrumentedClient struct {
	client     Client
	telemetry  *telemetry.Telemetry
	clientType string
}

// NewInstrumentedClient creates a new instrumented HTTP client.
func NewInstrumentedClient(client Client, tel *telemetry.Telemetry, clientType string) *InstrumentedClient {
	return &InstrumentedClient{
		client:     client,
		telemetry:  tel,
		clientType: clientType,
	}
}

// Do sends the request with telemetry. Non-2xx responses are recorded as errors.
func (c *InstrumentedClient) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response

	instrumentedErr := c.telemetry.InstrumentClientOperation(req.Context(), c.clientType, "get", func(ctx context.Context) error {
		var err error

		resp, err = c.client.Do(req.WithContext(ctx))
		if err != nil {
			return err
		}

		if resp.StatusCode >= http.StatusBadRequest {
			return &NetworkError{Operation: "get", URL: req.URL.String(), StatusCode: resp.StatusCode}
		}

		return nil
	})

	// The response is still handed back on HTTP errors so the caller can
	// read the body and build its own error.
	if resp != nil {
		return resp, nil
	}

	return nil, instrumentedErr
}

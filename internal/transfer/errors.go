package transfer

import "fmt"

// NetworkError represents a failed fetch: connection, DNS and TLS failures,
// unreadable bodies and non-2xx responses.
type NetworkError struct {
	Operation  string // The step that failed (e.g., "get", "read_body")
	URL        string // The URL being fetched
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	Err        error  // Underlying error, if any
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s of %s (HTTP %d): %v", e.Operation, e.URL, e.StatusCode, e.Err)
	}

	return fmt.Sprintf("network error during %s of %s: %v", e.Operation, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// WriteError means the body was fetched but could not be stored in the cache.
// The cache path in the Result does not point at a usable file.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("failed to write cache file %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

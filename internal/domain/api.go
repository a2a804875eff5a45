package domain

import "context"

// APIRequest is one logical request to the backend API.
type APIRequest struct {
	Method string
	Path   string
	Query  map[string]string
	Body   map[string]string
}

// BackendAPI issues authenticated requests to the backend. It returns the
// body of a 2xx answer; other statuses surface as *APIStatusError.
type BackendAPI interface {
	Do(ctx context.Context, req APIRequest) ([]byte, error)
}

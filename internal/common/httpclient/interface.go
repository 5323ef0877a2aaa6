// Package httpclient provides the HTTP client used by the receipt CLI. It adds the
// admin bearer token to requests and turns error responses into HTTPError values.
package httpclient

import "net/http"

// HTTPClientInterface is implemented by the network client and by the in-process
// test client.
type HTTPClientInterface interface {
	// DoRequest makes an HTTP request with the given options.
	// Returns the response body, Location header (if present), and any error that occurred.
	DoRequest(opts RequestOptions) ([]byte, string, error)

	// CreateResource posts data to resourcePath and returns the body and Location header.
	CreateResource(resourcePath string, data []byte) ([]byte, string, error)

	// GetResource retrieves resourceName under resourcePath.
	GetResource(resourcePath string, resourceName string) ([]byte, error)
}

var _ HTTPClientInterface = &HTTPClient{}
var _ HTTPClientInterface = &TestHTTPClient{}

// RequestOptions contains options for making HTTP requests.
type RequestOptions struct {
	Method      string            // HTTP method
	Path        string            // API endpoint path, relative to the server URL
	QueryParams map[string]string // Optional query parameters
	Body        []byte            // Optional request body
}

func (o RequestOptions) method() string {
	if o.Method == "" {
		return http.MethodGet
	}
	return o.Method
}

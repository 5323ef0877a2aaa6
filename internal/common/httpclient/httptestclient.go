package httpclient

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
)

// TestHTTPClient sends requests straight to an http.Handler without a network
// round trip.
type TestHTTPClient struct {
	config  Configurator
	handler http.Handler
}

// NewTestClient creates a client serving requests from handler.
func NewTestClient(config Configurator, handler http.Handler) *TestHTTPClient {
	return &TestHTTPClient{
		config:  config,
		handler: handler,
	}
}

// DoRequest serves the request with an httptest.ResponseRecorder.
func (c *TestHTTPClient) DoRequest(opts RequestOptions) ([]byte, string, error) {
	req, err := buildRequest(c.config, opts)
	if err != nil {
		return nil, "", err
	}
	req.RemoteAddr = "192.0.2.10:40000"

	w := httptest.NewRecorder()
	c.handler.ServeHTTP(w, req)
	resp := w.Result()
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read response body: %v", err)
	}
	body, err = readResponse(resp.StatusCode, body)
	if err != nil {
		return nil, "", err
	}
	return body, resp.Header.Get("Location"), nil
}

// CreateResource posts data to resourcePath.
func (c *TestHTTPClient) CreateResource(resourcePath string, data []byte) ([]byte, string, error) {
	return c.DoRequest(RequestOptions{
		Method: http.MethodPost,
		Path:   resourcePath,
		Body:   data,
	})
}

// GetResource retrieves resourceName under resourcePath.
func (c *TestHTTPClient) GetResource(resourcePath string, resourceName string) ([]byte, error) {
	body, _, err := c.DoRequest(RequestOptions{
		Method: http.MethodGet,
		Path:   resourceURL(resourcePath, resourceName),
	})
	return body, err
}

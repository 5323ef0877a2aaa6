package httpclient

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Configurator provides the server location and credentials.
type Configurator interface {
	GetServerURL() string
	GetToken() string
	GetTokenExpiry() time.Time
	SkipTLSVerify() bool
}

// HTTPError is an error response from the server. Body holds the raw response so
// callers can inspect structured failures such as verification results.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
	Body       []byte
}

// Error implements the error interface for HTTPError.
func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s)", e.Message, e.Code)
	}
	return e.Message
}

// HTTPClient makes requests to the receipt service.
type HTTPClient struct {
	config     Configurator
	httpClient *http.Client
}

// NewClient creates a new HTTP client using the provided configuration.
func NewClient(config Configurator) *HTTPClient {
	httpClient := &http.Client{Timeout: 30 * time.Second}
	if config.SkipTLSVerify() {
		httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: true,
			},
		}
	}
	return &HTTPClient{
		config:     config,
		httpClient: httpClient,
	}
}

// buildRequest resolves opts against the server URL and attaches the token when it
// has not expired.
func buildRequest(config Configurator, opts RequestOptions) (*http.Request, error) {
	u, err := url.Parse(config.GetServerURL())
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %v", err)
	}
	if u.Path == "" {
		u.Path = "/"
	}
	u.Path = path.Join(u.Path, opts.Path)

	q := u.Query()
	for k, v := range opts.QueryParams {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()

	var body io.Reader = http.NoBody
	if opts.Body != nil {
		body = bytes.NewReader(opts.Body)
	}
	req, err := http.NewRequest(opts.method(), u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if token := config.GetToken(); token != "" {
		expiry := config.GetTokenExpiry()
		if expiry.IsZero() || time.Now().Before(expiry) {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	return req, nil
}

// readResponse returns the body of a successful response, or an HTTPError.
func readResponse(statusCode int, body []byte) ([]byte, error) {
	if statusCode < 400 {
		return body, nil
	}
	httpErr := &HTTPError{StatusCode: statusCode, Body: body}
	if gjson.ValidBytes(body) {
		httpErr.Code = gjson.GetBytes(body, "code").String()
		httpErr.Message = gjson.GetBytes(body, "error").String()
	}
	if httpErr.Message == "" {
		if statusCode == http.StatusNotFound && httpErr.Code == "" {
			httpErr.Message = "server doesn't implement this endpoint"
		} else if httpErr.Code != "" {
			httpErr.Message = http.StatusText(statusCode)
		} else {
			httpErr.Message = strings.TrimSpace(string(body))
		}
	}
	return nil, httpErr
}

// DoRequest makes an HTTP request with the given options.
// Returns the response body, Location header (if present), and any error that occurred.
func (c *HTTPClient) DoRequest(opts RequestOptions) ([]byte, string, error) {
	req, err := buildRequest(c.config, opts)
	if err != nil {
		return nil, "", err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("request failed: %v", err)
	}
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
func (c *HTTPClient) CreateResource(resourcePath string, data []byte) ([]byte, string, error) {
	return c.DoRequest(RequestOptions{
		Method: http.MethodPost,
		Path:   resourcePath,
		Body:   data,
	})
}

// GetResource retrieves resourceName under resourcePath.
func (c *HTTPClient) GetResource(resourcePath string, resourceName string) ([]byte, error) {
	body, _, err := c.DoRequest(RequestOptions{
		Method: http.MethodGet,
		Path:   resourceURL(resourcePath, resourceName),
	})
	return body, err
}

func resourceURL(resourcePath, resourceName string) string {
	resourcePath = strings.Trim(resourcePath, "/")
	resourceName = strings.Trim(resourceName, "/")
	if resourceName == "" {
		return resourcePath
	}
	return resourcePath + "/" + url.PathEscape(resourceName)
}

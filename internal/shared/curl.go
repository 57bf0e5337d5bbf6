// Utilities for parsing cURL snippets copied from the RapidAPI console.
package shared

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
)

var (
	curlHeaderRegex = regexp.MustCompile(`(?:-H|--header)\s+'([^']+)'|(?:-H|--header)\s+"([^"]+)"`)
	curlMethodRegex = regexp.MustCompile(`(?:-X|--request)\s+'?"?([A-Za-z]+)`)
	curlURLRegex    = regexp.MustCompile(`(?:--url\s+)?'?"?(https?://[^\s'"]+)`)
)

// CurlRequest is the request described by a cURL command.
type CurlRequest struct {
	Method  string
	URL     string
	Headers map[string]string
}

// RapidAPICredential is a key and endpoint extracted from a RapidAPI code snippet.
type RapidAPICredential struct {
	Key     string
	Host    string
	Path    string
	Method  string
	IDParam string
}

// ParseCurlFile reads a .sh file containing a cURL command and parses it.
func ParseCurlFile(filepath string) (*CurlRequest, error) {
	content, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to read curl file: %w", err)
	}

	return ParseCurlCommand(content)
}

// ParseCurlCommand parses a cURL command string into its method, URL and headers.
func ParseCurlCommand(data []byte) (*CurlRequest, error) {
	cmd := string(data)
	cmd = strings.ReplaceAll(cmd, "\\\r\n", " ")
	cmd = strings.ReplaceAll(cmd, "\\\n", " ")

	req := &CurlRequest{Method: "GET", Headers: make(map[string]string)}

	for _, match := range curlHeaderRegex.FindAllStringSubmatch(cmd, -1) {
		line := match[1]
		if line == "" {
			line = match[2]
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		req.Headers[strings.ToLower(strings.TrimSpace(key))] = strings.TrimSpace(value)
	}

	if m := curlMethodRegex.FindStringSubmatch(cmd); m != nil {
		req.Method = strings.ToUpper(m[1])
	}

	if m := curlURLRegex.FindStringSubmatch(cmd); m != nil {
		req.URL = m[1]
	}

	if req.URL == "" {
		return nil, fmt.Errorf("%w: no URL found in curl command", ErrInvalidInput)
	}

	return req, nil
}

// Header returns the value of a header, matched case-insensitively.
func (c *CurlRequest) Header(name string) string {
	return c.Headers[strings.ToLower(name)]
}

// RapidAPI extracts the X-RapidAPI-Key and X-RapidAPI-Host headers along with the endpoint path.
//
// The id parameter is guessed from the first query parameter of the snippet URL.
func (c *CurlRequest) RapidAPI() (*RapidAPICredential, error) {
	key := c.Header("X-RapidAPI-Key")
	if key == "" {
		return nil, fmt.Errorf("%w: x-rapidapi-key header not found", ErrMissingCredentials)
	}

	u, err := url.Parse(c.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	host := c.Header("X-RapidAPI-Host")
	if host == "" {
		host = u.Hostname()
	}

	cred := &RapidAPICredential{
		Key:    key,
		Host:   host,
		Path:   u.Path,
		Method: c.Method,
	}
	if raw := u.RawQuery; raw != "" {
		first, _, _ := strings.Cut(raw, "&")
		name, _, _ := strings.Cut(first, "=")
		cred.IDParam = name
	}
	if cred.Path == "" {
		cred.Path = "/"
	}
	return cred, nil
}

// EndpointTOML renders the credential's endpoint as a [[providers.rapidapi.endpoints]] table.
func (r *RapidAPICredential) EndpointTOML(maxRequests int) string {
	idParam := r.IDParam
	if idParam == "" {
		idParam = "id"
	}

	var b strings.Builder
	b.WriteString("[[providers.rapidapi.endpoints]]\n")
	fmt.Fprintf(&b, "host = %q\n", r.Host)
	fmt.Fprintf(&b, "path = %q\n", r.Path)
	fmt.Fprintf(&b, "method = %q\n", r.Method)
	fmt.Fprintf(&b, "id_param = %q\n", idParam)
	fmt.Fprintf(&b, "max_requests = %d\n", maxRequests)
	return b.String()
}

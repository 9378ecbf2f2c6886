// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package request provides utilities for making HTTP requests.
package request

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"go.astrophena.name/tgproxy/internal/version"
)

// DefaultClient is a [http.Client] with nice defaults.
var DefaultClient = &http.Client{
	Timeout: 10 * time.Second,
}

// Params defines the parameters needed for making an HTTP request.
type Params struct {
	// Method is the HTTP method (GET, POST, etc.) for the request.
	Method string
	// URL is the target URL of the request.
	URL string
	// Headers is a map of key-value pairs for additional request headers.
	Headers map[string]string
	// Body is any data to be sent in the request body. It will be marshaled to
	// JSON. Mutually exclusive with Form and Files.
	Body any
	// Form is a map of form fields sent as multipart/form-data together with
	// Files. Ignored when Files is empty and Body is set.
	Form map[string]string
	// Files is a map of multipart file attachments, keyed by field name.
	// When present, the request is encoded as multipart/form-data.
	Files map[string]File
	// HTTPClient is an optional custom HTTP client object to use for the request.
	// If not provided, DefaultClient will be used.
	HTTPClient *http.Client
	// Scrubber is an optional strings.Replacer that scrubs unwanted data from
	// error messages.
	Scrubber *strings.Replacer
}

// File is a file attachment sent in a multipart request.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// StatusError is returned when the response status code is not 200.
type StatusError struct {
	StatusCode int
	Body       []byte
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("want 200, got %d: %s", e.StatusCode, e.Body)
}

// IgnoreResponse can be used as a type parameter for [Make] to skip
// unmarshaling of the response body.
type IgnoreResponse struct{}

type scrubbedError struct {
	err      error
	scrubber *strings.Replacer
}

func (se *scrubbedError) Error() string {
	if se.scrubber != nil {
		return se.scrubber.Replace(se.err.Error())
	}
	return se.err.Error()
}

func (se *scrubbedError) Unwrap() error { return se.err }

func scrubErr(err error, scrubber *strings.Replacer) error {
	return &scrubbedError{err: err, scrubber: scrubber}
}

// Make makes an HTTP request with the provided parameters and unmarshals the
// JSON response body into the specified type.
func Make[Response any](ctx context.Context, p Params) (Response, error) {
	var resp Response

	var (
		br          io.Reader
		contentType string
	)
	switch {
	case len(p.Files) > 0:
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		for field, value := range p.Form {
			if err := mw.WriteField(field, value); err != nil {
				return resp, scrubErr(err, p.Scrubber)
			}
		}
		for field, file := range p.Files {
			h := make(textproto.MIMEHeader)
			h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, file.Name))
			if file.ContentType != "" {
				h.Set("Content-Type", file.ContentType)
			}
			fw, err := mw.CreatePart(h)
			if err != nil {
				return resp, scrubErr(err, p.Scrubber)
			}
			if _, err := fw.Write(file.Data); err != nil {
				return resp, scrubErr(err, p.Scrubber)
			}
		}
		if err := mw.Close(); err != nil {
			return resp, scrubErr(err, p.Scrubber)
		}
		br = &buf
		contentType = mw.FormDataContentType()
	case p.Body != nil:
		data, err := json.Marshal(p.Body)
		if err != nil {
			return resp, scrubErr(err, p.Scrubber)
		}
		br = bytes.NewReader(data)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, p.Method, p.URL, br)
	if err != nil {
		return resp, scrubErr(err, p.Scrubber)
	}

	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", version.UserAgent())
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	httpc := DefaultClient
	if p.HTTPClient != nil {
		httpc = p.HTTPClient
	}

	res, err := httpc.Do(req)
	if err != nil {
		return resp, scrubErr(err, p.Scrubber)
	}
	defer res.Body.Close()

	b, err := io.ReadAll(res.Body)
	if err != nil {
		return resp, scrubErr(err, p.Scrubber)
	}

	if res.StatusCode != http.StatusOK {
		return resp, scrubErr(&StatusError{StatusCode: res.StatusCode, Body: b}, p.Scrubber)
	}

	if _, ok := any(resp).(IgnoreResponse); ok {
		return resp, nil
	}

	if err := json.Unmarshal(b, &resp); err != nil {
		return resp, scrubErr(err, p.Scrubber)
	}

	return resp, nil
}

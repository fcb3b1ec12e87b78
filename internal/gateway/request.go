package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// DefaultMaxBodyBytes bounds request bodies read by the gateway.
const DefaultMaxBodyBytes = 16 << 20

// ErrBodyTooLarge is returned by NewRequest when the body exceeds the limit.
var ErrBodyTooLarge = errors.New("request body too large")

// Request is an inbound HTTP request captured for an applet invocation.
type Request struct {
	Method string
	Header http.Header
	// Cookie is the raw Cookie header, empty when absent.
	Cookie     string
	Path       string
	RawQuery   string
	Body       []byte
	RemoteAddr string
}

// NewRequest reads r fully, including at most maxBody body bytes.
func NewRequest(r *http.Request, maxBody int64) (*Request, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > maxBody {
		return nil, ErrBodyTooLarge
	}

	return &Request{
		Method:     r.Method,
		Header:     r.Header.Clone(),
		Cookie:     r.Header.Get("Cookie"),
		Path:       r.URL.EscapedPath(),
		RawQuery:   r.URL.RawQuery,
		Body:       body,
		RemoteAddr: r.RemoteAddr,
	}, nil
}

// Response is the HTTP response produced for an invocation.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// jsonResponse builds a Response with v encoded as its JSON body.
func jsonResponse(code int, v any) *Response {
	body, err := json.Marshal(v)
	if err != nil {
		code = http.StatusInternalServerError
		body = []byte(`{"error":"encode response","kind":"Internal"}`)
	}
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	return &Response{StatusCode: code, Header: h, Body: body}
}

// Write copies the response to w.
func (r *Response) Write(w http.ResponseWriter) {
	for k, v := range r.Header {
		w.Header()[k] = v
	}
	w.WriteHeader(r.StatusCode)
	_, _ = w.Write(r.Body)
}

// ErrorBody is the JSON body of a failed invocation.
type ErrorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

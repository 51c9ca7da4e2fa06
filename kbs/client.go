// Copyright 2022 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package kbs implements the client side of the key broker protocol that attests SEV launches and
// releases their secrets.
package kbs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"
)

// SessionCookie is the attribute that carries the broker session id.
const SessionCookie = "session_id"

// TransportError is a failed HTTP exchange: either no response or an unsuccessful status.
type TransportError struct {
	Method string
	URL    string
	// Status is the HTTP status code, or 0 if no response arrived.
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
	}
	return fmt.Sprintf("%s %s: HTTP status %d", e.Method, e.URL, e.Status)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Session is the broker session of one launch. The broker assigns its id in a response header and
// the client echoes it as a cookie afterwards.
type Session struct {
	mu sync.Mutex
	id string
}

// ID returns the session id, or "" before the broker assigned one.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// SetID records the session id.
func (s *Session) SetID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = id
}

// ExtractSessionID returns the value of the first ";"-separated name=value pair of a header line
// whose name contains "session_id".
func ExtractSessionID(line []byte) (string, bool) {
	if !utf8.Valid(line) {
		return "", false
	}
	header := string(line)
	if !strings.Contains(header, SessionCookie) {
		return "", false
	}
	for _, part := range strings.Split(header, ";") {
		elems := strings.Split(part, "=")
		if len(elems) == 2 && strings.Contains(elems[0], SessionCookie) {
			return elems[1], true
		}
	}
	return "", false
}

// sessionIDFromHeader scans the response header lines, in header name order, for a session id.
func sessionIDFromHeader(h http.Header) (string, bool) {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, value := range h[name] {
			if id, ok := ExtractSessionID([]byte(name + ": " + value)); ok {
				return id, true
			}
		}
	}
	return "", false
}

// Client is an HTTP client for the key broker and AMD's certificate services. Requests are
// serialized.
type Client struct {
	mu   sync.Mutex
	HTTP *http.Client
}

// NewClient returns a client that sends requests with hc, or http.DefaultClient if hc is nil.
func NewClient(hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{HTTP: hc}
}

func (c *Client) do(req *http.Request, sess *Session) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sess != nil {
		if id := sess.ID(); id != "" {
			req.Header.Set("Cookie", SessionCookie+"="+id)
		}
	}
	terr := &TransportError{Method: req.Method, URL: req.URL.String()}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		terr.Err = err
		return nil, terr
	}
	defer resp.Body.Close()
	if sess != nil {
		if id, ok := sessionIDFromHeader(resp.Header); ok {
			sess.SetID(id)
		}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		terr.Err = err
		return nil, terr
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		terr.Status = resp.StatusCode
		return nil, terr
	}
	return body, nil
}

func (c *Client) get(ctx context.Context, sess *Session, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &TransportError{Method: http.MethodGet, URL: url, Err: err}
	}
	return c.do(req, sess)
}

// Get returns the body of an unauthenticated GET.
func (c *Client) Get(ctx context.Context, url string) ([]byte, error) {
	return c.get(ctx, nil, url)
}

// GetWithSession returns the body of a GET that carries the session cookie.
func (c *Client) GetWithSession(ctx context.Context, sess *Session, url string) ([]byte, error) {
	return c.get(ctx, sess, url)
}

// Post sends a JSON body and returns the response body. The session cookie is attached once the
// session has an id, and a session id in the response headers is recorded in sess.
func (c *Client) Post(ctx context.Context, sess *Session, url string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{Method: http.MethodPost, URL: url, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	return c.do(req, sess)
}

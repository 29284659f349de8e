// Package httpwire serializes and parses raw HTTP/1.0 requests and
// responses over an already-open byte stream. It never dials anything
// itself; the façade in pkg/client writes EncodeRequest's output to a
// stream and hands the bytes it reads back to DecodeResponse.
package httpwire

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/opd-ai/torcache/pkg/errors"
)

// MaxResponseHeaders bounds how many response headers DecodeResponse will
// parse; any beyond this count are dropped rather than rejected, since a
// one-shot fetch has no use for header hundreds deep and an attacker who
// controls the response shouldn't be able to force unbounded allocation.
const MaxResponseHeaders = 16

// HTTP10 is the only protocol version this wire format accepts or emits.
const HTTP10 = "HTTP/1.0"

// Request is a one-shot HTTP/1.0 request: method, URI components, headers,
// and an optional body. A Host header is required by the contract (the
// caller sets it, matching how a real client would address a vhost) but is
// not implicitly synthesized here.
//
// Version must be HTTP10 (or empty, which is treated as HTTP10 for callers
// that don't care to spell it out); any other value is rejected by
// EncodeRequest before anything is written to the wire.
type Request struct {
	Method  string
	Path    string // path and, if present, "?query"
	Version string
	Headers []Header
	Body    []byte
}

// Response is the result of decoding a raw HTTP/1.0 (or 1.1, tolerated on
// read) response: status line, headers in wire order, and body bytes.
type Response struct {
	StatusCode int
	Version    string
	Headers    []Header
	Body       []byte
}

// Header is a single wire header in the order it appeared.
type Header struct {
	Name  string
	Value string
}

// Get returns the value of the first header matching name
// case-insensitively, and whether one was found.
func (r *Response) Get(name string) (string, bool) {
	for _, h := range r.Headers {
		if textproto.CanonicalMIMEHeaderKey(h.Name) == textproto.CanonicalMIMEHeaderKey(name) {
			return h.Value, true
		}
	}
	return "", false
}

// EncodeRequest serializes req as a raw HTTP/1.0 request: request line,
// headers in the order given, a blank line, then the body verbatim.
func EncodeRequest(req *Request) ([]byte, error) {
	if req.Method == "" {
		return nil, fmt.Errorf("httpwire: method is required")
	}
	if req.Path == "" {
		return nil, fmt.Errorf("httpwire: path is required")
	}
	if req.Version != "" && req.Version != HTTP10 {
		return nil, errors.UnsupportedVersionError(req.Version)
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s %s\r\n", req.Method, req.Path, HTTP10)
	for _, h := range req.Headers {
		fmt.Fprintf(&buf, "%s: %s\r\n", h.Name, h.Value)
	}
	buf.WriteString("\r\n")
	buf.Write(req.Body)

	return buf.Bytes(), nil
}

// DecodeResponse reads a raw HTTP response from r until EOF, parsing the
// status line, up to MaxResponseHeaders headers, and the remaining bytes
// as the body. An io.ErrUnexpectedEOF encountered while reading the body
// is swallowed: some servers close the TLS connection without a close_notify,
// and what has been read so far is still a complete, usable response.
func DecodeResponse(r io.Reader) (*Response, error) {
	br := bufio.NewReader(r)
	tp := textproto.NewReader(br)

	statusLine, err := tp.ReadLine()
	if err != nil {
		return nil, fmt.Errorf("httpwire: read status line: %w", err)
	}

	version, code, err := parseStatusLine(statusLine)
	if err != nil {
		return nil, err
	}

	resp := &Response{StatusCode: code, Version: version}

	for len(resp.Headers) <= MaxResponseHeaders {
		line, err := tp.ReadLine()
		if err != nil {
			return nil, fmt.Errorf("httpwire: read header: %w", err)
		}
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("httpwire: malformed header line %q", line)
		}
		if len(resp.Headers) == MaxResponseHeaders {
			continue
		}
		resp.Headers = append(resp.Headers, Header{
			Name:  textproto.TrimString(name),
			Value: textproto.TrimString(value),
		})
	}

	body, err := io.ReadAll(br)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("httpwire: read body: %w", err)
	}
	resp.Body = body

	return resp, nil
}

func parseStatusLine(line string) (version string, code int, err error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return "", 0, fmt.Errorf("httpwire: malformed status line %q", line)
	}
	if !strings.HasPrefix(parts[0], "HTTP/") {
		return "", 0, fmt.Errorf("httpwire: not an HTTP response: %q", line)
	}
	code, err = strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, fmt.Errorf("httpwire: malformed status code %q: %w", parts[1], err)
	}
	return parts[0], code, nil
}

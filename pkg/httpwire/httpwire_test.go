package httpwire

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/opd-ai/torcache/pkg/errors"
)

func TestEncodeRequestShape(t *testing.T) {
	req := &Request{
		Method: "GET",
		Path:   "/index.html",
		Headers: []Header{
			{Name: "Host", Value: "example.com"},
			{Name: "Accept", Value: "*/*"},
		},
	}

	raw, err := EncodeRequest(req)
	if err != nil {
		t.Fatalf("EncodeRequest() failed: %v", err)
	}

	want := "GET /index.html HTTP/1.0\r\nHost: example.com\r\nAccept: */*\r\n\r\n"
	if string(raw) != want {
		t.Errorf("EncodeRequest() = %q, want %q", raw, want)
	}
}

func TestEncodeRequestIncludesBody(t *testing.T) {
	req := &Request{
		Method:  "POST",
		Path:    "/submit",
		Headers: []Header{{Name: "Host", Value: "example.com"}},
		Body:    []byte("key1=val1&key2=val2"),
	}

	raw, err := EncodeRequest(req)
	if err != nil {
		t.Fatalf("EncodeRequest() failed: %v", err)
	}
	if !bytes.HasSuffix(raw, req.Body) {
		t.Errorf("EncodeRequest() body not appended: %q", raw)
	}
}

func TestEncodeRequestRejectsMissingMethod(t *testing.T) {
	_, err := EncodeRequest(&Request{Path: "/"})
	if err == nil {
		t.Fatal("expected error for missing method")
	}
}

func TestEncodeRequestAcceptsEmptyOrHTTP10Version(t *testing.T) {
	for _, version := range []string{"", HTTP10} {
		req := &Request{Method: "GET", Path: "/", Version: version}
		if _, err := EncodeRequest(req); err != nil {
			t.Errorf("EncodeRequest() with Version %q failed: %v", version, err)
		}
	}
}

func TestEncodeRequestRejectsUnsupportedVersion(t *testing.T) {
	req := &Request{Method: "GET", Path: "/", Version: "HTTP/1.1"}
	_, err := EncodeRequest(req)
	if err == nil {
		t.Fatal("expected error for HTTP/1.1 request")
	}
	if errors.GetCategory(err) != errors.CategoryProtocol || errors.IsRetryable(err) {
		t.Errorf("EncodeRequest() version error has wrong category/retryability: %v", err)
	}
}

func TestDecodeResponseBasic(t *testing.T) {
	raw := "HTTP/1.0 200 OK\r\nContent-Type: text/plain\r\nContent-Length: 5\r\n\r\nhello"
	resp, err := DecodeResponse(strings.NewReader(raw))
	if err != nil {
		t.Fatalf("DecodeResponse() failed: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}
	if resp.Version != "HTTP/1.0" {
		t.Errorf("Version = %q, want HTTP/1.0", resp.Version)
	}
	if ct, ok := resp.Get("content-type"); !ok || ct != "text/plain" {
		t.Errorf("Get(content-type) = %q, %v", ct, ok)
	}
	if string(resp.Body) != "hello" {
		t.Errorf("Body = %q, want hello", resp.Body)
	}
}

func TestDecodeResponseCapsHeadersAt16(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("HTTP/1.1 200 OK\r\n")
	for i := 0; i < 30; i++ {
		fmt.Fprintf(&sb, "X-Header-%d: value%d\r\n", i, i)
	}
	sb.WriteString("\r\nbody-bytes")

	resp, err := DecodeResponse(strings.NewReader(sb.String()))
	if err != nil {
		t.Fatalf("DecodeResponse() failed: %v", err)
	}
	if len(resp.Headers) != MaxResponseHeaders {
		t.Errorf("len(Headers) = %d, want %d", len(resp.Headers), MaxResponseHeaders)
	}
	if string(resp.Body) != "body-bytes" {
		t.Errorf("Body = %q, want body-bytes", resp.Body)
	}
}

// unexpectedEOFReader returns io.ErrUnexpectedEOF instead of io.EOF once
// its underlying data is exhausted, emulating a TLS stream closed without
// a close_notify.
type unexpectedEOFReader struct {
	r io.Reader
}

func (u *unexpectedEOFReader) Read(p []byte) (int, error) {
	n, err := u.r.Read(p)
	if err == io.EOF {
		if n > 0 {
			return n, nil
		}
		return 0, io.ErrUnexpectedEOF
	}
	return n, err
}

func TestDecodeResponseTreatsUnexpectedEOFAsCleanClose(t *testing.T) {
	raw := "HTTP/1.0 200 OK\r\nContent-Type: text/plain\r\n\r\npartial-body"
	resp, err := DecodeResponse(&unexpectedEOFReader{r: strings.NewReader(raw)})
	if err != nil {
		t.Fatalf("DecodeResponse() should tolerate unexpected EOF, got: %v", err)
	}
	if string(resp.Body) != "partial-body" {
		t.Errorf("Body = %q, want partial-body", resp.Body)
	}
}

func TestDecodeResponseRejectsMalformedStatusLine(t *testing.T) {
	_, err := DecodeResponse(strings.NewReader("not a status line\r\n\r\n"))
	if err == nil {
		t.Fatal("expected error for malformed status line")
	}
}

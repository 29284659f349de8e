// Package ffi exposes the client façade across a C ABI for mobile hosts
// (iOS/Android), mirroring the call shape of the Rust original's
// logger_init/client_new/client_send/client_free: a process-wide logger
// latch, an opaque integer handle standing in for a pinned client pointer,
// and client_new and client_send wrapped in recover() so a panic inside
// them is returned as an error string instead of unwinding across the cgo
// boundary. logger_init, client_free, free_response and free_string do not
// recover panics.
package main

/*
#include <stdlib.h>

typedef struct {
	char*  name;
	char*  value;
} CHeader;

typedef struct {
	int       status_code;
	char*     version;
	CHeader*  headers;
	int       header_count;
	unsigned char* body;
	int       body_len;
	char*     error; // non-NULL on failure; all other fields are zero-valued
} CResponse;
*/
import "C"

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
	"unsafe"

	"github.com/opd-ai/torcache/pkg/client"
	"github.com/opd-ai/torcache/pkg/config"
	"github.com/opd-ai/torcache/pkg/httpwire"
	"github.com/opd-ai/torcache/pkg/logger"
)

var (
	loggerOnce    sync.Once
	defaultLogger *logger.Logger
)

var (
	handlesMu sync.Mutex
	handles   = map[int64]*client.Client{}
	nextID    int64
)

// logger_init installs the process-wide structured logger exactly once;
// later calls are no-ops, matching the Rust original's
// "expect to be the only logger" do-once contract without panicking on a
// second call from a host that doesn't track whether it already did.
//
//export logger_init
func logger_init() {
	loggerOnce.Do(func() {
		defaultLogger = logger.New(slog.LevelInfo, os.Stderr)
	})
}

// client_new constructs and bootstraps a Client rooted at cacheDir, fetching
// the archive/churn URLs as needed, and returns an opaque handle. A
// negative return value indicates failure; *cErr (if non-NULL) is set to a
// newly C-allocated error string the caller must free with free_string.
//
//export client_new
func client_new(cacheDir, archiveURL, churnURL *C.char, cErr **C.char) C.longlong {
	var handle C.longlong = -1
	func() {
		defer recoverInto(cErr)

		cfg := config.DefaultConfig()
		cfg.CacheDir = C.GoString(cacheDir)
		cfg.ArchiveURL = C.GoString(archiveURL)
		cfg.ChurnURL = C.GoString(churnURL)

		c, err := client.New(cfg, defaultLogger)
		if err != nil {
			setErr(cErr, err)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := c.Bootstrap(ctx); err != nil {
			setErr(cErr, err)
			return
		}

		handlesMu.Lock()
		nextID++
		id := nextID
		handles[id] = c
		handlesMu.Unlock()

		handle = C.longlong(id)
	}()
	return handle
}

// client_send performs one HTTP request over the client identified by
// handle. version must be "HTTP/1.0" or empty; anything else is rejected
// by Client.Send before any network I/O, matching the host-facing
// contract exactly. Headers are passed as a single "Name: Value\n"-
// separated blob rather than a C array-of-structs, trading a little
// flexibility for a much smaller marshaling surface across the cgo
// boundary.
//
//export client_send
func client_send(handle C.longlong, host *C.char, port C.int, method, path, version, headerBlob *C.char, body *C.uchar, bodyLen C.int) C.CResponse {
	var resp C.CResponse
	func() {
		defer recoverIntoResponse(&resp)

		handlesMu.Lock()
		c, ok := handles[int64(handle)]
		handlesMu.Unlock()
		if !ok {
			resp.error = C.CString("unknown client handle")
			return
		}

		req := &httpwire.Request{
			Method:  C.GoString(method),
			Path:    C.GoString(path),
			Version: C.GoString(version),
			Headers: parseHeaderBlob(C.GoString(headerBlob)),
		}
		if bodyLen > 0 {
			req.Body = C.GoBytes(unsafe.Pointer(body), bodyLen)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		r, err := c.Send(ctx, C.GoString(host), uint16(port), req)
		if err != nil {
			resp.error = C.CString(err.Error())
			return
		}

		resp.status_code = C.int(r.StatusCode)
		resp.version = C.CString(r.Version)
		resp.headers, resp.header_count = toCHeaders(r.Headers)
		if len(r.Body) > 0 {
			resp.body = (*C.uchar)(C.CBytes(r.Body))
			resp.body_len = C.int(len(r.Body))
		}
	}()
	return resp
}

// client_free releases the handle. The client and its circuits are left for
// the garbage collector; there is no native memory to release on the Go
// side beyond removing the map entry, since Go cannot hand a raw pointer
// across the FFI boundary the way the Rust original's
// ManuallyDrop<Box<...>> does.
//
//export client_free
func client_free(handle C.longlong) {
	handlesMu.Lock()
	delete(handles, int64(handle))
	handlesMu.Unlock()
}

// free_response releases the C-allocated fields of a CResponse returned by
// client_send. The caller owns the struct itself (it is returned by value)
// but must call this to release the strings/bytes/header array within it.
//
//export free_response
func free_response(resp C.CResponse) {
	if resp.error != nil {
		C.free(unsafe.Pointer(resp.error))
	}
	if resp.version != nil {
		C.free(unsafe.Pointer(resp.version))
	}
	if resp.body != nil {
		C.free(unsafe.Pointer(resp.body))
	}
	if resp.headers != nil {
		hdrs := unsafe.Slice(resp.headers, int(resp.header_count))
		for i := range hdrs {
			C.free(unsafe.Pointer(hdrs[i].name))
			C.free(unsafe.Pointer(hdrs[i].value))
		}
		C.free(unsafe.Pointer(resp.headers))
	}
}

//export free_string
func free_string(s *C.char) {
	C.free(unsafe.Pointer(s))
}

func setErr(cErr **C.char, err error) {
	if cErr != nil {
		*cErr = C.CString(err.Error())
	}
}

func recoverInto(cErr **C.char) {
	if r := recover(); r != nil {
		setErr(cErr, fmt.Errorf("panic: %v", r))
	}
}

func recoverIntoResponse(resp *C.CResponse) {
	if r := recover(); r != nil {
		resp.error = C.CString(fmt.Sprintf("panic: %v", r))
	}
}

func parseHeaderBlob(blob string) []httpwire.Header {
	var headers []httpwire.Header
	start := 0
	for i := 0; i <= len(blob); i++ {
		if i == len(blob) || blob[i] == '\n' {
			line := blob[start:i]
			start = i + 1
			if line == "" {
				continue
			}
			for j := 0; j < len(line); j++ {
				if line[j] == ':' {
					name := line[:j]
					value := line[j+1:]
					if len(value) > 0 && value[0] == ' ' {
						value = value[1:]
					}
					headers = append(headers, httpwire.Header{Name: name, Value: value})
					break
				}
			}
		}
	}
	return headers
}

func toCHeaders(headers []httpwire.Header) (*C.CHeader, C.int) {
	if len(headers) == 0 {
		return nil, 0
	}
	arr := C.malloc(C.size_t(len(headers)) * C.size_t(unsafe.Sizeof(C.CHeader{})))
	out := unsafe.Slice((*C.CHeader)(arr), len(headers))
	for i, h := range headers {
		out[i] = C.CHeader{name: C.CString(h.Name), value: C.CString(h.Value)}
	}
	return (*C.CHeader)(arr), C.int(len(headers))
}

// main is required by package main but is never called: this package is
// only ever built with -buildmode=c-shared or -buildmode=c-archive.
func main() {}

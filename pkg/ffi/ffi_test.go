package main

import (
	"testing"

	"github.com/opd-ai/torcache/pkg/httpwire"
)

func TestParseHeaderBlobEmpty(t *testing.T) {
	if got := parseHeaderBlob(""); got != nil {
		t.Errorf("parseHeaderBlob(\"\") = %v, want nil", got)
	}
}

func TestParseHeaderBlobSingle(t *testing.T) {
	got := parseHeaderBlob("Host: example.com\n")
	want := []httpwire.Header{{Name: "Host", Value: "example.com"}}
	if len(got) != 1 || got[0] != want[0] {
		t.Errorf("parseHeaderBlob() = %v, want %v", got, want)
	}
}

func TestParseHeaderBlobMultipleNoTrailingNewline(t *testing.T) {
	got := parseHeaderBlob("Host: example.com\nConnection: close")
	want := []httpwire.Header{
		{Name: "Host", Value: "example.com"},
		{Name: "Connection", Value: "close"},
	}
	if len(got) != len(want) {
		t.Fatalf("parseHeaderBlob() returned %d headers, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("header[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestParseHeaderBlobIgnoresBlankLines(t *testing.T) {
	got := parseHeaderBlob("Host: example.com\n\nConnection: close\n")
	if len(got) != 2 {
		t.Fatalf("parseHeaderBlob() returned %d headers, want 2", len(got))
	}
}

func TestParseHeaderBlobValueWithColon(t *testing.T) {
	got := parseHeaderBlob("X-Time: 12:34:56\n")
	if len(got) != 1 || got[0].Name != "X-Time" || got[0].Value != "12:34:56" {
		t.Errorf("parseHeaderBlob() = %v, want single header X-Time: 12:34:56", got)
	}
}

func TestHandleTableInsertAndDelete(t *testing.T) {
	handlesMu.Lock()
	nextID++
	id := nextID
	handles[id] = nil
	handlesMu.Unlock()

	handlesMu.Lock()
	_, ok := handles[id]
	handlesMu.Unlock()
	if !ok {
		t.Fatal("handle not present after insert")
	}

	handlesMu.Lock()
	delete(handles, id)
	handlesMu.Unlock()

	handlesMu.Lock()
	_, ok = handles[id]
	handlesMu.Unlock()
	if ok {
		t.Fatal("handle still present after delete")
	}
}

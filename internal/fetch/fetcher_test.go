package fetch

import (
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestFetch_StatusAndBytes(t *testing.T) {
	body := strings.Repeat("x", 1234)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Probe", "yes")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(body))
	}))
	defer srv.Close()

	c := NewClient(Options{Timeout: 5 * time.Second})
	out := c.Fetch(context.Background(), srv.URL)

	if out.Err != "" {
		t.Fatalf("unexpected error: %s", out.Err)
	}
	if out.StatusCode != http.StatusOK {
		t.Fatalf("StatusCode = %d, want 200", out.StatusCode)
	}
	if out.Bytes != int64(len(body)) {
		t.Fatalf("Bytes = %d, want %d", out.Bytes, len(body))
	}
	if out.Headers["x-probe"] != "yes" {
		t.Fatalf("headers not lowercased: %v", out.Headers)
	}
}

func TestFetch_WireVersusDecodedBytes(t *testing.T) {
	// Compressible payload so the gzip size differs clearly.
	body := strings.Repeat("abcdefgh", 4096)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			w.Write([]byte(body))
			return
		}
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		gz.Write([]byte(body))
		gz.Close()
	}))
	defer srv.Close()

	wire := NewClient(Options{Timeout: 5 * time.Second}).Fetch(context.Background(), srv.URL)
	if wire.Err != "" {
		t.Fatalf("wire fetch failed: %s", wire.Err)
	}
	if wire.Bytes >= int64(len(body)) {
		t.Fatalf("wire bytes %d not smaller than decoded size %d", wire.Bytes, len(body))
	}

	decoded := NewClient(Options{Timeout: 5 * time.Second, Decompress: true}).Fetch(context.Background(), srv.URL)
	if decoded.Err != "" {
		t.Fatalf("decoded fetch failed: %s", decoded.Err)
	}
	if decoded.Bytes != int64(len(body)) {
		t.Fatalf("decoded bytes = %d, want %d", decoded.Bytes, len(body))
	}
}

func TestFetch_FollowsRedirects(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/start" {
			http.Redirect(w, r, srv.URL+"/end", http.StatusFound)
			return
		}
		w.Write([]byte("landed"))
	}))
	defer srv.Close()

	out := NewClient(Options{Timeout: 5 * time.Second}).Fetch(context.Background(), srv.URL+"/start")
	if out.Err != "" {
		t.Fatalf("unexpected error: %s", out.Err)
	}
	if out.StatusCode != http.StatusOK {
		t.Fatalf("StatusCode = %d, want 200 after redirect", out.StatusCode)
	}
	if out.Bytes != int64(len("landed")) {
		t.Fatalf("Bytes = %d, want %d", out.Bytes, len("landed"))
	}
}

func TestFetch_TransportFailureIsAValue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listening anymore

	out := NewClient(Options{Timeout: time.Second}).Fetch(context.Background(), srv.URL)
	if out.Err == "" {
		t.Fatal("expected a transport error outcome")
	}
	if out.StatusCode != 0 || out.Bytes != 0 {
		t.Fatalf("failed fetch must not report status/bytes, got %d/%d", out.StatusCode, out.Bytes)
	}
}

func TestFetch_BadURL(t *testing.T) {
	out := NewClient(Options{Timeout: time.Second}).Fetch(context.Background(), "http://[::1]:namedport")
	if out.Err == "" {
		t.Fatal("expected an error outcome for an unparseable URL")
	}
}

package main

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"
)

func TestHTTPServerEndsStreamsOnShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	streaming := make(chan struct{})
	ended := make(chan struct{})
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		close(streaming)
		<-r.Context().Done()
		close(ended)
	})

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := newHTTPServer(ctx, listener.Addr().String(), handler)
	go func() { _ = srv.Serve(listener) }()

	go func() {
		resp, err := http.Get("http://" + listener.Addr().String() + "/v1/jobs/events")
		if err == nil {
			resp.Body.Close()
		}
	}()

	select {
	case <-streaming:
	case <-time.After(time.Second):
		t.Fatal("stream never started")
	}

	cancel()
	select {
	case <-ended:
	case <-time.After(time.Second):
		t.Fatal("open stream outlived the server context")
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

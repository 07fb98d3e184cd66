package memlive

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Serve starts the diagnostics endpoint on addr (host:port, port 0 picks a
// free one). It exposes:
//
//	GET /memlive          -> JSON Snapshot
//	GET /memlive/metrics  -> plain-text exposition, one "name value" per line
//	POST /memlive/enable  -> turn sampling on
//	POST /memlive/disable -> turn sampling off
//
// It returns the bound address and a shutdown function.
func Serve(c *Collector, addr string) (string, func(ctx context.Context) error, error) {
	mux := http.NewServeMux()

	mux.HandleFunc("/memlive", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")

		enc := json.NewEncoder(w)
		enc.SetEscapeHTML(false)
		_ = enc.Encode(c.Stats())
	})

	mux.HandleFunc("/memlive/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")

		snap := c.Stats()

		fmt.Fprintf(w, "memlive_total_allocations %d\n", snap.TotalAllocations)
		fmt.Fprintf(w, "memlive_total_deallocations %d\n", snap.TotalDeallocations)
		fmt.Fprintf(w, "memlive_total_bytes %d\n", snap.TotalBytes)
		fmt.Fprintf(w, "memlive_in_flight %d\n", snap.InFlight)

		for _, b := range snap.Buckets {
			fmt.Fprintf(w, "memlive_allocations_sizeclass_%s %d\n", b.SizeClass, b.Allocations)
			fmt.Fprintf(w, "memlive_bytes_sizeclass_%s %d\n", b.SizeClass, b.Bytes)
		}
	})

	mux.HandleFunc("/memlive/enable", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}

		c.SetEnabled(true)
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("/memlive/disable", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}

		c.SetEnabled(false)
		w.WriteHeader(http.StatusNoContent)
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 3 * time.Second}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, err
	}

	bound := ln.Addr().String()

	go func() {
		_ = srv.Serve(ln)
	}()

	stop := func(ctx context.Context) error {
		return srv.Shutdown(ctx)
	}

	return bound, stop, nil
}

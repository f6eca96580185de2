package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Grapycal/topicsync"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := topicsync.NewServer(topicsync.ServerOptions{})
	prometheus.MustRegister(srv.Collector())
	if addr := os.Getenv("TOPICSYNC_METRICS_ADDR"); addr != "" {
		go func() {
			_ = http.ListenAndServe(addr, promhttp.Handler())
		}()
	}

	go func() {
		_ = srv.Run(ctx)
	}()
	defer srv.Close()

	repl := REPL{ctx: ctx, srv: srv}
	if err := repl.Open(); err != nil {
		fmt.Fprintln(os.Stderr, "failed to start:", err)
		os.Exit(1)
	}
	defer repl.Close()

	if len(os.Args) > 1 {
		// the command line is the first command
		if err := repl.Command(strings.Join(os.Args[1:], " ")); err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(1)
		}
	}

	repl.Loop()
}

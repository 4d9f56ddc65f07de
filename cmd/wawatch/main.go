// Command wawatch follows a tenant's session from the terminal: it polls the
// status route and listens on the realtime channel, printing the merged state.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	server   = flag.String("server", "http://127.0.0.1:1826", "wasession base url")
	tenant   = flag.String("tenant", "", "tenant to watch, defaults to the token's tenant claim")
	token    = flag.String("token", os.Getenv("WASESSION_TOKEN"), "bearer token")
	interval = flag.Duration("interval", 5*time.Second, "status poll interval")
	doConn   = flag.Bool("connect", false, "start pairing before watching")
	qrOut    = flag.String("qr-out", "", "write each pairing code as a png to this file")
)

func main() {
	flag.Parse()
	if *token == "" {
		fmt.Fprintln(os.Stderr, "a token is required, see -token or WASESSION_TOKEN")
		os.Exit(2)
	}
	if *tenant == "" {
		*tenant = tenantFromToken(*token)
	}
	if *tenant == "" {
		fmt.Fprintln(os.Stderr, "no tenant given and the token carries none")
		os.Exit(2)
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	zap.ReplaceGlobals(logger)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w := &watcher{
		base:   strings.TrimRight(*server, "/"),
		tenant: *tenant,
		token:  *token,
		qrOut:  *qrOut,
		client: &http.Client{Timeout: 10 * time.Second},
		out:    os.Stdout,
	}
	if *doConn {
		if err := w.connect(ctx); err != nil {
			zap.L().Fatal("wawatch: connect", zap.Error(err))
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.poll(gctx, *interval) })
	g.Go(func() error { return w.follow(gctx) })
	if err := g.Wait(); err != nil {
		zap.L().Error("wawatch stopped", zap.Error(err))
	}
}

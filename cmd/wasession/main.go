package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/talkincode/wasession/config"
	"github.com/talkincode/wasession/internal/adminapi"
	"github.com/talkincode/wasession/internal/app"
	"github.com/talkincode/wasession/internal/webserver"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	conffile   = flag.String("c", "", "config yaml file")
	issueToken = flag.String("issue-token", "", "print a bearer token for the given tenant and exit")
	tokenRole  = flag.String("role", "", "role claim of the issued token, e.g. admin")
	tokenTTL   = flag.Duration("ttl", 24*time.Hour, "lifetime of the issued token")
	migrate    = flag.Bool("migrate", false, "migrate the database schema and exit")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig(*conffile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if *issueToken != "" {
		tok, err := webserver.SignToken(cfg.Web.Secret, *issueToken, *tokenRole, *tokenTTL)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(tok)
		return
	}

	application := app.NewApplication(cfg)
	if err := application.Init(cfg); err != nil {
		zap.L().Fatal("application init failed", zap.Error(err))
	}
	if *migrate {
		if err := application.MigrateDB(true); err != nil {
			zap.L().Error("migrate failed", zap.Error(err))
		}
		release(application)
		return
	}

	srv := webserver.New(cfg)
	adminapi.Init(srv, application)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		zap.L().Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		zap.L().Error("webserver stopped", zap.Error(err))
	}
	release(application)
}

func release(application *app.Application) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	application.Release(ctx)
}

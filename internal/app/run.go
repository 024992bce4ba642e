package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/petervdpas/formsync/internal/auth"
	"github.com/petervdpas/formsync/internal/config"
	"github.com/petervdpas/formsync/internal/room"
	"github.com/petervdpas/formsync/internal/viewer"
)

type Options struct {
	Dir     string
	CfgPath string
	Cfg     config.Config

	// Ready, when set, receives the bound address once the server listens.
	Ready func(addr string)
}

// Run starts the session server and blocks until ctx ends, then shuts down
// the HTTP server, flushes the rooms and closes storage.
func Run(ctx context.Context, opt Options) error {
	logBuf := viewer.NewLogBuffer(800)
	log.SetOutput(io.MultiWriter(os.Stderr, logBuf))

	logBanner(opt.Dir, opt.CfgPath)
	cfg := opt.Cfg

	step, total := 0, 4
	progress := func(label string) {
		step++
		log.Printf("[%d/%d] %s", step, total, label)
	}

	progress("Opening session storage")
	repo, err := openRepository(opt.Dir, cfg.Storage)
	if err != nil {
		return err
	}
	defer func() {
		if err := repo.Close(); err != nil {
			log.Printf("STORAGE: close: %v", err)
		}
	}()

	progress("Starting room hub")
	hub := room.NewHub(repo, room.Options{
		SweepInterval: cfg.Room.SweepInterval(),
		IdleEvict:     cfg.Room.IdleEvict(),
		InactiveAfter: cfg.Storage.InactiveAfter(),
		SaveQueue:     cfg.Room.SaveQueue,
	})
	hubCtx, stopHub := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		hub.Run(hubCtx)
	}()
	defer func() {
		hub.Close()
		stopHub()
		<-hubDone
	}()

	progress("Opening blob store")
	blobs, err := openBlobs(ctx, opt.Dir, cfg.Blob)
	if err != nil {
		return err
	}

	issuer, err := auth.NewIssuer([]byte(cfg.Auth.Secret), time.Duration(cfg.Auth.TokenTTLHrs)*time.Hour)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	progress("Starting HTTP server")
	handler, err := viewer.Viewer{
		Hub:               hub,
		Repo:              repo,
		Blobs:             blobs,
		Issuer:            issuer,
		Logs:              logBuf,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		AdminPasswordHash: cfg.Server.AdminPasswordHash,
	}.Handler()
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	ln, err := listen(cfg.Server.HTTPAddr)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	addr := ln.Addr().String()
	log.Println("────────────────────────────────────────────────────────")
	log.Printf("HTTP: listening on http://%s", addr)
	log.Printf("HTTP: websocket endpoint ws://%s/ws", addr)
	log.Println("────────────────────────────────────────────────────────")
	if opt.Ready != nil {
		opt.Ready(addr)
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	log.Println("HTTP: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutSec)*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP: forced shutdown: %v", err)
	}
	return nil
}

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"modelplane/internal/config"
	"modelplane/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %s", err)
	}

	srv, err := server.New(cfg)
	if err != nil {
		log.Fatalf("server setup error: %s", err)
	}

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatalf("http server error: %s", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down server gracefully ...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Println("server shutdown:", err)
	}
	log.Println("server exiting")
}

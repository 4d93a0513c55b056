package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"postbox"
	"postbox/internal/conf"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	listenAddr := flag.String("listen", "", "Listen address (overrides config)")
	spoolDir := flag.String("spool", "", "Mailbox spool directory (overrides config)")
	banFile := flag.String("banfile", "", "Ban list file (overrides config)")
	workers := flag.Int("workers", 0, "Worker pool size (overrides config)")
	flag.Parse()

	log.Println("Starting postbox mail server...")

	cfg, err := conf.LoadConfig(*configPath)
	if err != nil {
		if *configPath != "" {
			log.Fatalf("Failed to load config from %s: %v", *configPath, err)
		}
		log.Printf("No config file found, using defaults: %v", err)
		cfg = conf.Default()
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *spoolDir != "" {
		cfg.SpoolDir = *spoolDir
	}
	if *banFile != "" {
		cfg.BanFile = *banFile
	}
	if *workers > 0 {
		cfg.Workers = *workers
	}
	grace, err := cfg.GraceDuration()
	if err != nil {
		log.Fatal(err)
	}

	store, err := postbox.NewStore(cfg.SpoolDir)
	if err != nil {
		log.Fatal("Failed to open spool directory:", err)
	}
	access, err := postbox.NewAccessControl(cfg.BanFile)
	if err != nil {
		log.Fatal("Failed to open ban list:", err)
	}

	var auth postbox.Authorizer
	if len(cfg.Users) > 0 {
		users := cfg.Users
		auth = postbox.AuthorizerFunc(func(user, pass string) bool {
			return pass != "" && users[user] == pass
		})
	} else {
		log.Println("Warning: no users configured, accepting any credentials")
		auth = postbox.AllowAllAuthorizer{}
	}

	srv := postbox.NewServer(auth, store, access)
	srv.Workers = cfg.Workers

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if len(cfg.Feeds) > 0 {
		sources := make([]postbox.FeedSource, 0, len(cfg.Feeds))
		for _, f := range cfg.Feeds {
			interval, err := f.IntervalDuration()
			if err != nil {
				log.Fatal(err)
			}
			sources = append(sources, postbox.FeedSource{
				URL:      f.URL,
				User:     f.User,
				Interval: interval,
			})
		}
		gateway := postbox.NewFeedGateway(store, srv.Locks(), sources)
		go func() {
			if err := gateway.Run(ctx); err != nil {
				log.Printf("Feed gateway stopped: %v", err)
			}
		}()
		log.Printf("Feed gateway running with %d source(s)", len(sources))
	}

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		log.Println("Shutdown requested...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, postbox.ErrServerClosed) {
			log.Printf("Graceful shutdown failed: %v", err)
			srv.Close()
		}
	}()

	log.Printf("Listening on %s (spool: %s)", cfg.ListenAddr, cfg.SpoolDir)
	if err := srv.ListenAndServe(cfg.ListenAddr); !errors.Is(err, postbox.ErrServerClosed) {
		log.Fatal(err)
	}
	<-shutdownDone
	log.Println("Server shut down.")
}

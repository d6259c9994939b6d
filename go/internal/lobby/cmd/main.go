package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/mcdev12/trivia/go/internal/config"
	"github.com/mcdev12/trivia/go/internal/lobby"
	"github.com/mcdev12/trivia/go/internal/presence"
	"github.com/mcdev12/trivia/go/internal/presence/memory"
	"github.com/mcdev12/trivia/go/internal/presence/natsbus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	setupLogging(cfg.Log)

	log.Info().
		Str("transport", cfg.Presence.Transport).
		Str("nats_url", cfg.NATS.URL).
		Str("topic", cfg.Presence.Topic).
		Str("port", cfg.Server.Port).
		Msg("starting lobby gateway")

	gatewayService := lobby.NewService(lobby.DefaultConfig(), sessionFactory(cfg))

	mux := http.NewServeMux()
	gatewayService.RegisterRoutes(mux)

	mux.HandleFunc("GET /info", func(w http.ResponseWriter, r *http.Request) {
		stats := gatewayService.GetStats()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"service":"lobby-gateway","sessions":%d,"connections":%d}`,
			stats["sessions"], stats["total_connections"])
	})

	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})

	server := &http.Server{
		Addr:        fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:     h2c.NewHandler(c.Handler(mux), &http2.Server{}),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serviceDone := make(chan struct{})
	go func() {
		defer close(serviceDone)
		if err := gatewayService.Start(ctx); err != nil {
			log.Error().Err(err).Msg("lobby gateway service failed")
		}
	}()

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	// closing the service logs every hosted session out
	cancel()
	select {
	case <-serviceDone:
	case <-shutdownCtx.Done():
		log.Warn().Msg("timed out waiting for sessions to close")
	}

	log.Info().Msg("lobby gateway shutdown complete")
}

func setupLogging(cfg config.LogConfig) {
	if cfg.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

// sessionFactory gives every lobby participant its own transport, so each
// hosted session has an independent connection lifecycle.
func sessionFactory(cfg *config.Config) lobby.SessionFactory {
	sessionConfig := cfg.SessionConfig()

	if cfg.Presence.Transport == config.TransportMemory {
		broker := memory.NewBroker()
		return lobby.SessionFactoryFunc(func() (*presence.Session, error) {
			return presence.NewSession(broker.NewTransport(), nil, nil, sessionConfig), nil
		})
	}

	var creds presence.CredentialProvider
	if cfg.NATS.Token != "" {
		creds = presence.StaticCredentials{Creds: presence.Credentials{
			IdentityID: cfg.NATS.Name,
			Token:      cfg.NATS.Token,
		}}
	}

	return lobby.SessionFactoryFunc(func() (*presence.Session, error) {
		transport := natsbus.New(natsbus.Config{
			URL:           cfg.NATS.URL,
			Name:          cfg.NATS.Name,
			MaxReconnects: cfg.NATS.MaxReconnects,
			ReconnectWait: cfg.NATS.ReconnectWait,
			Credentials:   creds,
		})
		invoker := natsbus.NewInvoker(transport, cfg.NATS.FunctionPrefix, cfg.Presence.ConnectTimeout)
		return presence.NewSession(transport, creds, invoker, sessionConfig), nil
	})
}

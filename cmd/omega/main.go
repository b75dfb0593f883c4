// Omega is the central directory and routing hub of the Tensamin fabric:
// it authenticates Omikron relays, tracks which of them front which Iotas
// and Users, and answers public discovery queries.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/tensamin/omega/internal/config"
	"github.com/tensamin/omega/pkg/api"
	"github.com/tensamin/omega/pkg/omegacrypto"
	"github.com/tensamin/omega/pkg/presence"
	"github.com/tensamin/omega/pkg/repository"
	"github.com/tensamin/omega/pkg/resolver"
	"github.com/tensamin/omega/pkg/session"
	"github.com/tensamin/omega/pkg/shortlink"
)

const shutdownGrace = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "omega:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(zerolog.NewConsoleWriter()).Level(level).With().Timestamp().Logger()
	log.Info().Msg("Started")
	log.Info().Msg("  .env")

	secret, err := omegacrypto.LoadSecretKey(cfg.PrivateKey)
	if err != nil {
		return fmt.Errorf("PRIVATE_KEY: %w", err)
	}
	public, err := omegacrypto.LoadPublicKey(cfg.PublicKey)
	if err != nil {
		return fmt.Errorf("PUBLIC_KEY: %w", err)
	}
	log.Info().Msg("  Keys")

	repo, err := repository.Connect(cfg.DBUsername, cfg.DBPassword, cfg.DBTable, log)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer repo.Close()
	ctx := context.Background()
	if err := repo.InitSchema(ctx); err != nil {
		return fmt.Errorf("database schema: %w", err)
	}
	if users, err := repo.CountUsers(ctx); err == nil {
		log.Info().Int64("users", users).Msg("  DB")
	} else {
		log.Warn().Err(err).Msg("  DB (user count failed)")
	}

	idx := presence.NewIndex()
	registry := session.NewRegistry()
	links := shortlink.NewStore(log)
	links.StartPruning()
	defer links.Stop()

	sessionServer := session.NewServer(session.Deps{
		Repo:     repo,
		Presence: idx,
		Registry: registry,
		Links:    links,
		Secret:   secret,
		Public:   public,
	}, log)
	if err := sessionServer.Start(fmt.Sprintf(":%d", cfg.WSPort)); err != nil {
		return fmt.Errorf("bind ws port: %w", err)
	}

	apiServer := api.NewServer(api.Config{
		Repo:         repo,
		Resolver:     resolver.New(repo, idx),
		Links:        links,
		PublicKeyB64: omegacrypto.PublicKeyToBase64(public),
		FrontendZip:  cfg.FrontendZip,
	}, log)
	if err := apiServer.Start(fmt.Sprintf(":%d", cfg.APIPort)); err != nil {
		return fmt.Errorf("bind api port: %w", err)
	}

	log.Info().Int("api_port", cfg.APIPort).Int("ws_port", cfg.WSPort).Msg("Serving")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("API shutdown incomplete")
	}
	if err := sessionServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Session drain incomplete")
	}
	if n := registry.Len(); n != 0 {
		log.Warn().Int("sessions", n).Msg("Sessions still registered at exit")
	}
	log.Info().Msg("Stopped")
	return nil
}

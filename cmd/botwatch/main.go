package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"botwatch/internal/application/usecase/watch"
	"botwatch/internal/infrastructure/config"
	"botwatch/internal/infrastructure/logger"
	"botwatch/internal/infrastructure/svc"
	"botwatch/internal/interfaces/httpapi"

	_ "botwatch/internal/infrastructure/exchange/binance"
	_ "botwatch/internal/infrastructure/exchange/bybit"
)

func main() {
	configPath := flag.String("config", "configs/config.toml", "path to config.toml")
	flag.Parse()

	logger.Setup("info")
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config", *configPath).Msg("load config failed")
	}
	logger.Setup(cfg.App.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sc, err := svc.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("service context init failed")
	}
	defer sc.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return watch.NewService(sc.WatchDeps()).Run(ctx)
	})

	if cfg.HTTP.Enabled {
		api := httpapi.New(sc.HTTPDeps())
		unbind := api.Bind()
		defer unbind()

		srv := &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           api.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			log.Info().Str("addr", cfg.HTTP.Addr).Msg("http api listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	log.Info().
		Str("config", *configPath).
		Str("feed", cfg.Feed.Provider).
		Str("storage", cfg.Storage.Backend).
		Bool("http", cfg.HTTP.Enabled).
		Msg("botwatch started")

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("botwatch exited")
		return
	}
	log.Info().Msg("botwatch stopped")
}

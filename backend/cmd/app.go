package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/adwski/roomrelay/backend/config"
	httpServer "github.com/adwski/roomrelay/backend/server/http"
	websocketServer "github.com/adwski/roomrelay/backend/server/websocket"
	"github.com/adwski/roomrelay/backend/service"
	store "github.com/adwski/roomrelay/backend/storage/memory"
	sw "github.com/adwski/roomrelay/backend/switch"
	"github.com/rs/zerolog"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	if err := config.LoadEnvFile(".env"); err != nil {
		logger.Fatal().Err(err).Msg("failed to load env file")
	}
	cfg, err := config.Parse(os.Args[1:], os.LookupEnv)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse configuration")
	}

	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	roomStore := store.NewMemStore(cfg.MaxRoomMembers)
	svc := service.NewService(service.Config{
		RoomStore:        roomStore,
		Switch:           sw.NewSwitch(&logger, roomStore),
		Logger:           &logger,
		TimeLayout:       cfg.TimeLayout,
		MaxMessageLength: cfg.MaxMessageLength,
		MaxNameLength:    cfg.MaxNameLength,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:     &logger,
		Rooms:      roomStore,
		ListenAddr: cfg.APIListenAddr,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:            &logger,
		SignalingService:  svc,
		ListenAddr:        cfg.WSListenAddr,
		SendQueueSize:     cfg.SendQueueSize,
		MaxMessageSize:    cfg.MaxFrameSize,
		RateLimitBurst:    cfg.RateLimitBurst,
		RateLimitInterval: cfg.RateLimitInterval,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}

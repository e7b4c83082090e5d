package main

import (
	"context"
	"net"
	"os"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/Tyrowin/roomchat/internal/server"
)

func main() {
	// A missing .env is fine; the environment and defaults still apply.
	envErr := godotenv.Load()

	cfg := server.NewConfigFromEnv()
	logger := server.NewLogger(cfg.Env, cfg.LogLevel)
	if envErr != nil && !os.IsNotExist(envErr) {
		logger.Warn().Err(envErr).Msg("could not load .env file")
	}

	if cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	relay := server.NewRelay(*cfg, logger)
	httpServer := server.CreateServer(relay.Config(), relay.Handler())

	ln, err := net.Listen("tcp", httpServer.Addr)
	if err != nil {
		logger.Fatal().Err(err).Str("addr", httpServer.Addr).Msg("failed to bind listener")
	}

	go func() {
		if err := server.StartServer(httpServer, ln); err != nil {
			logger.Error().Err(err).Msg("http server stopped")
		}
	}()

	logger.Info().
		Str("addr", ln.Addr().String()).
		Strs("allowed_origins", relay.Config().AllowedOrigins).
		Msg("roomchat relay listening")

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		relay.Config().ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"relay": func(ctx context.Context) error {
				logger.Info().Msg("graceful shutdown initiated")
				if err := relay.Shutdown(ctx); err != nil {
					logger.Warn().Err(err).Msg("relay shutdown incomplete")
				}
				return server.ShutdownServer(ctx, httpServer)
			},
		},
	)

	exitCode := <-wait
	logger.Info().Int("code", exitCode).Msg("relay exited")
	os.Exit(exitCode)
}

// README: Entry point; loads config, wires services and serves the HTTP API.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"

	"supportcarr/internal/app"
	"supportcarr/internal/config"
	httptransport "supportcarr/internal/http"
	"supportcarr/internal/logging"
)

func main() {
	migrate := flag.Bool("migrate", false, "apply migrations before serving")
	broker := flag.Bool("nsq", false, "publish jobs to NSQ instead of running them in-process")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logging.New("info").WithError(err).Fatal("config")
	}
	log := logging.New(cfg.Log.Level)
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, log, app.Options{Broker: *broker, Migrate: *migrate})
	if err != nil {
		log.WithError(err).Fatal("startup")
	}
	defer a.Close()

	if n, err := a.Locations.Warm(ctx); err != nil {
		log.WithError(err).Warn("fast geo index warm failed; queries use the durable store")
	} else if n > 0 {
		log.WithField("drivers", n).Info("fast geo index warmed")
	}

	srv := httptransport.NewServer(cfg.HTTP, a.Router(), log)
	if err := srv.Run(ctx); err != nil {
		log.WithError(err).Error("http server stopped")
	}
}

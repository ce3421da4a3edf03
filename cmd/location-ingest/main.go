// README: Consumes the driver location stream from Kafka and applies it in batches.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"supportcarr/internal/app"
	"supportcarr/internal/config"
	"supportcarr/internal/ingest"
	"supportcarr/internal/logging"
)

func main() {
	metricsAddr := flag.String("metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logging.New("info").WithError(err).Fatal("config")
	}
	log := logging.New(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, log, app.Options{Broker: true})
	if err != nil {
		log.WithError(err).Fatal("startup")
	}
	defer a.Close()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()

	reader := ingest.NewReader(cfg.Kafka)
	defer reader.Close()

	log.WithFields(logrus.Fields{"topic": cfg.Kafka.Topic, "group": cfg.Kafka.GroupID}).Info("location ingest consuming")
	if err := ingest.NewConsumer(reader, a.Tracking, cfg.Kafka, log).Run(ctx); err != nil {
		log.WithError(err).Error("location ingest stopped")
	}
}

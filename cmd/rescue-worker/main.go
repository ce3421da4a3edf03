// README: Job worker; one NSQ consumer per job type feeding the shared dispatcher.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"supportcarr/internal/app"
	"supportcarr/internal/config"
	"supportcarr/internal/jobs"
	"supportcarr/internal/logging"
)

func main() {
	migrate := flag.Bool("migrate", false, "apply migrations before consuming")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logging.New("info").WithError(err).Fatal("config")
	}
	log := logging.New(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Handlers publish follow-up jobs (payout.due after a charge) back to NSQ.
	a, err := app.Build(ctx, cfg, log, app.Options{Broker: true, Migrate: *migrate})
	if err != nil {
		log.WithError(err).Fatal("startup")
	}
	defer a.Close()

	var consumers []*jobs.Consumer
	for _, t := range a.Dispatcher.Types() {
		c, err := jobs.NewConsumer(t, cfg.NSQ.Channel, cfg.NSQ.MaxAttempts, a.Dispatcher, log.WithField("job_type", t))
		if err != nil {
			log.WithError(err).Fatal("nsq consumer")
		}
		if err := c.Connect(cfg.NSQ.Addr); err != nil {
			log.WithError(err).WithField("job_type", t).Fatal("nsq connect")
		}
		consumers = append(consumers, c)
	}
	log.WithField("topics", len(consumers)).Info("worker consuming")

	<-ctx.Done()
	for _, c := range consumers {
		c.Stop()
	}
	log.Info("worker stopped")
}

package main

import (
	"context"
	"os"

	log "github.com/sirupsen/logrus"

	"prism-dashboard/app"
	"prism-dashboard/config"
)

func main() {
	cfg, err := config.Load("storage-init", os.Args[1:])
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	cfg.SetupLogging()
	log.WithField("driver", cfg.Storage.Driver).Info("storage init starting")

	ctx := context.Background()
	// Opening a sqlite store applies its migrations.
	rt, err := app.Open(ctx, cfg, log.StandardLogger())
	if err != nil {
		log.Fatalf("open storage: %v", err)
	}
	defer rt.Close()

	if err := rt.Provision(ctx); err != nil {
		log.Fatalf("create tables: %v", err)
	}
	queue, err := rt.Queue()
	if err != nil {
		log.Fatalf("queue: %v", err)
	}
	if queue != nil {
		if err := queue.Provision(ctx); err != nil {
			log.Fatalf("create queue: %v", err)
		}
	}
	log.Info("storage init complete")
}

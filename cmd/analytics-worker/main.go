package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/labstack/gommon/log"
	"uk.co.dudmesh.relay/internal/analytics"
	"uk.co.dudmesh.relay/internal/boot"
)

func main() {
	config, err := boot.Load()
	if err != nil {
		log.Fatalf("boot: %+v", err)
	}

	redisOptions, err := redis.ParseURL(config.Redis.URL)
	if err != nil {
		log.Fatalf("parsing redis url: %+v", err)
	}
	client := redis.NewClient(redisOptions)
	defer client.Close()

	worker := analytics.NewWorker(client, analytics.WorkerConfig{
		Stream:    config.Analytics.Stream,
		Group:     config.Analytics.Group,
		Consumer:  "analytics-worker-" + config.InstanceID,
		CountsKey: config.Analytics.CountsKey,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				length, counts, err := worker.Statistics(ctx)
				if err != nil {
					log.Errorf("statistics: %+v", err)
					continue
				}
				log.Infof("stream %s holds %d events", config.Analytics.Stream, length)
				for chatID, n := range counts {
					log.Infof("  chat %s: %d messages", chatID, n)
				}
			}
		}
	}()

	if err := worker.Run(ctx); err != nil {
		log.Fatalf("analytics worker: %+v", err)
	}
	log.Info("analytics worker stopped")
}

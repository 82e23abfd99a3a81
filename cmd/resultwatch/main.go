// Command resultwatch tails job lifecycle events from the Kafka topic
// the courier publishes to, printing one line per event. Useful for
// following a long batch from another terminal or another machine.
//
// Usage:
//
//	resultwatch -config config.yaml -group ops-desk
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/juno-kyojin/testcase-app/internal/events"
	"github.com/juno-kyojin/testcase-app/internal/testjob"
	"github.com/juno-kyojin/testcase-app/pkg/config"
	"github.com/juno-kyojin/testcase-app/pkg/lg"
)

const serviceName = "resultwatch"

var (
	configPath = flag.String("config", "config.yaml", "path to the YAML configuration file")
	groupID    = flag.String("group", "resultwatch", "Kafka consumer group id")
	debug      = flag.Bool("debug", false, "enable debug logging")
)

func main() {
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			log.Fatalf("loading .env: %v", err)
		}
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading configuration: %v", err)
	}
	if len(cfg.Events.Brokers) == 0 || cfg.Events.Topic == "" {
		log.Fatal("events.brokers and events.topic must be configured to watch")
	}

	logger := lg.New(&lg.Config{
		ServiceName: serviceName,
		Debug:       *debug || cfg.Log.Debug,
		Format:      cfg.Log.Format,
	})
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	consumer := events.NewConsumer(events.Config{
		Brokers: cfg.Events.Brokers,
		Topic:   cfg.Events.Topic,
	}, *groupID, logger)
	defer consumer.Close()

	logger.Info("watching events",
		lg.String("topic", cfg.Events.Topic),
		lg.String("group", *groupID),
	)

	err = consumer.Watch(ctx, render)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("watch ended", lg.Err(err))
		os.Exit(1)
	}
}

func render(ev testjob.Event) {
	stamp := ev.At.Local().Format("15:04:05")
	switch ev.Kind {
	case testjob.EventJobStarted:
		fmt.Printf("%s  %-36s %s started\n", stamp, ev.TestID, ev.FileName)
	case testjob.EventPollAttempt:
		fmt.Printf("%s  %-36s %s poll #%d: %s\n", stamp, ev.TestID, ev.FileName, ev.Attempt, ev.Observed)
	case testjob.EventJobFinished:
		fmt.Printf("%s  %-36s %s finished: %s\n", stamp, ev.TestID, ev.FileName, ev.Status)
	case testjob.EventPersistFailed:
		fmt.Printf("%s  %-36s %s RECORD NOT PERSISTED: %s\n", stamp, ev.TestID, ev.FileName, ev.Details)
	default:
		fmt.Printf("%s  %-36s %s %s\n", stamp, ev.TestID, ev.FileName, ev.Kind)
	}
}

// Producer for load testing: writes synthetic events to the Kafka ingest topic.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/felipemaragno/courier/internal/config"
	"github.com/felipemaragno/courier/internal/kafka"
	"github.com/felipemaragno/courier/internal/observability"
)

func main() {
	_ = godotenv.Load()

	count := flag.Int("count", 100000, "number of events to produce")
	numTypes := flag.Int("types", 100, "number of distinct event types")
	typePrefix := flag.String("prefix", "load.event", "event type prefix; types are named <prefix>.<n>")
	channels := flag.String("channels", "", "comma-separated delivery channels; empty lets the outbox routes decide")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := observability.NewLogger(os.Stdout, cfg.LogLevel).With("service", "courier-producer")
	slog.SetDefault(logger)

	if !cfg.KafkaEnabled() || cfg.Kafka.IngestTopic == "" {
		logger.Error("KAFKA_BROKERS and KAFKA_INGEST_TOPIC are required")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		logger.Info("received shutdown signal")
		cancel()
	}()

	var channelList []string
	if *channels != "" {
		channelList = strings.Split(*channels, ",")
	}

	logger.Info("starting load test producer",
		"brokers", cfg.Kafka.Brokers,
		"topic", cfg.Kafka.IngestTopic,
		"count", *count,
		"types", *numTypes,
		"channels", channelList,
	)

	producer := kafka.NewLoadProducer(cfg.Kafka.Brokers, cfg.Kafka.IngestTopic, logger)
	defer func() { _ = producer.Close() }()

	start := time.Now()
	if err := producer.Produce(ctx, *count, *numTypes, *typePrefix, channelList); err != nil {
		logger.Error("failed to produce events", "error", err)
		os.Exit(1)
	}

	duration := time.Since(start)
	logger.Info("load test complete",
		"events", *count,
		"duration", duration,
		"rate", float64(*count)/duration.Seconds(),
	)
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/stream-dlq/internal/config"
	"github.com/example/stream-dlq/internal/dlq"
	"github.com/example/stream-dlq/internal/kafka/consumer"
	"github.com/example/stream-dlq/internal/kafka/producer"
	"github.com/example/stream-dlq/internal/logger"
	"github.com/example/stream-dlq/internal/worker"
)

const statsInterval = time.Minute

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fail("config load", err)
	}

	baseLogger, err := logger.New(cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		fail("logger init", err)
	}
	log := baseLogger.With().Str("service", "dlq-worker").Logger()

	prod, err := producer.New(cfg.Kafka.Brokers, log.With().Str("component", "kafka-producer").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create kafka producer")
	}
	defer func() {
		if err := prod.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close kafka producer")
		}
	}()

	cons, err := consumer.New(cfg.Kafka.Brokers, cfg.Consumer.GroupID, log.With().Str("component", "kafka-consumer").Logger(), cfg.Consumer.CommitOnSuccessOnly)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create kafka consumer")
	}
	defer func() {
		if err := cons.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close kafka consumer")
		}
	}()

	publisher := dlq.NewPublisher(prod, cfg.DLQ, cfg.Consumer.GroupID, nil, log.With().Str("component", "dlq-publisher").Logger())
	if publisher == nil {
		log.Fatal().Msg("failed to create dlq publisher")
	}

	coordinator, err := dlq.NewCoordinator(cfg.Consumer.SourceTopic, cfg.Consumer.GroupID, cfg.DLQ, dlq.Dependencies{
		Publisher: publisher,
		Logger:    log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise dlq coordinator")
	}

	runner, err := worker.NewRunner(worker.Config{
		Topic:       cfg.Consumer.SourceTopic,
		Concurrency: cfg.Consumer.WorkerConcurrency,
	}, worker.Dependencies{
		Processor: worker.ProcessorFunc(decodeJSON),
		Failures:  coordinator,
		Logger:    log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise worker runner")
	}

	go logStats(ctx, coordinator, log)

	topics := []string{cfg.Consumer.SourceTopic}
	handler := worker.KafkaHandler(runner, cons)

	errCh := make(chan error, 1)
	go func() {
		if err := cons.Consume(ctx, topics, handler); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
		close(errCh)
	}()

	log.Info().
		Str("source_topic", cfg.Consumer.SourceTopic).
		Str("dlq_topic", coordinator.DLQTopic()).
		Str("strategy", string(cfg.DLQ.Strategy)).
		Msg("dlq worker started")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("consumer terminated with error")
		}
	}
}

// decodeJSON is the default processor: payloads must be self-describing JSON
// documents. Replace with application-specific business logic when embedding
// the runner in a real job.
func decodeJSON(_ context.Context, rec *dlq.Record) error {
	var doc map[string]any
	if err := json.Unmarshal(rec.Value, &doc); err != nil {
		return fmt.Errorf("failed to parse message payload: %w", err)
	}
	return nil
}

func logStats(ctx context.Context, coordinator *dlq.Coordinator, log zerolog.Logger) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := coordinator.Stats()
			log.Info().
				Str("dlq_topic", stats.DLQTopic).
				Int("active_retries", stats.ActiveRetries).
				Uint64("retries", stats.Retries).
				Uint64("published", stats.Published).
				Uint64("publish_failures", stats.PublishFailures).
				Uint64("rejected", stats.Rejected).
				Str("breaker_state", string(stats.Breaker.State)).
				Int("breaker_failures", stats.Breaker.Failures).
				Msg("dlq coordinator stats")
		}
	}
}

func fail(stage string, err error) {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	logger.Fatal().Err(err).Str("stage", stage).Msg("dlq worker init failed")
}

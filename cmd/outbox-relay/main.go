// Command outbox-relay publishes the items of an outbox table to a message broker.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/denisenkom/go-mssqldb"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/nats-io/nats.go"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	outbox "github.com/oagudo/sqloutbox"
	kafkapub "github.com/oagudo/sqloutbox/publisher/kafka"
	natspub "github.com/oagudo/sqloutbox/publisher/nats"
	rabbitpub "github.com/oagudo/sqloutbox/publisher/rabbitmq"
)

func main() {
	cfg, err := parseConfig(os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "outbox-relay: %v\n", err)
		os.Exit(2)
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = cfg.logLevel
	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "outbox-relay: building logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("outbox relay stopped", zap.Error(err))
	}
}

func run(cfg config, logger *zap.Logger) error {
	db, err := sql.Open(drivers[cfg.dialect], cfg.dsn)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		_ = db.Close()
	}()

	dbCtx, err := outbox.NewDBContext(db, cfg.dialect, outbox.WithTableName(cfg.table))
	if err != nil {
		return err
	}

	publisher, closePublisher, err := newPublisher(cfg, logger)
	if err != nil {
		return err
	}
	defer closePublisher()

	processor, err := outbox.NewProcessor(dbCtx, publisher,
		outbox.WithInterval(cfg.interval),
		outbox.WithRetryPolicy(outbox.MaxAttempts(cfg.maxAttempts)),
		outbox.WithCleanupRetention(cfg.retention),
		outbox.WithLogger(logger),
		outbox.WithRepositoryOptions(outbox.WithRepositoryLogger(logger)),
	)
	if err != nil {
		return err
	}

	go func() {
		for err := range processor.Errors() {
			logger.Debug("outbox processor error", zap.Error(err))
		}
	}()

	processor.Start()
	logger.Info("outbox relay started",
		zap.String("dialect", string(cfg.dialect)),
		zap.String("table", cfg.table),
		zap.String("broker", cfg.broker))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("shutting down outbox relay")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return processor.Stop(shutdownCtx)
}

func newPublisher(cfg config, logger *zap.Logger) (outbox.Publisher, func(), error) {
	switch cfg.broker {
	case "kafka":
		w := &kafka.Writer{
			Addr:                   kafka.TCP(strings.Split(cfg.brokerURL, ",")...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		}
		return kafkapub.New(w), func() { _ = w.Close() }, nil

	case "rabbitmq":
		conn, err := amqp.Dial(cfg.brokerURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to rabbitmq: %w", err)
		}
		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return nil, nil, fmt.Errorf("opening rabbitmq channel: %w", err)
		}
		return rabbitpub.New(ch), func() {
			_ = ch.Close()
			_ = conn.Close()
		}, nil

	case "nats":
		conn, err := nats.Connect(cfg.brokerURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to nats: %w", err)
		}
		return natspub.New(conn), func() { _ = conn.Drain() }, nil

	default:
		return outbox.PublisherFunc(func(_ context.Context, item *outbox.Item) error {
			logger.Info("outbox item",
				zap.String("id", item.ID),
				zap.String("target", item.PublishingTarget),
				zap.String("payload", item.PublishingPayload))
			return nil
		}), func() {}, nil
	}
}

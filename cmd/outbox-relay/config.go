package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"time"

	"go.uber.org/zap"

	outbox "github.com/oagudo/sqloutbox"
)

type config struct {
	dialect     outbox.SQLDialect
	dsn         string
	broker      string
	brokerURL   string
	table       string
	interval    time.Duration
	maxAttempts int
	retention   time.Duration
	logLevel    zap.AtomicLevel
}

var drivers = map[outbox.SQLDialect]string{
	outbox.SQLDialectPostgres:  "pgx",
	outbox.SQLDialectSQLServer: "sqlserver",
	outbox.SQLDialectSQLite:    "sqlite3",
}

// parseConfig reads flags, falling back to OUTBOX_* environment variables for
// every flag not given on the command line.
func parseConfig(args []string, getenv func(string) string) (config, error) {
	fs := flag.NewFlagSet("outbox-relay", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	env := func(name, def string) string {
		if v := getenv(name); v != "" {
			return v
		}
		return def
	}

	dialect := fs.String("dialect", env("OUTBOX_DIALECT", string(outbox.SQLDialectPostgres)), "SQL dialect: postgres, sqlserver or sqlite")
	dsn := fs.String("dsn", env("OUTBOX_DSN", ""), "database connection string")
	broker := fs.String("broker", env("OUTBOX_BROKER", "log"), "broker: kafka, rabbitmq, nats or log")
	brokerURL := fs.String("broker-url", env("OUTBOX_BROKER_URL", ""), "broker address")
	table := fs.String("table", env("OUTBOX_TABLE", outbox.DefaultTableConfig().TableName), "outbox table name")
	interval := fs.String("interval", env("OUTBOX_INTERVAL", "1s"), "time between publishing cycles")
	maxAttempts := fs.String("max-attempts", env("OUTBOX_MAX_ATTEMPTS", strconv.Itoa(outbox.DefaultMaxAttempts)), "publishing attempts before an item is given up")
	retention := fs.String("retention", env("OUTBOX_RETENTION", "0"), "purge items older than this, 0 disables")
	logLevel := fs.String("log-level", env("OUTBOX_LOG_LEVEL", "info"), "log level")

	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	cfg := config{
		dialect:   outbox.SQLDialect(*dialect),
		dsn:       *dsn,
		broker:    *broker,
		brokerURL: *brokerURL,
		table:     *table,
	}

	if _, ok := drivers[cfg.dialect]; !ok {
		return config{}, fmt.Errorf("unsupported dialect %q", cfg.dialect)
	}
	if cfg.dsn == "" {
		return config{}, errors.New("dsn is required")
	}
	switch cfg.broker {
	case "log":
	case "kafka", "rabbitmq", "nats":
		if cfg.brokerURL == "" {
			return config{}, fmt.Errorf("broker url is required for %s", cfg.broker)
		}
	default:
		return config{}, fmt.Errorf("unsupported broker %q", cfg.broker)
	}

	var err error
	if cfg.interval, err = time.ParseDuration(*interval); err != nil {
		return config{}, fmt.Errorf("parsing interval: %w", err)
	}
	if cfg.interval <= 0 {
		return config{}, errors.New("interval must be positive")
	}
	if cfg.maxAttempts, err = strconv.Atoi(*maxAttempts); err != nil {
		return config{}, fmt.Errorf("parsing max attempts: %w", err)
	}
	if cfg.retention, err = time.ParseDuration(*retention); err != nil {
		return config{}, fmt.Errorf("parsing retention: %w", err)
	}
	if cfg.retention < 0 {
		return config{}, errors.New("retention must not be negative")
	}
	if cfg.logLevel, err = zap.ParseAtomicLevel(*logLevel); err != nil {
		return config{}, fmt.Errorf("parsing log level: %w", err)
	}

	return cfg, nil
}

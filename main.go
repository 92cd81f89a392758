package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"cdc-json/internal/binlog"
	"cdc-json/internal/config"
	"cdc-json/internal/decoding"
	"cdc-json/internal/nats"
	"cdc-json/internal/pgrepl"
	"cdc-json/internal/processor"
	"cdc-json/internal/sink"
)

// source is a started change stream.
type source interface {
	Run(ctx context.Context) error
}

func main() {
	// Setup logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	// Records go to stdout; keep logs off it
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.InfoLevel)

	// Load configuration
	configPath := "config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}

	// Set log level from config
	if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logger.SetLevel(level)
	} else {
		logger.Warnf("Unknown log level %q, using info", cfg.Logging.Level)
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatalf("CDC service failed: %v", err)
	}
	logger.Info("CDC service stopped")
}

func run(cfg *config.Config, logger *logrus.Logger) error {
	logger.Infof("Starting CDC service (source: %s, sink: %s)...", cfg.Source.Type, cfg.Sink.Type)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	publisher, natsConn, closeSink, err := openSink(cfg, logger)
	if err != nil {
		return err
	}
	defer closeSink()

	if err := processor.ValidateRules(&cfg.Processor); err != nil {
		return fmt.Errorf("invalid processor config: %w", err)
	}
	transformer, err := processor.NewTransformer(&cfg.Processor, logger, natsConn)
	if err != nil {
		return fmt.Errorf("failed to create transformer: %w", err)
	}
	pipeline := processor.NewPipeline(transformer, publisher, logger)

	var src source
	var closeSource func()
	switch cfg.Source.Type {
	case config.SourcePostgres:
		src, closeSource, err = openPostgres(ctx, cfg, pipeline, logger)
	case config.SourceMySQL:
		src, closeSource, err = openMySQL(ctx, cfg, pipeline, logger)
	default:
		err = fmt.Errorf("unknown source type %q", cfg.Source.Type)
	}
	if err != nil {
		return err
	}
	defer closeSource()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start processing in goroutine
	errChan := make(chan error, 1)
	go func() {
		errChan <- src.Run(ctx)
	}()

	// Wait for signal or error
	select {
	case sig := <-sigChan:
		logger.Infof("Received signal: %v, shutting down...", sig)
		cancel()
		err = <-errChan
	case err = <-errChan:
	}

	published, rejected := pipeline.Stats()
	logger.WithFields(logrus.Fields{
		"published": published,
		"rejected":  rejected,
	}).Info("Stream finished")
	return err
}

// openSink returns the publisher records end up in. The NATS connection is
// nil unless the NATS sink is configured.
func openSink(cfg *config.Config, logger *logrus.Logger) (processor.Publisher, *natsgo.Conn, func(), error) {
	switch cfg.Sink.Type {
	case config.SinkNATS:
		publisher, err := nats.NewPublisher(
			cfg.NATS.URL,
			cfg.NATS.Subject,
			cfg.NATS.PerTableSubject,
			cfg.NATS.MaxReconnect,
			cfg.NATS.ReconnectWait,
			logger,
		)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create NATS publisher: %w", err)
		}
		return publisher, publisher.GetConn(), publisher.Close, nil
	default:
		writer := sink.NewWriter(os.Stdout)
		return writer, nil, func() {
			if err := writer.Flush(); err != nil {
				logger.Warnf("Failed to flush output: %v", err)
			}
		}, nil
	}
}

func openPostgres(ctx context.Context, cfg *config.Config, pipeline *processor.Pipeline, logger *logrus.Logger) (source, func(), error) {
	pg := cfg.Postgres
	location, err := time.LoadLocation(pg.TimeZone)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid time zone: %w", err)
	}

	db, err := pgrepl.OpenCatalogDB(pg.ConnString)
	if err != nil {
		return nil, nil, err
	}
	if err := pgrepl.Preflight(ctx, db, pg.Publication, logger); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("postgres preflight failed: %w", err)
	}

	catalog := pgrepl.NewCatalog(db, logger)
	dc := decoding.NewDecodingContext(catalog, pgrepl.NewDetoaster(db), pipeline)

	conn, err := pgrepl.Connect(ctx, pg.ConnString)
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	stream := pgrepl.NewStream(conn, pgrepl.Options{
		Slot:           pg.Slot,
		Publication:    pg.Publication,
		CreateSlot:     pg.CreateSlot,
		TemporarySlot:  pg.TemporarySlot,
		PositionFile:   pg.PositionFile,
		StatusInterval: pg.StatusPeriod,
		Location:       location,
		PluginOptions:  cfg.Decoding.Options,
	}, decoding.NewJSONDecoder(logger), dc, catalog, pipeline, logger)

	closeStream := func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := stream.Close(closeCtx); err != nil {
			logger.Warnf("Failed to close replication connection: %v", err)
		}
		db.Close()
	}
	if err := stream.Start(ctx); err != nil {
		closeStream()
		return nil, nil, err
	}
	return stream, closeStream, nil
}

func openMySQL(ctx context.Context, cfg *config.Config, pipeline *processor.Pipeline, logger *logrus.Logger) (source, func(), error) {
	my := cfg.MySQL
	location, err := time.LoadLocation(my.TimeZone)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid time zone: %w", err)
	}
	if my.UseGTID {
		logger.Info("Transaction ids will be taken from GTID events")
	}

	db, err := binlog.OpenDB(my.Host, my.Port, my.User, my.Password)
	if err != nil {
		return nil, nil, err
	}
	if err := binlog.Preflight(ctx, db, logger); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("mysql preflight failed: %w", err)
	}

	catalog := binlog.NewCatalog(binlog.NewDBSchema(db), logger)
	dc := decoding.NewDecodingContext(catalog, binlog.NewDetoaster(db), pipeline)

	reader, err := binlog.NewReader(binlog.ReaderConfig{
		Host:         my.Host,
		Port:         my.Port,
		User:         my.User,
		Password:     my.Password,
		ServerID:     my.ServerID,
		Flavor:       my.Flavor,
		PositionFile: cfg.Binlog.PositionFile,
		StartPos:     cfg.Binlog.StartPosition,
	}, logger)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to create binlog reader: %w", err)
	}

	src := binlog.NewSource(reader, binlog.SourceOptions{
		UseGTID:       my.UseGTID,
		Location:      location,
		PluginOptions: cfg.Decoding.Options,
	}, decoding.NewJSONDecoder(logger), dc, catalog, pipeline, logger)

	closeSource := func() {
		src.Close()
		reader.Close()
		db.Close()
	}
	if err := src.Start(); err != nil {
		closeSource()
		return nil, nil, err
	}
	return src, closeSource, nil
}

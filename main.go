package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"tickflow/anomaly"
	"tickflow/cleaner"
	"tickflow/collector"
	"tickflow/config"
	"tickflow/dispatcher"
	"tickflow/internal/dashboard"
	"tickflow/logger"
	"tickflow/parser"
	"tickflow/reader/replay"
	"tickflow/reader/zyfeed"
	"tickflow/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}
	if cfg.Logging.CloudWatch.Enabled {
		logger.InitCloudWatch(cfg.Logging.CloudWatch.Region, cfg.Logging.CloudWatch.Namespace, cfg.Logging.CloudWatch.Dashboard)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Tickflow.Name,
		"version": cfg.Tickflow.Version,
	}).Info("starting tickflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sources := buildSources(cfg, log)
	if len(sources) == 0 {
		log.Error("no usable sources configured")
		os.Exit(1)
	}

	sink, csvWriter, parquetWriter, err := buildSink(cfg)
	if err != nil {
		log.WithError(err).Error("failed to create storage writers")
		os.Exit(1)
	}

	if parquetWriter != nil {
		if err := parquetWriter.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start parquet writer")
			os.Exit(1)
		}
	}

	anomalySinks := []anomaly.Sink{anomaly.NewLogSink()}
	var kafkaSink *writer.KafkaAnomalySink
	if cfg.Storage.Kafka.Enabled {
		kafkaSink, err = writer.NewKafkaAnomalySink(cfg.Storage.Kafka)
		if err != nil {
			log.WithError(err).Error("failed to create kafka anomaly sink")
			os.Exit(1)
		}
		if err := kafkaSink.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start kafka anomaly sink")
			os.Exit(1)
		}
		anomalySinks = append(anomalySinks, kafkaSink)
	}

	engine := anomaly.NewEngine(cfg.Anomaly, anomalySinks...)

	pipeline := dispatcher.New(
		cfg.Dispatcher,
		sources,
		parser.NewWithDefaults(),
		cleaner.New(cfg.Cleaner.RegressionTolerance),
		engine,
		sink,
	)
	if err := pipeline.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start pipeline")
		os.Exit(1)
	}

	dash := dashboard.NewServer(cfg.Dashboard, pipeline, log)
	if dash != nil {
		go func() {
			if err := dash.Run(ctx); err != nil {
				log.WithError(err).Error("dashboard server failed")
			}
		}()
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")

	log.Info("stopping pipeline")
	pipeline.Stop()
	cancel()

	if parquetWriter != nil {
		log.Info("stopping parquet writer")
		parquetWriter.Stop()
	}
	if csvWriter != nil {
		log.Info("closing csv writer")
		if err := csvWriter.Close(); err != nil {
			log.WithError(err).Warn("csv writer close failed")
		}
	}
	if kafkaSink != nil {
		log.Info("stopping kafka anomaly sink")
		kafkaSink.Stop()
	}

	log.Info("shutdown complete")
}

// buildSources turns the enabled source entries into collector
// lifecycles. A source with an unknown adapter kind is skipped rather
// than failing the process.
func buildSources(cfg *config.Config, log *logger.Log) []*collector.Lifecycle {
	sources := make([]*collector.Lifecycle, 0, len(cfg.Sources))
	for _, src := range cfg.EnabledSources() {
		var adapter collector.Adapter
		switch src.Kind {
		case "zyfeed":
			adapter = zyfeed.New(src.Tag, src.URL, src.RecordKind)
		case "replay":
			adapter = replay.New(src.Tag, src.Replay)
		default:
			log.WithFields(logger.Fields{
				"source": src.Tag,
				"kind":   src.Kind,
			}).Warn("unknown adapter kind, skipping source")
			continue
		}
		creds := collector.Credentials{
			BrokerID: src.Credential.BrokerID,
			UserID:   src.Credential.UserID,
			Password: src.Credential.Password,
		}
		sources = append(sources, collector.NewLifecycle(adapter, creds, src.Contracts, cfg.Collector))
	}
	return sources
}

// buildSink assembles the batch sink stack from the storage config.
// The CSV and parquet writers are also returned individually so
// shutdown can flush them.
func buildSink(cfg *config.Config) (dispatcher.Sink, *writer.CSVWriter, *writer.ParquetWriter, error) {
	var csvWriter *writer.CSVWriter
	var parquetWriter *writer.ParquetWriter
	var err error

	multi := writer.NewMultiSink()
	if cfg.Storage.CSV.Enabled {
		csvWriter, err = writer.NewCSVWriter(cfg.Storage.CSV)
		if err != nil {
			return nil, nil, nil, err
		}
		multi.Add(csvWriter)
	}
	if cfg.Storage.Parquet.Enabled {
		parquetWriter, err = writer.NewParquetWriter(cfg.Storage.Parquet, cfg.Storage.S3)
		if err != nil {
			return nil, nil, nil, err
		}
		multi.Add(parquetWriter)
	}
	return multi, csvWriter, parquetWriter, nil
}

package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	kafka "github.com/segmentio/kafka-go"

	appconfig "tickflow/config"
	"tickflow/logger"
	"tickflow/models"
)

// KafkaAnomalySink publishes anomaly records to a kafka topic. Record
// never blocks the scan: a full buffer drops the record and counts it.
type KafkaAnomalySink struct {
	config  appconfig.KafkaConfig
	writer  *kafka.Writer
	ch      chan models.AnomalyRecord
	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	dropped atomic.Uint64
	log     *logger.Log
}

func NewKafkaAnomalySink(cfg appconfig.KafkaConfig) (*KafkaAnomalySink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = 1024
	}
	s := &KafkaAnomalySink{
		config: cfg,
		writer: &kafka.Writer{
			Addr:     kafka.TCP(cfg.Brokers...),
			Topic:    cfg.Topic,
			Balancer: &kafka.LeastBytes{},
		},
		ch:  make(chan models.AnomalyRecord, buffer),
		wg:  &sync.WaitGroup{},
		log: logger.GetLogger(),
	}
	s.log.WithComponent("kafka_sink").WithFields(logger.Fields{
		"brokers": cfg.Brokers,
		"topic":   cfg.Topic,
	}).Debug("kafka anomaly sink initialized")
	return s, nil
}

func (s *KafkaAnomalySink) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("kafka sink already running")
	}
	s.running = true
	s.ctx = ctx
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run()
	return nil
}

// Record implements anomaly.Sink.
func (s *KafkaAnomalySink) Record(rec models.AnomalyRecord) {
	select {
	case s.ch <- rec:
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns the number of records lost to a full buffer.
func (s *KafkaAnomalySink) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *KafkaAnomalySink) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case rec := <-s.ch:
			data, err := json.Marshal(rec)
			if err != nil {
				s.log.WithComponent("kafka_sink").WithError(err).Warn("failed to marshal anomaly record")
				continue
			}
			msg := kafka.Message{
				Key:   []byte(rec.ContractID),
				Value: data,
			}
			if err := s.writer.WriteMessages(s.ctx, msg); err != nil {
				s.log.WithComponent("kafka_sink").WithError(err).Warn("failed to write anomaly record")
			}
		}
	}
}

func (s *KafkaAnomalySink) Stop() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.writer.Close()
	s.wg.Wait()
	if d := s.dropped.Load(); d > 0 {
		s.log.WithComponent("kafka_sink").WithFields(logger.Fields{"dropped": d}).Warn("anomaly records dropped on full buffer")
	}
}

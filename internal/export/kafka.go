package export

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"
	"github.com/sirupsen/logrus"

	"firestige.xyz/dissect/internal/config"
	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/log"
	"firestige.xyz/dissect/internal/proto"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaWriter produces each record as a JSON message. Messages are keyed by
// source and destination so one flow lands on one partition.
type KafkaWriter struct {
	ctx    context.Context
	writer messageWriter
	topic  string
	log    *logrus.Entry

	produced atomic.Uint64
	failed   atomic.Uint64
}

// NewKafkaWriter builds a synchronous producer from cfg. ctx bounds every write.
func NewKafkaWriter(ctx context.Context, cfg config.KafkaConfig) (*KafkaWriter, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("export.kafka.brokers is required: %w", core.ErrConfigInvalid)
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("export.kafka.topic is required: %w", core.ErrConfigInvalid)
	}

	wc := kafka.WriterConfig{
		Brokers:      cfg.Brokers,
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeoutDuration(),
		MaxAttempts:  cfg.MaxAttempts,
	}
	switch cfg.Compression {
	case "none", "":
	case "gzip":
		wc.CompressionCodec = compress.Gzip.Codec()
	case "snappy":
		wc.CompressionCodec = compress.Snappy.Codec()
	case "lz4":
		wc.CompressionCodec = compress.Lz4.Codec()
	default:
		return nil, fmt.Errorf("invalid compression type %q: %w", cfg.Compression, core.ErrConfigInvalid)
	}

	k := newKafkaWriter(ctx, kafka.NewWriter(wc), cfg.Topic)
	k.log.WithFields(logrus.Fields{
		"brokers":     cfg.Brokers,
		"batch_size":  cfg.BatchSize,
		"compression": cfg.Compression,
	}).Info("kafka export started")
	return k, nil
}

func newKafkaWriter(ctx context.Context, w messageWriter, topic string) *KafkaWriter {
	return &KafkaWriter{
		ctx:    ctx,
		writer: w,
		topic:  topic,
		log:    log.WithComponent("export.kafka").WithField("topic", topic),
	}
}

// Write produces rec and waits for the broker acknowledgement.
func (k *KafkaWriter) Write(rec Record) error {
	value, err := json.Marshal(rec)
	if err != nil {
		k.failed.Add(1)
		return fmt.Errorf("encode frame %d: %w", rec.Number, err)
	}
	msg := kafka.Message{
		Key:   []byte(rec.Columns[proto.ColSource.String()] + "-" + rec.Columns[proto.ColDestination.String()]),
		Value: value,
		Time:  rec.Time,
		Headers: []kafka.Header{
			{Key: "frame", Value: []byte(strconv.FormatUint(uint64(rec.Number), 10))},
			{Key: "protocol", Value: []byte(rec.Columns[proto.ColProtocol.String()])},
		},
	}
	if err := k.writer.WriteMessages(k.ctx, msg); err != nil {
		k.failed.Add(1)
		return fmt.Errorf("kafka write failed: %w", err)
	}
	k.produced.Add(1)
	return nil
}

// Produced returns the number of records acknowledged.
func (k *KafkaWriter) Produced() uint64 { return k.produced.Load() }

// Close flushes pending messages.
func (k *KafkaWriter) Close() error {
	err := k.writer.Close()
	k.log.WithFields(logrus.Fields{
		"produced": k.produced.Load(),
		"failed":   k.failed.Load(),
	}).Info("kafka export stopped")
	return err
}

// Tee writes every record to all writers, stopping at the first error.
type Tee []Writer

func (t Tee) Write(rec Record) error {
	for _, w := range t {
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every writer and returns the first error.
func (t Tee) Close() error {
	var first error
	for _, w := range t {
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

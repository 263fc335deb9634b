package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/example/fuel-dispatch/internal/models"
	"github.com/segmentio/kafka-go"
)

// StationEvent is the message published whenever a station's availability
// state changes. Consumers use it to refresh the geo index and invalidate
// cached assignments.
type StationEvent struct {
	Type      string             `json:"type"` // station_updated, station_closed, stock_changed
	Station   models.FuelStation `json:"station"`
	Timestamp time.Time          `json:"timestamp"`
}

const (
	EventStationUpdated = "station_updated"
	EventStationClosed  = "station_closed"
	EventStockChanged   = "stock_changed"
)

type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &KafkaProducer{writer: w}
}

func (k *KafkaProducer) PublishStationEvent(eventType string, s models.FuelStation) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, err := json.Marshal(StationEvent{Type: eventType, Station: s, Timestamp: time.Now()})
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(s.ID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

const flushTimeoutMs = 10000

// KafkaSink is a synchronous Kafka-backed Sink. Publish blocks until a
// delivery confirmation is received from the broker, so a returned nil means
// the notification is durably queued.
//
// Close MUST be called at least once to stop the background event monitor
// and flush in-flight notifications.
type KafkaSink struct {
	producer   *kafka.Producer
	log        *zap.SugaredLogger
	topic      string
	errCh      chan error
	eventsDone chan struct{}
	closedCh   chan struct{}
	once       sync.Once
}

// NewKafkaSink creates a Kafka-backed Sink publishing to topic.
//
// The context controls the lifetime of the background event monitor;
// canceling it signals the sink to stop. Callers must still call Close to
// flush and release the producer.
func NewKafkaSink(
	ctx context.Context,
	conf *kafka.ConfigMap,
	topic string,
	log *zap.SugaredLogger,
) (*KafkaSink, error) {
	if topic == "" {
		return nil, fmt.Errorf("invalid topic: must not be empty")
	}
	p, err := kafka.NewProducer(conf)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	s := KafkaSink{
		producer:   p,
		log:        log,
		topic:      topic,
		errCh:      make(chan error, 1),
		eventsDone: make(chan struct{}),
		closedCh:   make(chan struct{}),
	}
	go s.monitorProducerEvents(ctx)
	return &s, nil
}

// Publish encodes n as JSON and synchronously publishes it, keyed by the
// correlating cache key so one reservation's notifications stay ordered
// within a partition.
//
// Publish blocks until a delivery receipt arrives or ctx is canceled. If the
// producer queue is full the message is retried internally with a one second
// delay. When ctx is canceled before confirmation the notification MAY still
// be delivered; consumers must tolerate duplicates.
func (s *KafkaSink) Publish(ctx context.Context, n Notification) error {
	value, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	deliveryCh := make(chan kafka.Event, 1)
	defer close(deliveryCh)

	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &s.topic,
			Partition: kafka.PartitionAny,
		},
		Key:   []byte(n.Key),
		Value: value,
	}

	if err := s.produceWithRetry(ctx, msg, deliveryCh); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case e := <-deliveryCh:
		return s.handleDeliveryEvent(msg, e)
	}
}

// Close stops the event monitor and flushes all pending notifications.
//
// Close blocks until the producer queue drains. If ctx is canceled the flush
// is aborted and the producer closed; queued notifications may be lost.
// Calling Close more than once does nothing.
func (s *KafkaSink) Close(ctx context.Context) {
	s.once.Do(func() {
		s.log.Info("closing kafka notification sink")
		defer close(s.errCh)

		close(s.closedCh)
		<-s.eventsDone

		for s.producer.Flush(flushTimeoutMs) > 0 {
			s.log.Warn("producer queue not flushed, retrying")
			select {
			case <-ctx.Done():
				s.log.Info("context done, stopping producer flush")
				s.producer.Close()
				return
			default:
				continue
			}
		}

		s.producer.Close()
		s.log.Info("kafka notification sink closed")
	})
}

// Errors returns a channel that receives at most one fatal producer error.
// After receiving an error the sink is no longer usable; call Close and
// create a new sink to recover.
func (s *KafkaSink) Errors() <-chan error {
	return s.errCh
}

// produceWithRetry enqueues msg, retrying with a one second delay while the
// producer queue is full. Other producer errors are returned immediately.
func (s *KafkaSink) produceWithRetry(
	ctx context.Context,
	msg *kafka.Message,
	deliveryCh chan kafka.Event,
) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := s.producer.Produce(msg, deliveryCh)
		if err == nil {
			return nil
		}

		kafkaErr, ok := err.(kafka.Error)
		if !ok {
			return fmt.Errorf("failed to produce: %w", err)
		}
		if kafkaErr.Code() == kafka.ErrQueueFull {
			s.log.Warn("producer queue full, retrying")
			time.Sleep(time.Second)
			continue
		}
		return fmt.Errorf("failed to produce: %w", err)
	}
}

func (s *KafkaSink) monitorProducerEvents(ctx context.Context) {
	defer close(s.eventsDone)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("stopping kafka producer events monitoring, context done")
			return
		case <-s.closedCh:
			s.log.Info("stopping kafka producer events monitoring, sink closed")
			return
		case ev, ok := <-s.producer.Events():
			if !ok {
				s.reportFatal(fmt.Errorf("kafka producer event channel closed"))
				return
			}
			switch e := ev.(type) {
			case kafka.Error:
				if e.IsFatal() || e.Code() == kafka.ErrAllBrokersDown {
					s.reportFatal(fmt.Errorf("fatal kafka error: %#x, %w", e.Code(), e))
					return
				}
				s.log.Warnf("ignoring kafka error: %#x, %v", e.Code(), e)
			case *kafka.Message:
				// Delivery receipts go to per-publish channels; seeing one
				// here means a publish abandoned its receipt.
				if e.TopicPartition.Error != nil {
					s.log.Errorf("failed to deliver notification: %v", e.TopicPartition)
				}
			default:
				s.log.Warnf("unknown kafka event: %+v", e)
			}
		}
	}
}

func (s *KafkaSink) reportFatal(err error) {
	select {
	case s.errCh <- err:
	default:
		s.log.Warnf("error channel is full, should not happen: %v", err)
	}
}

func (s *KafkaSink) handleDeliveryEvent(msg *kafka.Message, ev kafka.Event) error {
	switch e := ev.(type) {
	case *kafka.Message:
		if err := e.TopicPartition.Error; err != nil {
			return fmt.Errorf("delivery failed: %w", err)
		}
		s.log.Debugf("delivered notification to topic [%s] partition [%d] at offset [%d]",
			*msg.TopicPartition.Topic, e.TopicPartition.Partition, e.TopicPartition.Offset)
		return nil
	case kafka.Error:
		return fmt.Errorf("kafka error: code=%d fatal=%t: %w", e.Code(), e.IsFatal(), e)
	default:
		return fmt.Errorf("unexpected delivery event: %T", ev)
	}
}

var _ Sink = (*KafkaSink)(nil)

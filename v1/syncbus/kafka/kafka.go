package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"

	kerrors "github.com/mirkobrombin/go-kustodio/v1/errors"
	"github.com/mirkobrombin/go-kustodio/v1/syncbus"
)

// DefaultTopic carries every frame of a cluster.
const DefaultTopic = "kustodio-swarm"

// Options configures a KafkaBus.
type Options struct {
	Topic     string
	Advertise string
	Heartbeat time.Duration
	Logger    *slog.Logger
}

// KafkaBus is a syncbus.Bus over partition 0 of a single Kafka topic.
// Consumers start from the newest offset, so a joining node only sees frames
// published after it joined.
type KafkaBus struct {
	client   sarama.Client
	producer sarama.SyncProducer
	consumer sarama.Consumer
	pc       sarama.PartitionConsumer
	topic    string
	relay    *syncbus.Relay
	logger   *slog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewKafkaBus connects to brokers and starts consuming the cluster topic.
func NewKafkaBus(brokers []string, cfg *sarama.Config, opts Options) (*KafkaBus, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
	cfg.Producer.Partitioner = sarama.NewManualPartitioner
	if opts.Topic == "" {
		opts.Topic = DefaultTopic
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka: connect: %w", err)
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("kafka: producer: %w", err)
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, fmt.Errorf("kafka: consumer: %w", err)
	}
	pc, err := consumer.ConsumePartition(opts.Topic, 0, sarama.OffsetNewest)
	if err != nil {
		_ = consumer.Close()
		_ = producer.Close()
		_ = client.Close()
		return nil, fmt.Errorf("kafka: consume %s: %w", opts.Topic, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &KafkaBus{
		client:   client,
		producer: producer,
		consumer: consumer,
		pc:       pc,
		topic:    opts.Topic,
		relay:    syncbus.NewRelay(opts.Advertise, opts.Heartbeat, opts.Logger),
		logger:   opts.Logger,
		ctx:      ctx,
		cancel:   cancel,
	}
	b.wg.Add(2)
	go b.dispatch()
	go func() {
		defer b.wg.Done()
		b.relay.Run(ctx, b.publish)
	}()
	return b, nil
}

func (b *KafkaBus) publish(_ context.Context, frame []byte) error {
	msg := &sarama.ProducerMessage{Topic: b.topic, Partition: 0, Value: sarama.ByteEncoder(frame)}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return err
	}
	b.relay.Published()
	return nil
}

func (b *KafkaBus) dispatch() {
	defer b.wg.Done()
	for msg := range b.pc.Messages() {
		b.relay.Receive(b.ctx, msg.Value)
	}
}

// Submit implements syncbus.Bus.
func (b *KafkaBus) Submit(ctx context.Context, payload []byte) error {
	if b.ctx.Err() != nil {
		return kerrors.ErrClosed
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	frame, err := b.relay.UpdateFrame(payload)
	if err != nil {
		return err
	}
	return b.publish(ctx, frame)
}

// OnUpdate implements syncbus.Bus.
func (b *KafkaBus) OnUpdate(h syncbus.UpdateHandler) { b.relay.OnUpdate(h) }

// Peers implements syncbus.Bus.
func (b *KafkaBus) Peers() []syncbus.Peer { return b.relay.Peers() }

// Metrics returns the published and delivered counts.
func (b *KafkaBus) Metrics() syncbus.Metrics { return b.relay.Metrics() }

// Close releases resources used by the KafkaBus.
func (b *KafkaBus) Close() error {
	b.closeOnce.Do(func() {
		b.cancel()
		_ = b.pc.Close()
		_ = b.producer.Close()
		_ = b.consumer.Close()
		b.wg.Wait()
		_ = b.client.Close()
	})
	return nil
}

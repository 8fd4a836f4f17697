// Package kafkaconsumer reconciles the index with the catalog: change events
// whose bounding box touches the index trigger a refresh.
package kafkaconsumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	obs "github.com/mohammed-shakir/facility-index/internal/core/observability"
	"github.com/mohammed-shakir/facility-index/internal/geo"
	"github.com/mohammed-shakir/facility-index/internal/invalidation"
	mylog "github.com/mohammed-shakir/facility-index/internal/logger"
)

// Refresher is the slice of the index the consumer needs.
type Refresher interface {
	Bounds() geo.BoundingBox
	Refresh(ctx context.Context) error
}

type Consumer struct {
	cfg    Config
	logger *slog.Logger
	index  Refresher
	dedupe *versionDedupe
	zlog   *zerolog.Logger
}

// New wires the consumer; zl may be nil, in which case structured error
// lines are discarded.
func New(cfg Config, logger *slog.Logger, zl *zerolog.Logger, index Refresher) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		cfg:    cfg,
		logger: logger,
		index:  index,
		dedupe: newVersionDedupe(cfg.DedupeSize),
		zlog:   mylog.FromContext(mylog.WithComponent(context.Background(), "kafka_consumer"), zl),
	}
}

// Start consumes change events until ctx is done.
func (c *Consumer) Start(ctx context.Context) error {
	if c.index == nil {
		return errors.New("kafkaconsumer: missing index")
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_1_0_0
	cfg.Consumer.Group.Session.Timeout = c.cfg.SessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = c.cfg.Heartbeat
	cfg.Consumer.Group.Rebalance.Timeout = c.cfg.RebalanceTimeout
	if c.cfg.InitialOffsetOldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Offsets.AutoCommit.Enable = true

	group, err := sarama.NewConsumerGroup(c.cfg.Brokers, c.cfg.GroupID, cfg)
	if err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}
	defer func() { _ = group.Close() }()

	handler := newGroupHandler(c)

	c.logger.Info("catalog change consumer starting",
		"brokers", c.cfg.Brokers, "topic", c.cfg.Topic, "group", c.cfg.GroupID)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("catalog change consumer shutting down")
			return nil
		default:
			if err := group.Consume(ctx, []string{c.cfg.Topic}, handler); err != nil {
				c.logger.Error("consumer error", "err", err)
				c.zlog.Error().Err(err).
					Strs("brokers", c.cfg.Brokers).
					Str("topic", c.cfg.Topic).
					Msg("kafka consumer error")
				select {
				case <-ctx.Done():
				case <-time.After(2 * time.Second):
				}
			}
		}
	}
}

// ProcessOne handles a single change event. Malformed events are skipped;
// a failed refresh is returned so the message is redelivered.
func (c *Consumer) ProcessOne(ctx context.Context, msg *sarama.ConsumerMessage) error {
	ev, ok := c.relevant(ctx, msg)
	if !ok {
		return nil
	}
	return c.apply(ctx, []invalidation.Event{ev})
}

// relevant decodes msg and reports whether it should trigger a refresh.
func (c *Consumer) relevant(ctx context.Context, msg *sarama.ConsumerMessage) (invalidation.Event, bool) {
	var ev invalidation.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		obs.ObserveEvent("decode_error")
		mylog.FromContext(ctx, c.zlog).Error().
			Str("kind", "decode").
			Str("topic", msg.Topic).
			Int32("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Msg("kafka error")
		return ev, false
	}
	if err := ev.Validate(); err != nil {
		obs.ObserveEvent("invalid")
		c.logger.Warn("skipping invalid change event", "err", err, "offset", msg.Offset)
		return ev, false
	}
	if !ev.BBox.Bounds().Overlaps(c.index.Bounds()) {
		obs.ObserveEvent("outside")
		c.logger.Debug("change event outside index bounds", "op", ev.Op, "source", ev.Source)
		return ev, false
	}
	if ev.Seq > 0 && !c.dedupe.isNew(ev.Source, ev.Seq) {
		obs.ObserveEvent("duplicate")
		return ev, false
	}
	return ev, true
}

// apply refreshes the index once for evs. Sequences are recorded only after
// the refresh succeeds, so a redelivered event is not mistaken for a
// duplicate.
func (c *Consumer) apply(ctx context.Context, evs []invalidation.Event) error {
	if err := c.index.Refresh(ctx); err != nil {
		obs.ObserveEvent("refresh_error")
		mylog.FromContext(ctx, c.zlog).Error().
			Str("kind", "refresh").
			Int("changes", len(evs)).
			Err(err).
			Msg("kafka error")
		return fmt.Errorf("refresh index: %w", err)
	}

	for _, ev := range evs {
		if ev.Seq > 0 {
			c.dedupe.record(ev.Source, ev.Seq)
		}
		obs.ObserveEvent("applied")
	}
	last := evs[len(evs)-1]
	mylog.FromContext(ctx, c.zlog).Info().
		Str("event", "catalog_change").
		Int("changes", len(evs)).
		Str("op", last.Op).Str("source", last.Source).
		Uint64("seq", last.Seq).
		Msg("index refreshed")
	return nil
}

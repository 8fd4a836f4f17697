// Command changegen checks the index's backing services and emits one
// catalog change event so a running index refreshes.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/IBM/sarama"
	"github.com/redis/go-redis/v9"

	"github.com/mohammed-shakir/facility-index/internal/catalog"
	"github.com/mohammed-shakir/facility-index/internal/core/config"
	"github.com/mohammed-shakir/facility-index/internal/core/httpclient"
	"github.com/mohammed-shakir/facility-index/internal/geo"
	"github.com/mohammed-shakir/facility-index/internal/invalidation"
	"github.com/mohammed-shakir/facility-index/internal/invalidation/kafkaconsumer"
	"github.com/mohammed-shakir/facility-index/internal/logger"
)

func checkRedis(ctx context.Context, addr string) error {
	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: 2 * time.Second,
	})
	defer func() { _ = client.Close() }()

	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func checkCatalog(ctx context.Context, cfg config.Config) error {
	zl := logger.Build(logger.Config{Level: "warn", Component: "changegen"}, os.Stderr)
	c, err := catalog.New(logger.NewSlog(&zl), httpclient.NewOutbound(cfg.Catalog.Timeout),
		cfg.Catalog.URL, cfg.Catalog.User, cfg.Catalog.Password)
	if err != nil {
		return err
	}
	resp, err := c.Fetch(ctx, cfg.IndexBounds)
	if err != nil {
		return fmt.Errorf("catalog fetch: %w", err)
	}
	fmt.Printf("catalog: %d facilities inside %s\n", resp.Total, cfg.IndexBounds)
	return nil
}

func emit(brokers []string, topic string, ev invalidation.Event) error {
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}
	msg, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Version = sarama.V2_1_0_0
	prod, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return fmt.Errorf("producer create: %w", err)
	}
	defer func() { _ = prod.Close() }()

	part, off, err := prod.SendMessage(&sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(ev.FacilityID),
		Value: sarama.ByteEncoder(msg),
	})
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	fmt.Printf("produced %s event to %s[%d]@%d\n", ev.Op, topic, part, off)
	return nil
}

// box is north,west,south,east; empty means the whole index.
func eventBox(s string, fallback geo.BoundingBox) (*invalidation.BBox, error) {
	b := fallback
	if s != "" {
		var n, w, so, e float64
		if _, err := fmt.Sscanf(s, "%g,%g,%g,%g", &n, &w, &so, &e); err != nil {
			return nil, fmt.Errorf("box: %w", err)
		}
		b = geo.NewBox(n, w, so, e)
	}
	return &invalidation.BBox{
		X1: b.West(), Y1: b.South(), X2: b.East(), Y2: b.North(), SRID: "EPSG:4326",
	}, nil
}

func run() error {
	op := flag.String("op", "update", "insert|update|delete")
	box := flag.String("box", "", "changed region as north,west,south,east")
	id := flag.String("facility", "", "facility id carried on the event")
	skipChecks := flag.Bool("skip-checks", false, "only emit the event")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if !*skipChecks {
		if err := checkRedis(ctx, cfg.RedisAddr); err != nil {
			return err
		}
		if err := checkCatalog(ctx, cfg); err != nil {
			return err
		}
	}

	bb, err := eventBox(*box, cfg.IndexBounds)
	if err != nil {
		return err
	}
	ev := invalidation.Event{
		Version:    1,
		Seq:        uint64(time.Now().UnixNano()),
		Op:         *op,
		TS:         time.Now().UTC(),
		Source:     "changegen",
		FacilityID: *id,
		BBox:       bb,
	}
	return emit(kafkaconsumer.SplitCSV(cfg.Kafka.Brokers), cfg.Kafka.ChangesTopic, ev)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "changegen:", err)
		os.Exit(1)
	}
}

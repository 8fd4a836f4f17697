package kafkaconsumer

import (
	"strings"
	"time"
)

type Config struct {
	Brokers             []string
	Topic               string
	GroupID             string
	SessionTimeout      time.Duration
	Heartbeat           time.Duration
	RebalanceTimeout    time.Duration
	InitialOffsetOldest bool
	DedupeSize          int
}

// NewConfig fills broker-independent defaults.
func NewConfig(brokersCSV, topic, groupID string) Config {
	if strings.TrimSpace(brokersCSV) == "" {
		brokersCSV = "localhost:9092"
	}
	if topic == "" {
		topic = "facility-changes"
	}
	if groupID == "" {
		groupID = "facility-index"
	}
	return Config{
		Brokers:             SplitCSV(brokersCSV),
		Topic:               topic,
		GroupID:             groupID,
		SessionTimeout:      30 * time.Second,
		Heartbeat:           3 * time.Second,
		RebalanceTimeout:    30 * time.Second,
		InitialOffsetOldest: true,
		DedupeSize:          4096,
	}
}

func SplitCSV(s string) []string {
	var out []string
	for p := range strings.SplitSeq(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

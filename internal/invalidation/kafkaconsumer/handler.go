package kafkaconsumer

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"

	"github.com/mohammed-shakir/facility-index/internal/invalidation"
)

const defaultMaxBatch = 64

// groupHandler coalesces the change events already buffered on a claim into
// one index refresh; a refresh replaces the whole tree, so one per burst is
// enough. Offsets are marked only after the refresh succeeds.
type groupHandler struct {
	relevant func(context.Context, *sarama.ConsumerMessage) (invalidation.Event, bool)
	apply    func(context.Context, []invalidation.Event) error
	maxBatch int
}

func newGroupHandler(c *Consumer) *groupHandler {
	return &groupHandler{relevant: c.relevant, apply: c.apply, maxBatch: defaultMaxBatch}
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	for {
		var first *sarama.ConsumerMessage
		select {
		case <-ctx.Done():
			return fmt.Errorf("claim context done: %w", ctx.Err())
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			first = msg
		}

		batch, closed := h.drainBuffered(claim, first)
		if err := h.handle(ctx, batch); err != nil {
			return err
		}
		for _, m := range batch {
			sess.MarkMessage(m, "")
		}
		if closed {
			return nil
		}
	}
}

// drainBuffered collects messages that are ready without waiting.
func (h *groupHandler) drainBuffered(claim sarama.ConsumerGroupClaim, first *sarama.ConsumerMessage) ([]*sarama.ConsumerMessage, bool) {
	maxBatch := h.maxBatch
	if maxBatch <= 0 {
		maxBatch = 1
	}
	batch := []*sarama.ConsumerMessage{first}
	for len(batch) < maxBatch {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return batch, true
			}
			batch = append(batch, msg)
		default:
			return batch, false
		}
	}
	return batch, false
}

func (h *groupHandler) handle(ctx context.Context, batch []*sarama.ConsumerMessage) error {
	var evs []invalidation.Event
	for _, m := range batch {
		if ev, ok := h.relevant(ctx, m); ok {
			evs = append(evs, ev)
		}
	}
	if len(evs) == 0 {
		return nil
	}
	if err := h.apply(ctx, evs); err != nil {
		first, last := batch[0], batch[len(batch)-1]
		return fmt.Errorf("refresh for %d changes (topic=%s, part=%d, off=%d..%d): %w",
			len(evs), first.Topic, first.Partition, first.Offset, last.Offset, err)
	}
	return nil
}

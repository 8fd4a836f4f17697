// Package syncer pushes facilities collected offline to the catalog.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mohammed-shakir/facility-index/internal/catalog"
	"github.com/mohammed-shakir/facility-index/internal/core/observability"
	"github.com/mohammed-shakir/facility-index/internal/events"
	"github.com/mohammed-shakir/facility-index/internal/facility"
	mylog "github.com/mohammed-shakir/facility-index/internal/logger"
	"github.com/mohammed-shakir/facility-index/internal/offline"
	"github.com/mohammed-shakir/facility-index/internal/report"
)

type Submitter interface {
	SubmitFacility(ctx context.Context, rec facility.Record) (catalog.RemoteRecord, error)
}

type Publisher interface {
	Publish(ev events.Event)
}

type Refresher interface {
	Refresh(ctx context.Context) error
}

type Options struct {
	IndexID   string
	BatchSize int
	// Publisher and Refresher are optional.
	Publisher Publisher
	Refresher Refresher
	Logger    *slog.Logger
}

type Syncer struct {
	queue  offline.Queue
	submit Submitter
	opts   Options
	logger *slog.Logger
}

type Result struct {
	Synced  int `json:"synced"`
	Retried int `json:"retried"`
	Dropped int `json:"dropped"`
}

func New(queue offline.Queue, submit Submitter, opts Options) *Syncer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{queue: queue, submit: submit, opts: opts, logger: logger}
}

// refreshIfDrained rebuilds the index only once nothing is pending. A refresh
// replaces local leaf payloads with the catalog's, which would hide queued
// facilities that were inserted locally but not yet accepted remotely.
func (s *Syncer) refreshIfDrained(ctx context.Context) {
	pending, err := s.queue.Len(ctx)
	if err != nil {
		s.logger.Warn("refresh after sync skipped", "err", err)
		return
	}
	if pending > 0 {
		s.logger.Debug("refresh after sync deferred", "pending", pending)
		return
	}
	if err := s.opts.Refresher.Refresh(ctx); err != nil {
		s.logger.Warn("refresh after sync failed", "err", err)
	}
}

func retryable(err error) bool {
	return errors.Is(err, catalog.ErrNetwork) || errors.Is(err, catalog.ErrServer)
}

// SyncOnce submits up to one batch of queued facilities. Network and server
// failures go back on the queue; rejected credentials drop the record.
func (s *Syncer) SyncOnce(ctx context.Context) (Result, error) {
	batch, err := s.queue.Drain(ctx, s.opts.BatchSize)
	if err != nil {
		return Result{}, fmt.Errorf("drain offline queue: %w", err)
	}
	if len(batch) == 0 {
		return Result{}, nil
	}

	var (
		res   Result
		retry []facility.Facility
	)
	for i, f := range batch {
		if ctx.Err() != nil {
			retry = append(retry, batch[i:]...)
			break
		}
		fctx := mylog.WithFacilityID(ctx, f.ID)
		rec, err := s.submit.SubmitFacility(fctx, f)
		switch {
		case err == nil:
			res.Synced++
			s.publish(rec)
		case retryable(err):
			retry = append(retry, f)
			s.logger.WarnContext(fctx, "facility sync deferred", "err", err)
		default:
			res.Dropped++
			s.logger.ErrorContext(fctx, "facility sync rejected, dropping", "err", err)
			report.Error(err, map[string]string{"facility_id": f.ID, "index_id": s.opts.IndexID})
		}
	}
	res.Retried = len(retry)

	observability.AddSyncResults("synced", res.Synced)
	observability.AddSyncResults("retried", res.Retried)
	observability.AddSyncResults("dropped", res.Dropped)

	if len(retry) > 0 {
		if err := s.queue.Enqueue(context.WithoutCancel(ctx), retry...); err != nil {
			return res, fmt.Errorf("re-enqueue %d facilities: %w", len(retry), err)
		}
	}
	if res.Synced > 0 && s.opts.Refresher != nil && ctx.Err() == nil {
		s.refreshIfDrained(ctx)
	}
	s.logger.Info("offline sync pass",
		"synced", res.Synced, "retried", res.Retried, "dropped", res.Dropped)
	return res, nil
}

func (s *Syncer) publish(rec catalog.RemoteRecord) {
	if s.opts.Publisher == nil {
		return
	}
	s.opts.Publisher.Publish(events.Event{
		Type:       events.TypeFacilitySynced,
		IndexID:    s.opts.IndexID,
		FacilityID: rec.ID,
		Sector:     rec.Properties.Sector,
		Lon:        rec.Lng(),
		Lat:        rec.Lat(),
	})
}

// Run syncs every interval until ctx is done.
func (s *Syncer) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := s.SyncOnce(ctx); err != nil {
				s.logger.Error("offline sync failed", "err", err)
			}
		}
	}
}

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/choraleia/concierge/pkg/utils"
	"github.com/robfig/cron/v3"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// SchedulerConfig holds the background job schedules. An empty schedule
// disables its job.
type SchedulerConfig struct {
	CompactionSweep string        `yaml:"compaction_sweep"`
	Reindex         string        `yaml:"reindex"`
	IdleAfter       time.Duration `yaml:"idle_after"`  // Conversations quiet for this long are swept
	SweepBatch      int           `yaml:"sweep_batch"` // Max conversations per sweep
	ReindexBatch    int           `yaml:"reindex_batch"`
}

func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		CompactionSweep: "*/15 * * * *",
		Reindex:         "0 3 * * *",
		IdleAfter:       30 * time.Minute,
		SweepBatch:      200,
		ReindexBatch:    500,
	}
}

// Scheduler runs the periodic compaction sweep and knowledge reindex.
type Scheduler struct {
	cron      *cron.Cron
	store     *ConversationStore
	compactor *Compactor
	indexer   *KnowledgeIndexer
	sources   []KnowledgeSource
	config    *SchedulerConfig
	logger    *slog.Logger
}

func NewScheduler(store *ConversationStore, compactor *Compactor, indexer *KnowledgeIndexer, sources []KnowledgeSource, config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	return &Scheduler{
		cron:      cron.New(cron.WithParser(cronParser)),
		store:     store,
		compactor: compactor,
		indexer:   indexer,
		sources:   sources,
		config:    config,
		logger:    utils.GetLogger(),
	}
}

// Start registers the configured jobs and starts the cron loop.
func (s *Scheduler) Start() error {
	if expr := s.config.CompactionSweep; expr != "" && s.compactor != nil {
		if _, err := s.cron.AddFunc(expr, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()
			if _, err := s.SweepCompaction(ctx); err != nil {
				s.logger.Warn("Compaction sweep failed", "error", err)
			}
		}); err != nil {
			return fmt.Errorf("invalid compaction sweep schedule %q: %w", expr, err)
		}
	}
	if expr := s.config.Reindex; expr != "" && s.indexer != nil {
		if _, err := s.cron.AddFunc(expr, func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Hour)
			defer cancel()
			if _, err := s.Reindex(ctx); err != nil {
				s.logger.Warn("Knowledge reindex failed", "error", err)
			}
		}); err != nil {
			return fmt.Errorf("invalid reindex schedule %q: %w", expr, err)
		}
	}
	s.cron.Start()
	s.logger.Info("Scheduler started", "compactionSweep", s.config.CompactionSweep, "reindex", s.config.Reindex)
	return nil
}

// Stop stops scheduling and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// SweepCompaction compacts open conversations that have been idle for
// IdleAfter. It returns the number of conversations compacted.
func (s *Scheduler) SweepCompaction(ctx context.Context) (int, error) {
	idle, err := s.store.ListIdleOpen(ctx, time.Now().Add(-s.config.IdleAfter), s.config.SweepBatch)
	if err != nil {
		return 0, err
	}
	compacted := 0
	var errs []error
	for _, conv := range idle {
		if ctx.Err() != nil {
			break
		}
		res, err := s.compactor.Compact(ctx, conv.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if res != nil {
			compacted++
		}
	}
	s.logger.Info("Compaction sweep finished", "candidates", len(idle), "compacted", compacted, "failed", len(errs))
	return compacted, errors.Join(errs...)
}

// Reindex pulls every configured source, embeds chunks that are still
// missing a vector and reloads the vector index from the chunk table.
func (s *Scheduler) Reindex(ctx context.Context) (int, error) {
	total := 0
	var errs []error
	for _, src := range s.sources {
		n, err := s.indexer.IndexSource(ctx, src)
		total += n
		if err != nil {
			errs = append(errs, fmt.Errorf("source %s: %w", src.Name(), err))
		}
	}
	embedded := 0
	if s.indexer.vectors.Enabled() {
		n, err := s.indexer.ReindexEmbeddings(ctx, s.config.ReindexBatch)
		if err != nil {
			errs = append(errs, err)
		}
		embedded = n
		if _, err := s.indexer.SyncVectors(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.logger.Info("Knowledge reindex finished", "documents", total, "embedded", embedded, "failed", len(errs))
	return total, errors.Join(errs...)
}

// NextRun returns the next fire time of a 5-field expression.
func NextRun(expr string, from time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(from), nil
}

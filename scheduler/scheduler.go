package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"manga_ranker/config"
	"manga_ranker/logging"
	"manga_ranker/models"
	"manga_ranker/scraper"
	"manga_ranker/storage"
)

const commandPollInterval = 2 * time.Second

// Triggerable allows workers to be triggered manually
type Triggerable interface {
	Trigger()
}

// Scraper is the part of the run coordinator the scheduler drives
type Scraper interface {
	RunAll(ctx context.Context, opts scraper.RunOptions) (*scraper.BatchStats, error)
	RunStore(ctx context.Context, storeID int64, opts scraper.RunOptions) (*models.StoreStats, error)
	Pause()
	Resume()
}

type Aggregator interface {
	Aggregate(ctx context.Context, targetDate time.Time) (int, error)
}

// CommandQueue is the commands table
type CommandQueue interface {
	PendingCommands(ctx context.Context) ([]models.Command, error)
	MarkCommandProcessed(ctx context.Context, id int64) error
}

type Scheduler struct {
	cfg        *config.Config
	scraper    Scraper
	aggregator Aggregator
	commands   CommandQueue
	cron       *cron.Cron
	ticker     *time.Ticker
	stopCh     chan struct{}
	stopOnce   sync.Once
	jobs       sync.WaitGroup
	batchMu    sync.Mutex // serializes scrape batches with their aggregation
	now        func() time.Time
	log        zerolog.Logger

	enrichmentWorker Triggerable
}

func New(cfg *config.Config, sc Scraper, agg Aggregator, commands CommandQueue) *Scheduler {
	return &Scheduler{
		cfg:        cfg,
		scraper:    sc,
		aggregator: agg,
		commands:   commands,
		cron:       cron.New(),
		stopCh:     make(chan struct{}),
		now:        time.Now,
		log:        logging.For("scheduler"),
	}
}

// SetWorkers registers background workers for manual triggering
func (s *Scheduler) SetWorkers(enrichment Triggerable) {
	s.enrichmentWorker = enrichment
}

func (s *Scheduler) Start(ctx context.Context) error {
	go s.pollCommands(ctx)

	sched := s.cfg.Scheduler
	switch {
	case sched.ScrapeCron != "":
		s.log.Info().Str("scrape", sched.ScrapeCron).Str("aggregate", sched.AggregateCron).Msg("starting scheduler with cron")
		if _, err := s.cron.AddFunc(sched.ScrapeCron, func() { s.scrape(ctx, s.defaultOptions()) }); err != nil {
			return fmt.Errorf("invalid scrape cron expression: %w", err)
		}
		if sched.AggregateCron != "" {
			if _, err := s.cron.AddFunc(sched.AggregateCron, func() { s.aggregateAfterBatch(ctx, s.now()) }); err != nil {
				return fmt.Errorf("invalid aggregate cron expression: %w", err)
			}
		}
		s.cron.Start()
	case sched.Interval > 0:
		s.log.Info().Dur("interval", sched.Interval).Msg("starting scheduler with interval")
		s.ticker = time.NewTicker(sched.Interval)
		go func() {
			for {
				select {
				case <-s.ticker.C:
					s.scrape(ctx, s.defaultOptions())
				case <-s.stopCh:
					return
				case <-ctx.Done():
					return
				}
			}
		}()
	default:
		s.log.Info().Msg("no schedule configured, daemon will only respond to commands")
	}

	return nil
}

// Stop halts scheduling and waits for scrapes started by commands
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		if s.cron != nil {
			<-s.cron.Stop().Done()
		}
		if s.ticker != nil {
			s.ticker.Stop()
		}
		close(s.stopCh)
	})
	s.jobs.Wait()
}

func (s *Scheduler) defaultOptions() scraper.RunOptions {
	return scraper.RunOptions{ItemLimit: s.cfg.Scraper.ItemLimit}
}

// scrape runs a full batch and aggregates the batch date once it completes.
// A scrape requested while another is running waits for it to finish.
func (s *Scheduler) scrape(ctx context.Context, opts scraper.RunOptions) {
	s.batchMu.Lock()
	defer s.batchMu.Unlock()

	batch, err := s.scraper.RunAll(ctx, opts)
	if err != nil {
		if errors.Is(err, scraper.ErrBatchRunning) {
			s.log.Warn().Msg("scrape already running, skipping")
			return
		}
		s.log.Error().Err(err).Msg("scheduled scrape error")
		return
	}
	if batch != nil && batch.BatchID != "" {
		s.log.Info().Str("batch_id", batch.BatchID).Int("succeeded", batch.Succeeded()).
			Int("failed", batch.Failed()).Msg("scrape finished")
		s.aggregate(ctx, batch.Date)
	}
}

func (s *Scheduler) scrapeStore(ctx context.Context, storeID int64, opts scraper.RunOptions) {
	s.batchMu.Lock()
	defer s.batchMu.Unlock()

	stats, err := s.scraper.RunStore(ctx, storeID, opts)
	if err != nil {
		s.log.Error().Err(err).Int64("store_id", storeID).Msg("store scrape error")
		return
	}
	if stats != nil {
		s.aggregate(ctx, s.now())
	}
}

// aggregateAfterBatch waits for any running scrape so the scores see its rankings
func (s *Scheduler) aggregateAfterBatch(ctx context.Context, date time.Time) {
	s.batchMu.Lock()
	defer s.batchMu.Unlock()
	s.aggregate(ctx, date)
}

func (s *Scheduler) aggregate(ctx context.Context, date time.Time) {
	n, err := s.aggregator.Aggregate(ctx, date)
	if err != nil {
		s.log.Error().Err(err).Str("date", date.Format(models.DateLayout)).Msg("aggregation error")
		return
	}
	s.log.Info().Int("updated", n).Str("date", date.Format(models.DateLayout)).Msg("aggregation finished")
}

func (s *Scheduler) pollCommands(ctx context.Context) {
	ticker := time.NewTicker(commandPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.processCommands(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) processCommands(ctx context.Context) {
	cmds, err := s.commands.PendingCommands(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("error getting commands")
		return
	}

	for _, cmd := range cmds {
		s.log.Info().Str("command", string(cmd.Command)).Int64("id", cmd.ID).Msg("processing command")
		if err := s.handleCommand(ctx, &cmd); err != nil {
			s.log.Error().Err(err).Str("command", string(cmd.Command)).Msg("command error")
		}
		if err := s.commands.MarkCommandProcessed(ctx, cmd.ID); err != nil {
			s.log.Error().Err(err).Int64("id", cmd.ID).Msg("error marking command processed")
		}
	}
}

// handleCommand runs scrapes and aggregation in the background so pause and resume stay responsive
func (s *Scheduler) handleCommand(ctx context.Context, cmd *models.Command) error {
	params, err := cmd.ParseParams()
	if err != nil {
		return fmt.Errorf("parse params: %w", err)
	}
	opts := scraper.RunOptions{TestMode: params.TestMode, ItemLimit: params.Limit}
	if opts.ItemLimit == 0 && !opts.TestMode {
		opts.ItemLimit = s.cfg.Scraper.ItemLimit
	}

	switch cmd.Command {
	case models.CmdScrapeNow:
		s.background(func() { s.scrape(ctx, opts) })
	case models.CmdScrapeStore:
		if params.StoreID == 0 {
			return fmt.Errorf("scrape_store requires store_id")
		}
		s.background(func() { s.scrapeStore(ctx, params.StoreID, opts) })
	case models.CmdAggregate:
		date := s.now()
		if params.Date != "" {
			d, err := time.ParseInLocation(models.DateLayout, params.Date, time.Local)
			if err != nil {
				return fmt.Errorf("invalid date %q: %w", params.Date, err)
			}
			date = d
		}
		s.background(func() { s.aggregateAfterBatch(ctx, date) })
	case models.CmdPause:
		s.scraper.Pause()
		s.log.Info().Msg("scraper paused via command")
	case models.CmdResume:
		s.scraper.Resume()
		s.log.Info().Msg("scraper resumed via command")
	case models.CmdRunEnrichment:
		if s.enrichmentWorker != nil {
			s.enrichmentWorker.Trigger()
			s.log.Info().Msg("enrichment worker triggered via command")
		}
	default:
		return fmt.Errorf("unknown command %q", cmd.Command)
	}
	return nil
}

func (s *Scheduler) background(fn func()) {
	s.jobs.Add(1)
	go func() {
		defer s.jobs.Done()
		fn()
	}()
}

var _ CommandQueue = (storage.Store)(nil)

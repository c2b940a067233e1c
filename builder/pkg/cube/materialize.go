package cube

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/statvault/cube/builder/pkg/metrics"
	"github.com/statvault/cube/builder/pkg/pgsql"
	"github.com/statvault/cube/utils/pkg/retry"
)

// JobStatus is the observable state of one enqueued promotion.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// promotionJob promotes one renamed schema's plain views to materialized
// views.
type promotionJob struct {
	Schema  string
	Locales []string
	Views   []string
}

// MaterializerConfig holds the background promotion worker configuration.
type MaterializerConfig struct {
	Logger    *slog.Logger
	Pool      Querier
	Clock     clockwork.Clock
	Retry     retry.Config
	QueueSize int
}

func (cfg *MaterializerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("postgres pool is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 64
	}
	return nil
}

// Materializer runs materialized-view promotion as an explicit background
// job with observable status and a retry policy. A promotion failure never
// invalidates the schema: the plain views remain servable.
type Materializer struct {
	log *slog.Logger
	cfg MaterializerConfig

	jobs chan promotionJob

	mu     sync.Mutex
	status map[string]JobStatus
}

func NewMaterializer(cfg MaterializerConfig) (*Materializer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Materializer{
		log:    cfg.Logger,
		cfg:    cfg,
		jobs:   make(chan promotionJob, cfg.QueueSize),
		status: make(map[string]JobStatus),
	}, nil
}

// Start runs the promotion worker until the context is cancelled.
func (m *Materializer) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case job := <-m.jobs:
				m.runJob(ctx, job)
			}
		}
	})
	return g.Wait()
}

// Enqueue schedules promotion of one schema. It never blocks; when the
// queue is full the job is recorded as failed and a later rebuild must
// re-enqueue it.
func (m *Materializer) Enqueue(schema string, locales, views []string) {
	m.setStatus(schema, JobPending)
	select {
	case m.jobs <- promotionJob{Schema: schema, Locales: locales, Views: views}:
	default:
		m.log.Error("materialization queue full, dropping job", "schema", schema)
		m.setStatus(schema, JobFailed)
	}
}

// Status reports the promotion state of a schema, if one was enqueued
// since this process started.
func (m *Materializer) Status(schema string) (JobStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.status[schema]
	return s, ok
}

func (m *Materializer) setStatus(schema string, s JobStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status[schema] = s
}

func (m *Materializer) runJob(ctx context.Context, job promotionJob) {
	m.setStatus(job.Schema, JobRunning)
	log := m.log.With("schema", job.Schema)

	start := time.Now()
	err := retry.Do(ctx, m.cfg.Retry, func() error {
		return m.promote(ctx, job)
	})
	metrics.MaterializationDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		// The renamed schema and its plain views stay valid and servable.
		log.Error("materialized-view promotion failed", "error", err)
		metrics.MaterializationsTotal.WithLabelValues("error").Inc()
		m.setStatus(job.Schema, JobFailed)
		return
	}
	log.Info("materialized-view promotion complete")
	metrics.MaterializationsTotal.WithLabelValues("success").Inc()
	m.setStatus(job.Schema, JobSucceeded)
}

// promote creates the per-locale materialized views from the persisted core
// SQL, repoints the named views at them and drops the plain core views. The
// plain core view is only dropped after its replacement exists, so readers
// never see a gap.
func (m *Materializer) promote(ctx context.Context, job promotionJob) error {
	q := m.cfg.Pool

	for _, locale := range job.Locales {
		tokenSQL, ok, err := getMetadata(ctx, q, job.Schema, viewSQLKey(coreViewBase, locale))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no persisted core view SQL for locale %q in schema %q", locale, job.Schema)
		}

		mat := pgsql.QuoteIdent(job.Schema, coreMatViewName(locale))
		stmt := "DROP MATERIALIZED VIEW IF EXISTS " + mat
		if _, err := q.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to drop stale materialized view: %w", err)
		}
		stmt = "CREATE MATERIALIZED VIEW " + mat + " AS " +
			renderLang(renderSchema(tokenSQL, job.Schema), locale)
		if _, err := q.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create materialized view for locale %q: %w", locale, err)
		}

		for _, view := range job.Views {
			cols, err := m.viewColumns(ctx, job.Schema, view, locale)
			if err != nil {
				return err
			}
			sel := pgsql.New().
				SQL("SELECT ").IdentList(cols...).
				SQL(" FROM ").SQL(mat).
				String()
			stmt = "CREATE OR REPLACE VIEW " + pgsql.QuoteIdent(job.Schema, namedViewName(view, locale)) + " AS " + sel
			if _, err := q.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("failed to repoint view %q for locale %q: %w", view, locale, err)
			}
			stmt = "CREATE OR REPLACE VIEW " + pgsql.QuoteIdent(job.Schema, namedMatViewName(view, locale)) + " AS " + sel
			if _, err := q.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("failed to create materialized-backed view %q for locale %q: %w", view, locale, err)
			}
		}

		stmt = "DROP VIEW IF EXISTS " + pgsql.QuoteIdent(job.Schema, coreViewName(locale))
		if _, err := q.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to drop plain core view for locale %q: %w", locale, err)
		}
	}

	if err := setMetadata(ctx, q, job.Schema, metaBuildStatus, StatusComplete); err != nil {
		return err
	}
	return setMetadata(ctx, q, job.Schema, metaCompletedAt,
		m.cfg.Clock.Now().UTC().Format(time.RFC3339))
}

func (m *Materializer) viewColumns(ctx context.Context, schema, view, locale string) ([]string, error) {
	raw, ok, err := getMetadata(ctx, m.cfg.Pool, schema, viewColumnsKey(view, locale))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("no persisted column list for view %q locale %q", view, locale)
	}
	var cols []string
	if err := json.Unmarshal([]byte(raw), &cols); err != nil {
		return nil, fmt.Errorf("failed to decode column list for view %q: %w", view, err)
	}
	return cols, nil
}

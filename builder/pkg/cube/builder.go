package cube

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/statvault/cube/builder/pkg/dataset"
	"github.com/statvault/cube/builder/pkg/metrics"
	"github.com/statvault/cube/builder/pkg/pgsql"
)

// Builder orchestrates cube builds: one ephemeral schema per attempt,
// engine steps run strictly in sequence on a single connection, the schema
// renamed to the revision id on success and dropped on failure.
type Builder struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Builder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Builder{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// build carries one build attempt's state between engine steps.
type build struct {
	log   *slog.Logger
	q     Querier
	clock clockwork.Clock
	tr    Translator
	bc    *BuildContext

	cols     []string // fact-table column names in index order
	keyCols  []string // composite-key subset (dimension/measure/time)
	valueCol string   // data-values column, "" when absent
	notesCol string   // note-codes column, "" when absent
}

func (b *build) fail(kind Kind, sql string, err error) error {
	return &ValidationError{
		Kind:     kind,
		Dataset:  b.bc.Dataset.ID,
		Revision: b.bc.EndRevision.ID,
		SQL:      sql,
		Err:      err,
	}
}

// BuildCube materializes the dataset's cube for the given end revision and
// returns the final schema name (the revision id). The synchronous part
// finishes with build_status=awaiting_materialization; materialized-view
// promotion runs detached.
func (b *Builder) BuildCube(ctx context.Context, ds *dataset.Dataset, endRevisionID uuid.UUID) (string, error) {
	start := time.Now()
	schema, err := b.buildCube(ctx, ds, endRevisionID)
	metrics.CubeBuildDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.CubeBuildsTotal.WithLabelValues("error").Inc()
		return "", err
	}
	metrics.CubeBuildsTotal.WithLabelValues("success").Inc()
	return schema, nil
}

func (b *Builder) buildCube(ctx context.Context, ds *dataset.Dataset, endRevisionID uuid.UUID) (string, error) {
	endRev, ok := ds.RevisionByID(endRevisionID)
	if !ok {
		return "", &ValidationError{
			Kind:     KindCubeCreationFailed,
			Dataset:  ds.ID,
			Revision: endRevisionID,
			Err:      fmt.Errorf("end revision %s not found on dataset", endRevisionID),
		}
	}

	buildID := uuid.New()
	buildSchema := "build_" + buildID.String()
	finalSchema := endRevisionID.String()

	conn, err := b.cfg.Pool.Acquire(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Release()

	run := &build{
		log:   b.log.With("dataset", ds.ID, "revision", endRevisionID, "schema", buildSchema),
		q:     conn,
		clock: b.cfg.Clock,
		tr:    b.cfg.Translator,
		bc:    newBuildContext(buildID, buildSchema, ds, endRev, b.cfg.Locales, b.cfg.Views),
	}
	for _, c := range ds.OrderedColumns() {
		run.cols = append(run.cols, c.Name)
	}
	run.keyCols = ds.KeyColumns()
	if c, ok := ds.DataValuesColumn(); ok {
		run.valueCol = c.Name
	}
	if c, ok := ds.NoteCodesColumn(); ok {
		run.notesCol = c.Name
	}

	run.log.Info("starting cube build")

	if _, err := conn.Exec(ctx, "CREATE SCHEMA "+pgsql.QuoteIdent(buildSchema)); err != nil {
		return "", run.fail(KindCubeCreationFailed, "", fmt.Errorf("failed to create build schema: %w", err))
	}

	if err := b.runSteps(ctx, run); err != nil {
		// Mark the schema failed for post-mortem reads, then drop it. The
		// target revision's prior accepted schema is left untouched.
		run.log.Error("cube build failed", "error", err)
		if mdErr := setMetadata(ctx, conn, buildSchema, metaBuildStatus, StatusFailed); mdErr != nil {
			run.log.Error("failed to mark build schema failed", "error", mdErr)
		}
		if _, dropErr := conn.Exec(ctx, "DROP SCHEMA IF EXISTS "+pgsql.QuoteIdent(buildSchema)+" CASCADE"); dropErr != nil {
			run.log.Error("failed to drop build schema", "error", dropErr)
		}
		return "", err
	}

	// Promote: replace any prior schema for this revision and rename the
	// build schema into place.
	if _, err := conn.Exec(ctx, "DROP SCHEMA IF EXISTS "+pgsql.QuoteIdent(finalSchema)+" CASCADE"); err != nil {
		return "", run.fail(KindCubeCreationFailed, "", fmt.Errorf("failed to drop prior revision schema: %w", err))
	}
	if _, err := conn.Exec(ctx, "ALTER SCHEMA "+pgsql.QuoteIdent(buildSchema)+" RENAME TO "+pgsql.QuoteIdent(finalSchema)); err != nil {
		return "", run.fail(KindCubeCreationFailed, "", fmt.Errorf("failed to rename build schema: %w", err))
	}

	run.log.Info("cube build complete, awaiting materialization", "final_schema", finalSchema)

	if b.cfg.Materializer != nil {
		b.cfg.Materializer.Enqueue(finalSchema, b.cfg.Locales, viewNames(b.cfg.Views))
	}

	return finalSchema, nil
}

// runSteps executes the engine sequence against the ephemeral schema.
// Dimensions run before the measure so dimension display names claim
// locale-unique aliases first.
func (b *Builder) runSteps(ctx context.Context, run *build) error {
	if err := createMetadataTable(ctx, run.q, run.bc.Schema); err != nil {
		return run.fail(KindCubeCreationFailed, "", err)
	}
	if err := setMetadata(ctx, run.q, run.bc.Schema, metaBuildStatus, StatusIncomplete); err != nil {
		return run.fail(KindCubeCreationFailed, "", err)
	}

	if err := run.createEmptyFactTable(ctx); err != nil {
		return err
	}
	if err := run.replayRevisions(ctx); err != nil {
		return err
	}
	if err := run.createPrimaryKey(ctx); err != nil {
		return err
	}

	if err := run.createFilterTable(ctx); err != nil {
		return err
	}
	if err := run.buildDimensions(ctx); err != nil {
		return err
	}
	if err := run.buildMeasure(ctx); err != nil {
		return err
	}
	if err := run.persistLookupRegistry(ctx); err != nil {
		return err
	}
	if err := run.buildNotes(ctx); err != nil {
		return err
	}
	if err := run.createViews(ctx); err != nil {
		return err
	}

	if err := setMetadata(ctx, run.q, run.bc.Schema, metaBuiltAt, run.clock.Now().UTC().Format(time.RFC3339)); err != nil {
		return run.fail(KindCubeCreationFailed, "", err)
	}
	if err := setMetadata(ctx, run.q, run.bc.Schema, metaBuildStatus, StatusAwaitingMaterialization); err != nil {
		return run.fail(KindCubeCreationFailed, "", err)
	}
	return nil
}

func viewNames(views []ViewSpec) []string {
	names := make([]string, 0, len(views))
	for _, v := range views {
		names = append(names, v.Name)
	}
	return names
}

// Package collector runs the page loop: it extracts every page, expands
// classification codes, filters duplicates and persists what is new until
// the limit is reached or the listing runs out of pages.
package collector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Klywood/Patentscope-scrapper/internal/assert"
	"github.com/Klywood/Patentscope-scrapper/internal/browser"
	"github.com/Klywood/Patentscope-scrapper/internal/components/chrono"
	"github.com/Klywood/Patentscope-scrapper/internal/components/telemetry"
	"github.com/Klywood/Patentscope-scrapper/internal/dedup"
	"github.com/Klywood/Patentscope-scrapper/internal/extract"
	"github.com/Klywood/Patentscope-scrapper/internal/navigator"
	"github.com/Klywood/Patentscope-scrapper/internal/patent"
	"github.com/Klywood/Patentscope-scrapper/internal/store"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("patentscope/internal/collector")
var meter = otel.Meter("patentscope/internal/collector")

var admittedCounter, _ = meter.Int64Counter("patents.admitted")
var duplicateCounter, _ = meter.Int64Counter("patents.duplicates")
var failureCounter, _ = meter.Int64Counter("extraction.failures")

const (
	report_collector_run      = "collector.run"
	report_collector_admitted = "collector.admitted"
)

type State int

const (
	Running State = iota
	Completed
	Exhausted
	Failed
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Exhausted:
		return "exhausted"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type Navigator interface {
	Initiate(ctx context.Context) error
	Advance(ctx context.Context, expected int) error
	Items() ([]browser.Handle, error)
	Page() int
}

type Extractor interface {
	Extract(ctx context.Context, handles []browser.Handle) (extract.Result, error)
}

type Expander interface {
	Expand(code string) []string
}

type Admitter interface {
	Admit(ctx context.Context, record patent.Record) (dedup.Outcome, error)
}

type Config struct {
	// Limit is the number of new records after which no further page is requested.
	Limit int
	// StartPage is the first page collected, earlier pages are skipped.
	StartPage int
}

// Progress is reported after every persisted page.
type Progress struct {
	Page       int
	Batch      int
	Admitted   int
	Limit      int
	Duplicates int
	Failures   int
	Elapsed    time.Duration
}

// Result is the outcome of a run, counts hold the progress made before a failure.
type Result struct {
	State              State
	Pages              int
	LastPage           int
	Admitted           int
	Duplicates         int
	ExtractionFailures int
	Elapsed            time.Duration
}

type Controller struct {
	nav       Navigator
	extractor Extractor
	index     Expander
	dedup     Admitter
	storage   store.Storage
	cfg       Config
	clock     chrono.API
	tel       telemetry.API

	// OnBatch is called from the controller goroutine after every persisted page.
	OnBatch func(Progress)
}

func New(
	nav Navigator,
	extractor Extractor,
	index Expander,
	admitter Admitter,
	storage store.Storage,
	cfg Config,
	clock chrono.API,
	tel telemetry.API,
) (*Controller, error) {
	assert.NotNil(nav, "nav")
	assert.NotNil(extractor, "extractor")
	assert.NotNil(index, "index")
	assert.NotNil(admitter, "admitter")
	assert.NotNil(storage, "storage")
	assert.NotNil(clock, "clock")
	assert.NotNil(tel, "tel")

	if cfg.Limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive, got %d", navigator.ErrConfiguration, cfg.Limit)
	}
	if cfg.StartPage <= 0 {
		cfg.StartPage = 1
	}

	return &Controller{
		nav:       nav,
		extractor: extractor,
		index:     index,
		dedup:     admitter,
		storage:   storage,
		cfg:       cfg,
		clock:     clock,
		tel:       telemetry.NewScopedAPI("collector", tel),
	}, nil
}

// Run collects pages until Completed or Exhausted. Any other error ends the
// run in the Failed state, a rerun is safe since admitted records are in the
// ledger.
func (c *Controller) Run(ctx context.Context) (Result, error) {
	ctx, span := tracer.Start(ctx, "Run")
	defer span.End()

	start := c.clock.Now()
	result := Result{State: Running}

	finish := func(state State, err error) (Result, error) {
		result.State = state
		result.LastPage = c.nav.Page()
		result.Elapsed = c.clock.Now().Sub(start)
		span.SetAttributes(
			attribute.String("state", state.String()),
			attribute.Int("admitted", result.Admitted),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "collection failed")
			c.tel.ReportBroken(report_collector_run, err, Classify(err))
		}
		return result, err
	}

	err := c.nav.Initiate(ctx)
	if err != nil {
		return finish(Failed, err)
	}

	for c.nav.Page() < c.cfg.StartPage {
		err = c.nav.Advance(ctx, c.nav.Page()+1)
		if errors.Is(err, navigator.ErrNoMorePages) {
			return finish(Exhausted, nil)
		}
		if err != nil {
			return finish(Failed, err)
		}
	}

	for {
		err = c.collectPage(ctx, start, &result)
		if err != nil {
			return finish(Failed, err)
		}
		if result.Admitted >= c.cfg.Limit {
			return finish(Completed, nil)
		}

		err = c.nav.Advance(ctx, c.nav.Page()+1)
		if errors.Is(err, navigator.ErrNoMorePages) {
			return finish(Exhausted, nil)
		}
		if err != nil {
			return finish(Failed, err)
		}
	}
}

func (c *Controller) collectPage(ctx context.Context, start time.Time, result *Result) error {
	page := c.nav.Page()
	ctx, span := tracer.Start(ctx, "CollectPage")
	defer span.End()
	span.SetAttributes(attribute.Int("page", page))

	handles, err := c.nav.Items()
	if err != nil {
		return fmt.Errorf("page %d: list items: %w", page, err)
	}
	extracted, err := c.extractor.Extract(ctx, handles)
	if err != nil {
		return fmt.Errorf("page %d: %w", page, err)
	}
	result.ExtractionFailures += extracted.Failures
	failureCounter.Add(ctx, int64(extracted.Failures))

	var batch []patent.Record
	duplicates := 0
	for _, record := range extracted.Records {
		record.Keywords = c.index.Expand(patent.Deref(record.ClassificationCode))

		outcome, err := c.dedup.Admit(ctx, record)
		if err != nil {
			return fmt.Errorf("page %d: %w", page, err)
		}
		if outcome == dedup.Duplicate {
			duplicates++
			continue
		}
		batch = append(batch, record)
	}
	result.Duplicates += duplicates
	duplicateCounter.Add(ctx, int64(duplicates))

	err = c.storage.AppendBatch(ctx, batch)
	if err != nil {
		return fmt.Errorf("page %d: %w", page, err)
	}
	result.Admitted += len(batch)
	result.Pages++
	admittedCounter.Add(ctx, int64(len(batch)))

	span.SetAttributes(
		attribute.Int("items", len(handles)),
		attribute.Int("admitted", len(batch)),
		attribute.Int("duplicates", duplicates),
	)
	c.tel.ReportCount(report_collector_admitted, int64(result.Admitted))

	if c.OnBatch != nil {
		c.OnBatch(Progress{
			Page:       page,
			Batch:      len(batch),
			Admitted:   result.Admitted,
			Limit:      c.cfg.Limit,
			Duplicates: result.Duplicates,
			Failures:   result.ExtractionFailures,
			Elapsed:    c.clock.Now().Sub(start),
		})
	}
	return nil
}

// Classify maps the error that ended a run to a short code.
func Classify(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case errors.Is(err, navigator.ErrConfiguration):
		return "configuration"
	case errors.Is(err, navigator.ErrNavigationTimeout):
		return "navigation_timeout"
	case errors.Is(err, navigator.ErrPageAdvanceMismatch):
		return "page_mismatch"
	case errors.Is(err, extract.ErrIntegrity):
		return "integrity"
	case errors.Is(err, dedup.ErrLedger):
		return "ledger"
	case errors.Is(err, store.ErrPersistence):
		return "persistence"
	}
	return "unknown"
}

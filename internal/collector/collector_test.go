package collector

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/Klywood/Patentscope-scrapper/internal/browser/browsertest"
	"github.com/Klywood/Patentscope-scrapper/internal/classification"
	"github.com/Klywood/Patentscope-scrapper/internal/components/chrono"
	"github.com/Klywood/Patentscope-scrapper/internal/components/telemetry"
	"github.com/Klywood/Patentscope-scrapper/internal/dedup"
	"github.com/Klywood/Patentscope-scrapper/internal/extract"
	"github.com/Klywood/Patentscope-scrapper/internal/navigator"
	"github.com/Klywood/Patentscope-scrapper/internal/patent"
	"github.com/Klywood/Patentscope-scrapper/internal/store"
	"github.com/stretchr/testify/require"
)

type memoryStorage struct {
	batches [][]patent.Record
	// failOn is the 1-based AppendBatch call that fails, 0 never fails.
	failOn int
	calls  int
}

func (s *memoryStorage) AppendBatch(_ context.Context, records []patent.Record) error {
	if len(records) == 0 {
		return nil
	}
	s.calls++
	if s.calls == s.failOn {
		return fmt.Errorf("%w: disk full", store.ErrPersistence)
	}
	s.batches = append(s.batches, records)
	return nil
}

func (s *memoryStorage) Close() error {
	return nil
}

func (s *memoryStorage) records() []patent.Record {
	var out []patent.Record
	for _, b := range s.batches {
		out = append(out, b...)
	}
	return out
}

func testItem(page, n int) browsertest.Item {
	fields := extract.DefaultFields()
	return browsertest.Item{
		Text: map[string]string{
			fields.Title.Selector:              fmt.Sprintf("PATENT %d-%d", page, n),
			fields.Applicant.Selector:          "ACME",
			fields.ClassificationCode.Selector: "A01B 1/00",
		},
		Attr: map[string]map[string]string{
			fields.URL.Selector: {"href": fmt.Sprintf("https://patentscope.wipo.int/search/en/detail.jsf?docId=WO%d-%d", page, n)},
		},
	}
}

func testPages(sizes ...int) [][]browsertest.Item {
	pages := make([][]browsertest.Item, len(sizes))
	for p, size := range sizes {
		pages[p] = make([]browsertest.Item, size)
		for i := range pages[p] {
			pages[p][i] = testItem(p+1, i)
		}
	}
	return pages
}

func testListing(pages [][]browsertest.Item) *browsertest.Listing {
	sel := navigator.DefaultSelectors()
	return &browsertest.Listing{
		Selectors: browsertest.Selectors{
			SearchButton:  sel.SearchButton,
			Items:         sel.Items,
			NextButton:    sel.NextButton,
			PageIndicator: sel.PageIndicator,
			PerPage:       sel.PerPage,
			Sort:          sel.Sort,
		},
		Pages: pages,
	}
}

type harness struct {
	listing    *browsertest.Listing
	storage    *memoryStorage
	ledger     *dedup.FileLedger
	ledgerPath string
	tel        *telemetry.TestAPI
	clock      *chrono.FakeImpl
}

func newHarness(t *testing.T, pages [][]browsertest.Item) *harness {
	h := &harness{
		listing:    testListing(pages),
		storage:    &memoryStorage{},
		ledgerPath: filepath.Join(t.TempDir(), "ledger.txt"),
		tel:        &telemetry.TestAPI{},
		clock:      &chrono.FakeImpl{Time: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	h.reopenLedger(t)
	return h
}

func (h *harness) reopenLedger(t *testing.T) {
	if h.ledger != nil {
		require.NoError(t, h.ledger.Close())
	}
	ledger, err := dedup.OpenFileLedger(h.ledgerPath, h.tel)
	if err != nil {
		t.Fatal(err)
	}
	h.ledger = ledger
	t.Cleanup(func() { h.ledger.Close() })
}

func (h *harness) controller(t *testing.T, cfg Config) *Controller {
	nav, err := navigator.New(h.listing, navigator.Config{
		SearchURL:    "https://patentscope.wipo.int/search/en/search.jsf",
		PerPage:      200,
		Sort:         "pubdate-desc",
		ReadyItems:   5,
		OpenTimeout:  time.Second * 5,
		ReadyTimeout: time.Second * 20,
		Selectors:    navigator.DefaultSelectors(),
	}, h.tel)
	if err != nil {
		t.Fatal(err)
	}

	index := classification.New(map[string][]string{
		"A":    {"HUMAN NECESSITIES"},
		"A01":  {"AGRICULTURE"},
		"A01B": {"SOIL WORKING"},
	}, h.tel)

	c, err := New(
		nav,
		extract.New(h.listing, extract.DefaultFields(), extract.DefaultConcurrency, h.tel),
		index,
		dedup.New(h.ledger, h.tel),
		h.storage,
		cfg,
		h.clock,
		h.tel,
	)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestRunStopsAtLimit(t *testing.T) {
	h := newHarness(t, testPages(200, 200, 200))
	c := h.controller(t, Config{Limit: 250})

	var progress []Progress
	c.OnBatch = func(p Progress) {
		h.clock.Advance(time.Minute)
		progress = append(progress, p)
	}

	result, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, Completed, result.State)
	require.Equal(t, 2, result.Pages)
	require.Equal(t, 2, result.LastPage)
	require.Equal(t, 400, result.Admitted)
	require.Equal(t, time.Minute*2, result.Elapsed)

	// the third page is never requested
	require.Equal(t, 1, h.listing.Advances())
	require.Len(t, h.storage.records(), 400)

	require.Len(t, progress, 2)
	require.Equal(t, Progress{Page: 1, Batch: 200, Admitted: 200, Limit: 250}, progress[0])
	require.Equal(t, 400, progress[1].Admitted)
	require.Equal(t, time.Minute, progress[1].Elapsed)

	record := h.storage.records()[0]
	require.Equal(t, []string{"AGRICULTURE", "HUMAN NECESSITIES", "SOIL WORKING"}, record.Keywords)
}

func TestRunExhaustedAndRerun(t *testing.T) {
	h := newHarness(t, testPages(10, 10))

	result, err := h.controller(t, Config{Limit: 1000}).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, Exhausted, result.State)
	require.Equal(t, 20, result.Admitted)
	require.Zero(t, result.Duplicates)

	// a second run over the same listing admits nothing new
	h.reopenLedger(t)
	result, err = h.controller(t, Config{Limit: 1000}).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, Exhausted, result.State)
	require.Zero(t, result.Admitted)
	require.Equal(t, 20, result.Duplicates)
	require.Len(t, h.storage.records(), 20)
}

func TestRunDuplicatesWithinRun(t *testing.T) {
	pages := testPages(10, 10)
	pages[1][3] = pages[0][3]
	h := newHarness(t, pages)

	result, err := h.controller(t, Config{Limit: 1000}).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 19, result.Admitted)
	require.Equal(t, 1, result.Duplicates)
}

func TestRunPersistenceFailure(t *testing.T) {
	h := newHarness(t, testPages(10, 10, 10))
	h.storage.failOn = 2

	result, err := h.controller(t, Config{Limit: 1000}).Run(context.Background())
	require.ErrorIs(t, err, store.ErrPersistence)
	require.Equal(t, Failed, result.State)
	require.Equal(t, 10, result.Admitted)
	require.Equal(t, 1, result.Pages)
	require.Equal(t, "persistence", Classify(err))
	require.Len(t, h.tel.Reports("broken", report_collector_run), 1)

	// page 2 reached the ledger but never storage: the restarted run treats
	// it as already handled instead of collecting it twice
	h.reopenLedger(t)
	h.storage.failOn = 0
	result, err = h.controller(t, Config{Limit: 1000}).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, Exhausted, result.State)
	require.Equal(t, 10, result.Admitted)
	require.Equal(t, 20, result.Duplicates)

	for _, r := range h.storage.records() {
		require.NotContains(t, r.Title, "PATENT 2-")
	}
}

func TestRunNavigationFailures(t *testing.T) {
	table := []struct {
		name     string
		setup    func(l *browsertest.Listing)
		expected error
		code     string
	}{
		{
			name:     "stalled page",
			setup:    func(l *browsertest.Listing) { l.Stalled = map[int]bool{2: true} },
			expected: navigator.ErrNavigationTimeout,
			code:     "navigation_timeout",
		},
		{
			name:     "skipped page",
			setup:    func(l *browsertest.Listing) { l.Indicator = map[int]string{2: "Page 3 / 3"} },
			expected: navigator.ErrPageAdvanceMismatch,
			code:     "page_mismatch",
		},
	}

	for _, row := range table {
		t.Run(row.name, func(t *testing.T) {
			h := newHarness(t, testPages(10, 10, 10))
			row.setup(h.listing)

			result, err := h.controller(t, Config{Limit: 1000}).Run(context.Background())
			require.ErrorIs(t, err, row.expected)
			require.Equal(t, row.code, Classify(err))
			require.Equal(t, Failed, result.State)
			require.Equal(t, 10, result.Admitted)
			require.Equal(t, 1, result.LastPage)
		})
	}
}

func TestRunExtractionFailures(t *testing.T) {
	pages := testPages(10)
	pages[0][4].Panic = true
	pages[0][7].Err = fmt.Errorf("stale element")
	h := newHarness(t, pages)

	result, err := h.controller(t, Config{Limit: 1000}).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, Exhausted, result.State)
	require.Equal(t, 8, result.Admitted)
	require.Equal(t, 2, result.ExtractionFailures)
}

func TestRunStartPage(t *testing.T) {
	h := newHarness(t, testPages(10, 10, 10))
	result, err := h.controller(t, Config{Limit: 1000, StartPage: 2}).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, Exhausted, result.State)
	require.Equal(t, 20, result.Admitted)
	require.Equal(t, 2, result.Pages)

	for _, r := range h.storage.records() {
		require.NotContains(t, r.Title, "PATENT 1-")
	}

	h = newHarness(t, testPages(10))
	result, err = h.controller(t, Config{Limit: 1000, StartPage: 5}).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, Exhausted, result.State)
	require.Zero(t, result.Admitted)
}

func TestNewRejectsLimit(t *testing.T) {
	h := newHarness(t, testPages(10))
	nav, err := navigator.New(h.listing, navigator.Config{
		SearchURL:    "https://patentscope.wipo.int/search/en/search.jsf",
		PerPage:      10,
		Sort:         "relevance",
		ReadyItems:   1,
		OpenTimeout:  time.Second,
		ReadyTimeout: time.Second,
	}, h.tel)
	if err != nil {
		t.Fatal(err)
	}

	_, err = New(
		nav,
		extract.New(h.listing, extract.DefaultFields(), 0, h.tel),
		classification.New(nil, h.tel),
		dedup.New(h.ledger, h.tel),
		h.storage,
		Config{Limit: 0},
		h.clock,
		h.tel,
	)
	require.ErrorIs(t, err, navigator.ErrConfiguration)
}

func TestClassify(t *testing.T) {
	require.Equal(t, "ok", Classify(nil))
	require.Equal(t, "canceled", Classify(fmt.Errorf("wait: %w", context.Canceled)))
	require.Equal(t, "ledger", Classify(fmt.Errorf("admit: %w", dedup.ErrLedger)))
	require.Equal(t, "integrity", Classify(extract.ErrIntegrity))
	require.Equal(t, "unknown", Classify(fmt.Errorf("boom")))
}

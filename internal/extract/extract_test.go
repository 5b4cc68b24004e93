package extract

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Klywood/Patentscope-scrapper/internal/browser"
	"github.com/Klywood/Patentscope-scrapper/internal/browser/browsertest"
	"github.com/Klywood/Patentscope-scrapper/internal/components/telemetry"
	"github.com/Klywood/Patentscope-scrapper/internal/patent"
	"github.com/stretchr/testify/require"
)

var testSelectors = browsertest.Selectors{
	SearchButton:  "#search",
	Items:         ".ps-patent-result",
	NextButton:    "#next",
	PageIndicator: "#page",
	PerPage:       "#perPage",
	Sort:          "#sort",
}

func testItem(n int) browsertest.Item {
	fields := DefaultFields()
	return browsertest.Item{
		Text: map[string]string{
			fields.Title.Selector:              fmt.Sprintf("SOIL WORKING TOOL %d", n),
			fields.Creators.Selector:           "IVANOV IVAN; PETROV PETR;",
			fields.Applicant.Selector:          "ACME",
			fields.PublicationDate.Selector:    "01.01.2024",
			fields.Abstract.Selector:           "A tool for working soil.",
			fields.ClassificationCode.Selector: "A01B 1/00",
		},
		Attr: map[string]map[string]string{
			fields.URL.Selector:      {"href": fmt.Sprintf("https://patentscope.wipo.int/search/en/detail.jsf?docId=WO%d", n)},
			fields.Language.Selector: {"lang": "en"},
		},
	}
}

func testItems(n int) []browsertest.Item {
	items := make([]browsertest.Item, n)
	for i := range items {
		items[i] = testItem(i)
	}
	return items
}

func openListing(t *testing.T, items []browsertest.Item) (*browsertest.Listing, []browser.Handle) {
	ctx := context.Background()
	listing := &browsertest.Listing{
		Selectors: testSelectors,
		Pages:     [][]browsertest.Item{items},
	}
	err := listing.Open(ctx, "https://patentscope.wipo.int/search/en/search.jsf")
	if err != nil {
		t.Fatal(err)
	}
	search, _, err := browser.First(listing, testSelectors.SearchButton)
	if err != nil {
		t.Fatal(err)
	}
	err = listing.Click(ctx, search)
	if err != nil {
		t.Fatal(err)
	}
	handles, err := listing.FindAll(testSelectors.Items)
	if err != nil {
		t.Fatal(err)
	}
	return listing, handles
}

func TestExtractCardinality(t *testing.T) {
	for _, n := range []int{0, 1, 24, 200} {
		t.Run(fmt.Sprint(n), func(t *testing.T) {
			listing, handles := openListing(t, testItems(n))
			require.Len(t, handles, n)

			tel := &telemetry.TestAPI{}
			result, err := New(listing, DefaultFields(), 0, tel).Extract(context.Background(), handles)
			require.NoError(t, err)
			require.Len(t, result.Records, n)
			require.Zero(t, result.Failures)

			urls := map[string]struct{}{}
			for _, r := range result.Records {
				urls[r.URL] = struct{}{}
			}
			require.Len(t, urls, n)
			require.Empty(t, tel.Reports("warning", report_extract_item))
		})
	}
}

func TestExtractFields(t *testing.T) {
	listing, handles := openListing(t, testItems(1))

	result, err := New(listing, DefaultFields(), 4, &telemetry.TestAPI{}).Extract(context.Background(), handles)
	require.NoError(t, err)
	require.Len(t, result.Records, 1)

	require.Equal(t, patent.Record{
		Type:               patent.RecordType,
		Language:           patent.Str("en"),
		URL:                "https://patentscope.wipo.int/search/en/detail.jsf?docId=WO0",
		Title:              "SOIL WORKING TOOL 0",
		Creators:           []string{"IVANOV IVAN", "PETROV PETR"},
		Applicant:          patent.Str("ACME"),
		PublicationDate:    patent.Str("01.01.2024"),
		Abstract:           patent.Str("A tool for working soil."),
		ClassificationCode: patent.Str("A01B 1/00"),
	}, result.Records[0])
}

func TestExtractOptionalFieldsMissing(t *testing.T) {
	fields := DefaultFields()
	item := testItem(1)
	delete(item.Text, fields.Applicant.Selector)
	delete(item.Text, fields.Creators.Selector)
	delete(item.Text, fields.ClassificationCode.Selector)
	delete(item.Attr, fields.Language.Selector)
	item.Text[fields.Abstract.Selector] = "   "

	listing, handles := openListing(t, []browsertest.Item{item})
	result, err := New(listing, fields, 0, &telemetry.TestAPI{}).Extract(context.Background(), handles)
	require.NoError(t, err)
	require.Zero(t, result.Failures)
	require.Len(t, result.Records, 1)

	record := result.Records[0]
	require.Nil(t, record.Applicant)
	require.Nil(t, record.Creators)
	require.Nil(t, record.ClassificationCode)
	require.Nil(t, record.Language)
	require.Nil(t, record.Abstract)
	require.NotNil(t, record.PublicationDate)
}

var errStaleElement = errors.New("stale element")

func TestExtractPartialFailure(t *testing.T) {
	table := []struct {
		name   string
		breaks func(item *browsertest.Item)
		cause  error
	}{
		{
			name:   "lookup error",
			breaks: func(item *browsertest.Item) { item.Err = errStaleElement },
			cause:  errStaleElement,
		},
		{name: "panic", breaks: func(item *browsertest.Item) { item.Panic = true }},
		{name: "missing title", breaks: func(item *browsertest.Item) {
			delete(item.Text, DefaultFields().Title.Selector)
		}},
		{name: "missing url", breaks: func(item *browsertest.Item) {
			delete(item.Attr, DefaultFields().URL.Selector)
		}},
	}

	for _, row := range table {
		t.Run(row.name, func(t *testing.T) {
			items := testItems(10)
			row.breaks(&items[5])

			listing, handles := openListing(t, items)
			tel := &telemetry.TestAPI{}
			result, err := New(listing, DefaultFields(), 3, tel).Extract(context.Background(), handles)
			require.NoError(t, err)
			require.Len(t, result.Records, 9)
			require.Equal(t, 1, result.Failures)

			for _, r := range result.Records {
				require.NotEqual(t, "SOIL WORKING TOOL 5", r.Title)
			}

			reports := tel.Reports("warning", report_extract_item)
			require.Len(t, reports, 1)
			require.ErrorIs(t, reports[0].Params[0].(error), ErrItemFailure)
			if row.cause != nil {
				require.ErrorIs(t, reports[0].Params[0].(error), row.cause)
			}
		})
	}
}

type countingSession struct {
	browser.Session
	inflight atomic.Int32
	peak     atomic.Int32
}

func (s *countingSession) FindWithin(h browser.Handle, selector string) (browser.Handle, bool, error) {
	current := s.inflight.Add(1)
	defer s.inflight.Add(-1)
	for {
		peak := s.peak.Load()
		if current <= peak || s.peak.CompareAndSwap(peak, current) {
			break
		}
	}
	time.Sleep(time.Millisecond)
	return s.Session.FindWithin(h, selector)
}

func TestExtractBoundedConcurrency(t *testing.T) {
	listing, handles := openListing(t, testItems(40))
	session := &countingSession{Session: listing}

	result, err := New(session, DefaultFields(), 4, &telemetry.TestAPI{}).Extract(context.Background(), handles)
	require.NoError(t, err)
	require.Len(t, result.Records, 40)
	require.LessOrEqual(t, session.peak.Load(), int32(4))
	require.Zero(t, session.inflight.Load())
}

func TestExtractCancelled(t *testing.T) {
	listing, handles := openListing(t, testItems(5))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := New(listing, DefaultFields(), 0, &telemetry.TestAPI{}).Extract(ctx, handles)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 5, result.Failures)
}

func TestSplitCreators(t *testing.T) {
	require.Equal(t, []string{"A", "B C"}, SplitCreators(" A ;B C; ;"))
	require.Nil(t, SplitCreators(" ; "))
}

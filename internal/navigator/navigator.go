// Package navigator drives the patentscope result listing: it starts the
// search, applies the display options and moves from page to page.
package navigator

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/Klywood/Patentscope-scrapper/internal/assert"
	"github.com/Klywood/Patentscope-scrapper/internal/browser"
	"github.com/Klywood/Patentscope-scrapper/internal/components/telemetry"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("patentscope/internal/navigator")

const report_navigator_advance = "navigator.advance"

var (
	ErrConfiguration       = errors.New("invalid display configuration")
	ErrNavigationTimeout   = errors.New("listing was not ready before the deadline")
	ErrPageAdvanceMismatch = errors.New("page indicator does not match the expected page")
	ErrNoMorePages         = errors.New("no more pages")
)

// PerPageOptions are the page sizes the listing offers.
var PerPageOptions = []int{10, 50, 100, 200}

// SortOptions maps a sort name to the value of its <option>.
var SortOptions = map[string]string{
	"relevance":    "-score",
	"pubdate-desc": "-DP",
	"pubdate-asc":  "+DP",
	"appdate-desc": "-AD",
	"appdate-asc":  "+AD",
}

type Selectors struct {
	SearchButton  string `json:"search_button"`
	Items         string `json:"items"`
	NextButton    string `json:"next_button"`
	PageIndicator string `json:"page_indicator"`
	PerPage       string `json:"per_page"`
	Sort          string `json:"sort"`
}

func DefaultSelectors() Selectors {
	return Selectors{
		SearchButton:  `[id="simpleSearchForm:fpSearch"]`,
		Items:         ".ps-patent-result",
		NextButton:    ".ps-paginator--page--next",
		PageIndicator: `[id="resultListCommandsForm:pageNumber"]`,
		PerPage:       `[id="resultListCommandsForm:perPage:input"]`,
		Sort:          `[id="resultListCommandsForm:sort:input"]`,
	}
}

type Config struct {
	SearchURL string
	PerPage   int
	Sort      string
	// ReadyItems is the number of items that must be rendered before the
	// listing counts as loaded after the search.
	ReadyItems   int
	OpenTimeout  time.Duration
	ReadyTimeout time.Duration
	Selectors    Selectors
}

// Validate returns ErrConfiguration for display options the listing does not offer.
func (c Config) Validate() error {
	if !slices.Contains(PerPageOptions, c.PerPage) {
		return fmt.Errorf("%w: per page must be one of %v, got %d", ErrConfiguration, PerPageOptions, c.PerPage)
	}
	if _, ok := SortOptions[c.Sort]; !ok {
		return fmt.Errorf("%w: unsupported sort %q", ErrConfiguration, c.Sort)
	}
	if c.SearchURL == "" {
		return fmt.Errorf("%w: search url is empty", ErrConfiguration)
	}
	if c.ReadyItems < 0 || c.OpenTimeout <= 0 || c.ReadyTimeout <= 0 {
		return fmt.Errorf("%w: waits must be positive", ErrConfiguration)
	}
	return nil
}

// Navigator is the only component that changes the page of the session.
type Navigator struct {
	session browser.Session
	cfg     Config
	tel     telemetry.API

	page    int
	waiting atomic.Bool
}

func New(session browser.Session, cfg Config, tel telemetry.API) (*Navigator, error) {
	assert.NotNil(session, "session")
	assert.NotNil(tel, "tel")

	err := cfg.Validate()
	if err != nil {
		return nil, err
	}
	return &Navigator{
		session: session,
		cfg:     cfg,
		tel:     telemetry.NewScopedAPI("navigator", tel),
	}, nil
}

// Page returns the last confirmed page, 0 before Initiate.
func (n *Navigator) Page() int {
	return n.page
}

func (n *Navigator) wait(ctx context.Context, what string, timeout time.Duration, cond browser.Condition) error {
	if !n.waiting.CompareAndSwap(false, true) {
		panic("navigator: a wait is already in progress")
	}
	defer n.waiting.Store(false)

	ok, err := n.session.WaitUntil(ctx, cond, time.Now().Add(timeout))
	if err != nil {
		return fmt.Errorf("wait for %s: %w", what, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s after %s", ErrNavigationTimeout, what, timeout)
	}
	return nil
}

// AwaitReady blocks until at least minItems results are rendered.
func (n *Navigator) AwaitReady(ctx context.Context, minItems int, timeout time.Duration) error {
	return n.wait(ctx, fmt.Sprintf("%d results", minItems), timeout, func(s browser.Session) bool {
		return browser.Count(s, n.cfg.Selectors.Items) >= minItems
	})
}

func (n *Navigator) find(selector string) (browser.Handle, error) {
	h, ok, err := browser.First(n.session, selector)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("element %s not found", selector)
	}
	return h, nil
}

func (n *Navigator) selectOption(ctx context.Context, selector, value string) error {
	h, err := n.find(selector)
	if err != nil {
		return err
	}
	err = n.session.SelectOption(ctx, h, value)
	if err != nil {
		return fmt.Errorf("select %q in %s: %w", value, selector, err)
	}
	return n.AwaitReady(ctx, n.cfg.ReadyItems, n.cfg.ReadyTimeout)
}

// Initiate opens the search, submits it and applies the page size and sort order.
func (n *Navigator) Initiate(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Initiate")
	defer span.End()

	err := n.initiate(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to initiate search")
		return err
	}
	return nil
}

func (n *Navigator) initiate(ctx context.Context) error {
	sel := n.cfg.Selectors

	err := n.session.Open(ctx, n.cfg.SearchURL)
	if err != nil {
		return fmt.Errorf("open %s: %w", n.cfg.SearchURL, err)
	}
	err = n.wait(ctx, "search button", n.cfg.OpenTimeout, func(s browser.Session) bool {
		return browser.Count(s, sel.SearchButton) > 0
	})
	if err != nil {
		return err
	}

	search, err := n.find(sel.SearchButton)
	if err != nil {
		return err
	}
	err = n.session.Click(ctx, search)
	if err != nil {
		return fmt.Errorf("click search: %w", err)
	}
	err = n.AwaitReady(ctx, n.cfg.ReadyItems, n.cfg.ReadyTimeout)
	if err != nil {
		return err
	}

	err = n.selectOption(ctx, sel.PerPage, strconv.Itoa(n.cfg.PerPage))
	if err != nil {
		return err
	}
	err = n.selectOption(ctx, sel.Sort, SortOptions[n.cfg.Sort])
	if err != nil {
		return err
	}

	page, err := n.indicator()
	if err != nil {
		return err
	}
	if page != 1 {
		return fmt.Errorf("%w: expected 1, listing shows %d", ErrPageAdvanceMismatch, page)
	}
	n.page = 1
	n.tel.ReportDebug("search initiated", n.cfg.PerPage, n.cfg.Sort)
	return nil
}

var pageNumber = regexp.MustCompile(`[0-9]+`)

// ParseIndicator returns the first number of the page indicator text.
func ParseIndicator(text string) (int, bool) {
	match := pageNumber.FindString(text)
	if match == "" {
		return 0, false
	}
	page, err := strconv.Atoi(match)
	if err != nil {
		return 0, false
	}
	return page, true
}

func (n *Navigator) indicatorText() string {
	h, ok, err := browser.First(n.session, n.cfg.Selectors.PageIndicator)
	if err != nil || !ok {
		return ""
	}
	text, _, err := n.session.Text(h)
	if err != nil {
		return ""
	}
	return text
}

func (n *Navigator) indicator() (int, error) {
	text := n.indicatorText()
	page, ok := ParseIndicator(text)
	if !ok {
		return 0, fmt.Errorf("%w: unreadable page indicator %q", ErrPageAdvanceMismatch, text)
	}
	return page, nil
}

// Advance moves to the next page and checks that the listing reports
// expected as its page. ErrNoMorePages is returned when there is no next page.
func (n *Navigator) Advance(ctx context.Context, expected int) error {
	ctx, span := tracer.Start(ctx, "Advance")
	defer span.End()
	span.SetAttributes(attribute.Int("expected_page", expected))

	err := n.advance(ctx, expected)
	if err != nil && !errors.Is(err, ErrNoMorePages) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to advance")
		n.tel.ReportBroken(report_navigator_advance, err, expected)
	}
	return err
}

func (n *Navigator) advance(ctx context.Context, expected int) error {
	sel := n.cfg.Selectors

	next, ok, err := browser.First(n.session, sel.NextButton)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoMorePages
	}

	before := n.indicatorText()
	err = n.session.Click(ctx, next)
	if err != nil {
		return fmt.Errorf("click next: %w", err)
	}

	// the last page may hold fewer than ReadyItems results
	err = n.wait(ctx, fmt.Sprintf("page %d", expected), n.cfg.ReadyTimeout, func(s browser.Session) bool {
		return n.indicatorText() != before && browser.Count(s, sel.Items) > 0
	})
	if err != nil {
		return err
	}

	page, err := n.indicator()
	if err != nil {
		return err
	}
	if page != expected {
		return fmt.Errorf("%w: expected %d, listing shows %d", ErrPageAdvanceMismatch, expected, page)
	}
	n.page = page
	n.tel.ReportDebug("switched page", page)
	return nil
}

// Items returns the result items of the current page.
func (n *Navigator) Items() ([]browser.Handle, error) {
	return n.session.FindAll(n.cfg.Selectors.Items)
}

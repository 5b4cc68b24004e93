// Package browsertest provides a scripted in-memory browser.Session that
// renders a paginated result listing.
package browsertest

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/Klywood/Patentscope-scrapper/internal/browser"
)

// Selectors are the selectors the listing answers to, anything else matches nothing.
type Selectors struct {
	SearchButton  string
	Items         string
	NextButton    string
	PageIndicator string
	PerPage       string
	Sort          string
}

// Item is one rendered result. Text and Attr are keyed by the selector used
// with FindWithin on the item.
type Item struct {
	Text map[string]string
	Attr map[string]map[string]string
	// Err is returned by every lookup inside the item.
	Err error
	// Panic makes every lookup inside the item panic.
	Panic bool
}

// Listing is safe for concurrent lookups, navigation is expected from a single goroutine.
type Listing struct {
	Selectors Selectors
	Pages     [][]Item

	// PerPageOptions and SortOptions are the values the selects accept, empty accepts anything.
	PerPageOptions []string
	SortOptions    []string
	// Indicator overrides the page indicator text of a 1-based page.
	Indicator map[int]string
	// Stalled lists 1-based pages whose items never render.
	Stalled map[int]bool
	OpenErr error

	mu       sync.Mutex
	opened   bool
	searched bool
	page     int
	gen      int
	perPage  string
	sort     string
	opens    []string
	advances int
}

type handleKind int

const (
	kindControl handleKind = iota
	kindItem
	kindField
)

type handle struct {
	kind     handleKind
	selector string
	item     *Item
	gen      int
}

var _ browser.Session = (*Listing)(nil)

// CurrentPage returns the 1-based page the listing is showing.
func (l *Listing) CurrentPage() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.page + 1
}

// Advances returns how many times the next button was clicked.
func (l *Listing) Advances() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.advances
}

func (l *Listing) PerPage() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.perPage
}

func (l *Listing) Sort() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sort
}

func (l *Listing) Opened() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.opens...)
}

func (l *Listing) Open(_ context.Context, url string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.opens = append(l.opens, url)
	if l.OpenErr != nil {
		return l.OpenErr
	}
	l.opened = true
	l.searched = false
	l.page = 0
	l.gen++
	return nil
}

// WaitUntil evaluates cond once, the listing state only changes through actions.
func (l *Listing) WaitUntil(ctx context.Context, cond browser.Condition, _ time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return cond(l), nil
}

func (l *Listing) control(selector string) *handle {
	return &handle{kind: kindControl, selector: selector, gen: l.gen}
}

func (l *Listing) FindAll(selector string) ([]browser.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.opened {
		return nil, nil
	}

	switch selector {
	case "":
		return nil, nil
	case l.Selectors.SearchButton:
		return []browser.Handle{l.control(selector)}, nil
	case l.Selectors.Items:
		if !l.searched || l.Stalled[l.page+1] || l.page >= len(l.Pages) {
			return nil, nil
		}
		items := l.Pages[l.page]
		out := make([]browser.Handle, len(items))
		for i := range items {
			out[i] = &handle{kind: kindItem, item: &items[i], gen: l.gen}
		}
		return out, nil
	case l.Selectors.NextButton:
		if !l.searched || l.page >= len(l.Pages)-1 {
			return nil, nil
		}
		return []browser.Handle{l.control(selector)}, nil
	case l.Selectors.PageIndicator, l.Selectors.PerPage, l.Selectors.Sort:
		if !l.searched {
			return nil, nil
		}
		return []browser.Handle{l.control(selector)}, nil
	}
	return nil, nil
}

func (l *Listing) resolve(h browser.Handle) (*handle, error) {
	lh, ok := h.(*handle)
	if !ok || lh == nil || lh.gen != l.gen {
		return nil, browser.ErrStaleHandle
	}
	return lh, nil
}

func (l *Listing) FindWithin(h browser.Handle, selector string) (browser.Handle, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lh, err := l.resolve(h)
	if err != nil {
		return nil, false, err
	}
	if lh.kind != kindItem {
		return nil, false, nil
	}
	if lh.item.Panic {
		panic(fmt.Sprintf("browsertest: lookup of %q panicked", selector))
	}
	if lh.item.Err != nil {
		return nil, false, lh.item.Err
	}

	_, hasText := lh.item.Text[selector]
	_, hasAttr := lh.item.Attr[selector]
	if !hasText && !hasAttr {
		return nil, false, nil
	}
	return &handle{kind: kindField, selector: selector, item: lh.item, gen: lh.gen}, true, nil
}

func (l *Listing) Click(_ context.Context, h browser.Handle) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	lh, err := l.resolve(h)
	if err != nil {
		return err
	}
	if lh.kind != kindControl {
		return browser.ErrUnsupportedAction
	}

	switch lh.selector {
	case l.Selectors.SearchButton:
		l.searched = true
		l.page = 0
	case l.Selectors.NextButton:
		l.page++
		l.advances++
	default:
		return browser.ErrUnsupportedAction
	}
	l.gen++
	return nil
}

func accepts(options []string, value string) bool {
	if len(options) == 0 {
		return true
	}
	for _, o := range options {
		if o == value {
			return true
		}
	}
	return false
}

func (l *Listing) SelectOption(_ context.Context, h browser.Handle, value string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	lh, err := l.resolve(h)
	if err != nil {
		return err
	}
	if lh.kind != kindControl {
		return browser.ErrUnsupportedAction
	}

	switch lh.selector {
	case l.Selectors.PerPage:
		if !accepts(l.PerPageOptions, value) {
			return browser.ErrNoSuchOption
		}
		l.perPage = value
	case l.Selectors.Sort:
		if !accepts(l.SortOptions, value) {
			return browser.ErrNoSuchOption
		}
		l.sort = value
	default:
		return browser.ErrUnsupportedAction
	}
	l.page = 0
	l.gen++
	return nil
}

func (l *Listing) Attribute(h browser.Handle, name string) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lh, err := l.resolve(h)
	if err != nil {
		return "", false, err
	}
	if lh.kind != kindField {
		return "", false, nil
	}
	value, ok := lh.item.Attr[lh.selector][name]
	return value, ok, nil
}

func (l *Listing) Text(h browser.Handle) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lh, err := l.resolve(h)
	if err != nil {
		return "", false, err
	}

	switch lh.kind {
	case kindField:
		value, ok := lh.item.Text[lh.selector]
		return value, ok && value != "", nil
	case kindControl:
		if lh.selector == l.Selectors.PageIndicator {
			if text, ok := l.Indicator[l.page+1]; ok {
				return text, true, nil
			}
			return "Page " + strconv.Itoa(l.page+1) + " / " + strconv.Itoa(len(l.Pages)), true, nil
		}
	}
	return "", false, nil
}

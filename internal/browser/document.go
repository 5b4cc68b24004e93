package browser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Klywood/Patentscope-scrapper/internal/assert"
	"github.com/Klywood/Patentscope-scrapper/internal/components/telemetry"
	"github.com/Klywood/Patentscope-scrapper/lib/htmlutil"
	"github.com/Klywood/Patentscope-scrapper/lib/restyutil"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

const (
	report_document_fetch  = "document.fetch"
	report_document_reload = "document.reload"
	report_document_dump   = "document.dump"
)

var ErrNoDocument = errors.New("browser: no document is open")

// DocumentOptions configures the HTTP transport of a DocumentSession.
type DocumentOptions struct {
	// RequestsPerSecond limits outgoing requests, <= 0 means 2 per second.
	RequestsPerSecond float64
	// Timeout of a single request, 0 means 30 seconds.
	Timeout time.Duration
	// PollInterval between WaitUntil evaluations, 0 means 500ms.
	PollInterval time.Duration
	UserAgent    string
	// DisableBypass turns off the cloudflare bypass transport, tests use it with httptest servers.
	DisableBypass bool
	// Dump receives every http exchange when set.
	Dump restyutil.Output
}

type pageRequest struct {
	method string
	url    string
	form   url.Values
}

type docHandle struct {
	sel *goquery.Selection
	gen uint64
}

// DocumentSession is a Session over server-rendered HTML. Links are followed
// with GET, buttons submit their enclosing form and selecting an option
// submits the form the <select> belongs to.
type DocumentSession struct {
	Http *resty.Client

	tel          telemetry.API
	pollInterval time.Duration

	mu   sync.RWMutex
	doc  *goquery.Document
	base *url.URL
	last pageRequest
	gen  uint64
}

var _ Session = (*DocumentSession)(nil)

func NewDocumentSession(tel telemetry.API, opts DocumentOptions) (*DocumentSession, error) {
	assert.NotNil(tel, "tel")
	tel = telemetry.NewScopedAPI("browser", tel)

	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 2
	}
	if opts.Timeout == 0 {
		opts.Timeout = time.Second * 30
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = time.Millisecond * 500
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36"
	}

	httpClient := resty.New()
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	httpClient.SetCookieJar(jar)
	if !opts.DisableBypass {
		httpClient.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(httpClient.GetClient().Transport)
	}
	httpClient.SetHeader("user-agent", opts.UserAgent)
	httpClient.SetTimeout(opts.Timeout)

	burst := int(opts.RequestsPerSecond)
	if burst < 1 {
		burst = 1
	}
	rateLimiter := rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	httpClient.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		return rateLimiter.Wait(req.Context())
	})

	telemetry.InstrumentResty(httpClient, tel)
	if opts.Dump != nil {
		restyutil.Dump(httpClient, opts.Dump, func(err error) {
			tel.ReportWarning(report_document_dump, err)
		})
	}

	return &DocumentSession{
		Http:         httpClient,
		tel:          tel,
		pollInterval: opts.PollInterval,
	}, nil
}

func (s *DocumentSession) fetch(ctx context.Context, req pageRequest) error {
	r := s.Http.R().SetContext(ctx)

	var res *resty.Response
	var err error
	if req.method == http.MethodPost {
		res, err = r.SetFormDataFromValues(req.form).Post(req.url)
	} else {
		if len(req.form) > 0 {
			r.SetQueryParamsFromValues(req.form)
		}
		res, err = r.Get(req.url)
	}
	if err != nil {
		s.tel.ReportBroken(report_document_fetch, err, req.method, req.url)
		return fmt.Errorf("fetch %s: %w", req.url, err)
	}
	if res.IsError() {
		err := fmt.Errorf("fetch %s: unexpected status %s", req.url, res.Status())
		s.tel.ReportBroken(report_document_fetch, err)
		return err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewBuffer(res.Body()))
	if err != nil {
		s.tel.ReportBroken(report_document_fetch, fmt.Errorf("parse html: %w", err), req.url)
		return fmt.Errorf("parse %s: %w", req.url, err)
	}

	base, err := url.Parse(req.url)
	if err != nil {
		return err
	}
	if res.RawResponse != nil && res.RawResponse.Request != nil {
		base = res.RawResponse.Request.URL
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc = doc
	s.base = base
	s.last = req
	s.gen++
	return nil
}

func (s *DocumentSession) Open(ctx context.Context, link string) error {
	return s.fetch(ctx, pageRequest{method: http.MethodGet, url: link})
}

// reload replays the last request when it is safe to repeat.
func (s *DocumentSession) reload(ctx context.Context) error {
	s.mu.RLock()
	last := s.last
	s.mu.RUnlock()

	if last.url == "" || last.method != http.MethodGet {
		return nil
	}
	return s.fetch(ctx, last)
}

func (s *DocumentSession) WaitUntil(ctx context.Context, cond Condition, deadline time.Time) (bool, error) {
	for {
		if cond(s) {
			return true, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}

		wait := s.pollInterval
		if remaining < wait {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		case <-timer.C:
		}

		err := s.reload(ctx)
		if err != nil {
			s.tel.ReportWarning(report_document_reload, err)
		}
	}
}

func (s *DocumentSession) selection(h Handle) (*goquery.Selection, error) {
	dh, ok := h.(*docHandle)
	if !ok || dh == nil {
		return nil, ErrStaleHandle
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if dh.gen != s.gen {
		return nil, ErrStaleHandle
	}
	return dh.sel, nil
}

func (s *DocumentSession) FindAll(selector string) ([]Handle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.doc == nil {
		return nil, ErrNoDocument
	}

	var handles []Handle
	s.doc.Find(selector).Each(func(_ int, sel *goquery.Selection) {
		handles = append(handles, &docHandle{sel: sel, gen: s.gen})
	})
	return handles, nil
}

func (s *DocumentSession) FindWithin(h Handle, selector string) (Handle, bool, error) {
	sel, err := s.selection(h)
	if err != nil {
		return nil, false, err
	}
	child := sel.Find(selector).First()
	if child.Length() == 0 {
		return nil, false, nil
	}
	return &docHandle{sel: child, gen: h.(*docHandle).gen}, true, nil
}

func (s *DocumentSession) Attribute(h Handle, name string) (string, bool, error) {
	sel, err := s.selection(h)
	if err != nil {
		return "", false, err
	}
	value, ok := sel.Attr(name)
	if !ok {
		return "", false, nil
	}
	if name == "href" || name == "src" {
		s.mu.RLock()
		base := s.base
		s.mu.RUnlock()
		resolved, err := htmlutil.ResolveHref(base, value)
		if err != nil {
			return "", false, err
		}
		return resolved, true, nil
	}
	return value, true, nil
}

func (s *DocumentSession) Text(h Handle) (string, bool, error) {
	sel, err := s.selection(h)
	if err != nil {
		return "", false, err
	}
	text := htmlutil.CleanText(sel.Text())
	return text, text != "", nil
}

func (s *DocumentSession) Click(ctx context.Context, h Handle) error {
	sel, err := s.selection(h)
	if err != nil {
		return err
	}

	switch goquery.NodeName(sel) {
	case "a":
		href := strings.TrimSpace(sel.AttrOr("href", ""))
		if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(strings.ToLower(href), "javascript:") {
			return fmt.Errorf("click <a href=%q>: %w", href, ErrUnsupportedAction)
		}
		link, _, err := s.Attribute(h, "href")
		if err != nil {
			return err
		}
		return s.fetch(ctx, pageRequest{method: http.MethodGet, url: link})
	case "button", "input":
		kind := strings.ToLower(sel.AttrOr("type", "submit"))
		if kind != "submit" && kind != "image" {
			return fmt.Errorf("click <%s type=%q>: %w", goquery.NodeName(sel), kind, ErrUnsupportedAction)
		}
		form := sel.Closest("form")
		if form.Length() == 0 {
			return fmt.Errorf("click: submit control outside a form: %w", ErrUnsupportedAction)
		}
		return s.submit(ctx, form, sel)
	}
	return fmt.Errorf("click <%s>: %w", goquery.NodeName(sel), ErrUnsupportedAction)
}

func (s *DocumentSession) SelectOption(ctx context.Context, h Handle, value string) error {
	sel, err := s.selection(h)
	if err != nil {
		return err
	}
	if goquery.NodeName(sel) != "select" {
		return fmt.Errorf("select option on <%s>: %w", goquery.NodeName(sel), ErrUnsupportedAction)
	}

	options := sel.Find("option")
	match := options.FilterFunction(func(_ int, opt *goquery.Selection) bool {
		if v, ok := opt.Attr("value"); ok && v == value {
			return true
		}
		return htmlutil.CleanText(opt.Text()) == value
	}).First()
	if match.Length() == 0 {
		return fmt.Errorf("select %q: %w", value, ErrNoSuchOption)
	}

	s.mu.Lock()
	options.RemoveAttr("selected")
	match.SetAttr("selected", "selected")
	s.mu.Unlock()

	form := sel.Closest("form")
	if form.Length() == 0 {
		return nil
	}
	return s.submit(ctx, form, nil)
}

func (s *DocumentSession) submit(ctx context.Context, form, submitter *goquery.Selection) error {
	s.mu.RLock()
	values := formValues(form)
	base := s.base
	s.mu.RUnlock()

	if submitter != nil {
		if name, ok := submitter.Attr("name"); ok && name != "" {
			values.Add(name, submitter.AttrOr("value", ""))
		}
	}

	action, err := htmlutil.ResolveHref(base, form.AttrOr("action", ""))
	if err != nil {
		return err
	}
	method := strings.ToUpper(form.AttrOr("method", http.MethodGet))
	if method != http.MethodPost {
		method = http.MethodGet
	}
	return s.fetch(ctx, pageRequest{method: method, url: action, form: values})
}

// formValues serializes the successful controls of a form, submit buttons excluded.
func formValues(form *goquery.Selection) url.Values {
	values := url.Values{}
	form.Find("input, select, textarea").Each(func(_ int, field *goquery.Selection) {
		name, ok := field.Attr("name")
		if !ok || name == "" {
			return
		}
		if _, disabled := field.Attr("disabled"); disabled {
			return
		}

		switch goquery.NodeName(field) {
		case "input":
			switch strings.ToLower(field.AttrOr("type", "text")) {
			case "submit", "button", "image", "reset", "file":
				return
			case "checkbox", "radio":
				if _, checked := field.Attr("checked"); !checked {
					return
				}
				values.Add(name, field.AttrOr("value", "on"))
			default:
				values.Add(name, field.AttrOr("value", ""))
			}
		case "select":
			selected := field.Find("option[selected]").First()
			if selected.Length() == 0 {
				selected = field.Find("option").First()
			}
			if selected.Length() == 0 {
				return
			}
			value, ok := selected.Attr("value")
			if !ok {
				value = htmlutil.CleanText(selected.Text())
			}
			values.Add(name, value)
		case "textarea":
			values.Add(name, field.Text())
		}
	})
	return values
}

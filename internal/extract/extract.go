// Package extract reads patent records out of the result items of one
// listing page.
package extract

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/Klywood/Patentscope-scrapper/internal/assert"
	"github.com/Klywood/Patentscope-scrapper/internal/browser"
	"github.com/Klywood/Patentscope-scrapper/internal/components/telemetry"
	"github.com/Klywood/Patentscope-scrapper/internal/patent"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("patentscope/internal/extract")

const DefaultConcurrency = 24

const report_extract_item = "extractor.extract-item"

var (
	ErrItemFailure = errors.New("item extraction failed")
	ErrIntegrity   = errors.New("extraction result does not account for every item")
)

// Field locates one value inside a result item. An empty Attribute reads the
// element's text, an empty Selector means the listing does not carry the field.
type Field struct {
	Selector  string `json:"selector"`
	Attribute string `json:"attribute,omitempty"`
}

type Fields struct {
	URL                Field `json:"url"`
	Title              Field `json:"title"`
	Language           Field `json:"language"`
	Creators           Field `json:"creators"`
	Applicant          Field `json:"applicant"`
	PublicationDate    Field `json:"publication_date"`
	Abstract           Field `json:"abstract"`
	ClassificationCode Field `json:"classification_code"`
}

// DefaultFields are the lookups for a patentscope result item (.ps-patent-result).
func DefaultFields() Fields {
	return Fields{
		URL:                Field{Selector: ".ps-patent-result--title a", Attribute: "href"},
		Title:              Field{Selector: ".ps-patent-result--title a"},
		Language:           Field{Selector: ".ps-patent-result--title a .trans-section", Attribute: "lang"},
		Creators:           Field{Selector: ".ps-patent-result--inventor"},
		Applicant:          Field{Selector: ".ps-patent-result--applicant"},
		PublicationDate:    Field{Selector: ".ps-patent-result--title--ctr-pubdate span:nth-child(3)"},
		Abstract:           Field{Selector: ".ps-patent-result--abstract"},
		ClassificationCode: Field{Selector: ".ps-patent-result--ipc span:nth-child(1) span a"},
	}
}

type Result struct {
	Records  []patent.Record
	Failures int
}

// Extractor runs the field lookups of every item of a page on a bounded pool.
// Items are independent, a failing item only drops its own record.
type Extractor struct {
	session     browser.Session
	fields      Fields
	concurrency int
	tel         telemetry.API
}

func New(session browser.Session, fields Fields, concurrency int, tel telemetry.API) *Extractor {
	assert.NotNil(session, "session")
	assert.NotNil(tel, "tel")
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Extractor{
		session:     session,
		fields:      fields,
		concurrency: concurrency,
		tel:         telemetry.NewScopedAPI("extract", tel),
	}
}

// Extract returns once every handle has been processed. The order of the
// returned records is not significant.
func (e *Extractor) Extract(ctx context.Context, handles []browser.Handle) (Result, error) {
	ctx, span := tracer.Start(ctx, "Extract")
	defer span.End()

	var result Result
	var mu sync.Mutex

	group := errgroup.Group{}
	group.SetLimit(e.concurrency)
	for i, h := range handles {
		group.Go(func() error {
			record, err := e.extractItem(ctx, h)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failures++
				e.tel.ReportWarning(report_extract_item, fmt.Errorf("%w: item %d: %w", ErrItemFailure, i, err))
				return nil
			}
			result.Records = append(result.Records, record)
			return nil
		})
	}
	// workers never return an error
	_ = group.Wait()

	span.SetAttributes(
		attribute.Int("items", len(handles)),
		attribute.Int("records", len(result.Records)),
		attribute.Int("failures", result.Failures),
	)

	if len(result.Records)+result.Failures != len(handles) {
		err := fmt.Errorf(
			"%w: %d records + %d failures for %d items",
			ErrIntegrity, len(result.Records), result.Failures, len(handles),
		)
		span.RecordError(err)
		span.SetStatus(codes.Error, "integrity violation")
		return result, err
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}
	return result, nil
}

func (e *Extractor) extractItem(ctx context.Context, h browser.Handle) (record patent.Record, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if err := ctx.Err(); err != nil {
		return patent.Record{}, err
	}

	link, err := e.lookup(h, e.fields.URL)
	if err != nil {
		return patent.Record{}, fmt.Errorf("url: %w", err)
	}
	if link == nil {
		return patent.Record{}, fmt.Errorf("missing url")
	}
	title, err := e.lookup(h, e.fields.Title)
	if err != nil {
		return patent.Record{}, fmt.Errorf("title: %w", err)
	}
	if title == nil {
		return patent.Record{}, fmt.Errorf("missing title of %s", *link)
	}

	record = patent.Record{
		Type:  patent.RecordType,
		URL:   *link,
		Title: *title,
	}

	optional := []struct {
		name  string
		field Field
		dest  **string
	}{
		{name: "language", field: e.fields.Language, dest: &record.Language},
		{name: "applicant", field: e.fields.Applicant, dest: &record.Applicant},
		{name: "publication_date", field: e.fields.PublicationDate, dest: &record.PublicationDate},
		{name: "abstract", field: e.fields.Abstract, dest: &record.Abstract},
		{name: "classification_code", field: e.fields.ClassificationCode, dest: &record.ClassificationCode},
	}
	for _, o := range optional {
		value, err := e.lookup(h, o.field)
		if err != nil {
			return patent.Record{}, fmt.Errorf("%s: %w", o.name, err)
		}
		*o.dest = value
	}

	creators, err := e.lookup(h, e.fields.Creators)
	if err != nil {
		return patent.Record{}, fmt.Errorf("creators: %w", err)
	}
	if creators != nil {
		record.Creators = SplitCreators(*creators)
	}

	return record, nil
}

// lookup returns nil when the item has no element or value for the field.
func (e *Extractor) lookup(h browser.Handle, f Field) (*string, error) {
	if f.Selector == "" {
		return nil, nil
	}
	child, ok, err := e.session.FindWithin(h, f.Selector)
	if err != nil || !ok {
		return nil, err
	}

	var value string
	if f.Attribute == "" {
		value, ok, err = e.session.Text(child)
	} else {
		value, ok, err = e.session.Attribute(child, f.Attribute)
	}
	if err != nil || !ok {
		return nil, err
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	return &value, nil
}

// SplitCreators splits a `;` separated list of names.
func SplitCreators(s string) []string {
	var out []string
	for _, name := range strings.Split(s, ";") {
		name = strings.TrimSpace(name)
		if name != "" {
			out = append(out, name)
		}
	}
	return out
}

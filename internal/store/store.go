// Package store persists admitted patent records in batches.
package store

import (
	"context"
	"errors"
	"strings"

	"github.com/Klywood/Patentscope-scrapper/internal/patent"
)

var ErrPersistence = errors.New("persistence failure")

// Columns is the column order of every tabular output.
var Columns = []string{
	"type",
	"language",
	"url",
	"title",
	"creators",
	"applicant",
	"publication_date",
	"abstract",
	"keywords",
}

// Storage appends batches atomically: either every record of a batch is
// durably stored or none is, and the error wraps ErrPersistence.
type Storage interface {
	AppendBatch(ctx context.Context, records []patent.Record) error
	Close() error
}

// ListSeparator joins multi valued fields.
const ListSeparator = "; "

// Row renders a record in Columns order, absent fields are empty.
func Row(r patent.Record) []string {
	return []string{
		r.Type,
		patent.Deref(r.Language),
		r.URL,
		r.Title,
		strings.Join(r.Creators, ListSeparator),
		patent.Deref(r.Applicant),
		patent.Deref(r.PublicationDate),
		patent.Deref(r.Abstract),
		strings.Join(r.Keywords, ListSeparator),
	}
}

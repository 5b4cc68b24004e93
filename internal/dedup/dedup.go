// Package dedup decides whether a record has been collected before, by any
// run that shared the same ledger.
package dedup

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/Klywood/Patentscope-scrapper/internal/assert"
	"github.com/Klywood/Patentscope-scrapper/internal/components/telemetry"
	"github.com/Klywood/Patentscope-scrapper/internal/patent"
)

type Outcome int

const (
	Admitted Outcome = iota
	Duplicate
)

func (o Outcome) String() string {
	switch o {
	case Admitted:
		return "admitted"
	case Duplicate:
		return "duplicate"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Deduplicator gates records through a Ledger. It has a single writer,
// concurrent calls to Admit panic.
type Deduplicator struct {
	ledger Ledger
	tel    telemetry.API
	busy   atomic.Bool
}

func New(ledger Ledger, tel telemetry.API) *Deduplicator {
	assert.NotNil(ledger, "ledger")
	assert.NotNil(tel, "tel")
	return &Deduplicator{
		ledger: ledger,
		tel:    telemetry.NewScopedAPI("dedup", tel),
	}
}

// Admit returns Duplicate if the record's fingerprint is already in the
// ledger, or if Append finds it there. Otherwise the fingerprint is appended to the ledger before Admitted
// is returned, so a crash between Admit and persisting the record loses the
// record instead of duplicating it on the next run.
func (d *Deduplicator) Admit(ctx context.Context, record patent.Record) (Outcome, error) {
	if !d.busy.CompareAndSwap(false, true) {
		panic("dedup: concurrent call to Admit")
	}
	defer d.busy.Store(false)

	fingerprint := record.Fingerprint()
	seen, err := d.ledger.Contains(ctx, fingerprint)
	if err != nil {
		return Duplicate, fmt.Errorf("check %s: %w", fingerprint, err)
	}
	if seen {
		d.tel.ReportDebug("duplicate record", record.URL)
		return Duplicate, nil
	}

	added, err := d.ledger.Append(ctx, fingerprint)
	if err != nil {
		return Duplicate, fmt.Errorf("admit %s: %w", fingerprint, err)
	}
	if !added {
		// another writer on the same ledger got there first
		d.tel.ReportDebug("duplicate record", record.URL)
		return Duplicate, nil
	}
	return Admitted, nil
}

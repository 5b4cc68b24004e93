package dedup

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sync"

	"github.com/Klywood/Patentscope-scrapper/internal/assert"
	"github.com/Klywood/Patentscope-scrapper/internal/components/telemetry"
)

const report_ledger_load = "ledger.load"

var ErrLedger = errors.New("ledger failure")

var fingerprintShape = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Ledger is a durable append-only set of record fingerprints.
type Ledger interface {
	Contains(ctx context.Context, fingerprint string) (bool, error)
	// Append adds fingerprint in a single step and reports whether it was
	// new. It must be durable by the time it returns.
	Append(ctx context.Context, fingerprint string) (bool, error)
	Len(ctx context.Context) (int, error)
	Close() error
}

// FileLedger stores one fingerprint per line and keeps the whole set in memory.
type FileLedger struct {
	tel  telemetry.API
	path string

	mu   sync.Mutex
	file *os.File
	seen map[string]struct{}
}

// OpenFileLedger opens (or creates) the ledger at path and loads it. Lines
// that are not fingerprints, such as a line torn by a crash, are skipped.
func OpenFileLedger(path string, tel telemetry.API) (*FileLedger, error) {
	assert.NotNil(tel, "tel")
	tel = telemetry.NewScopedAPI("dedup", tel)

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	seen, terminated, err := readLedger(file, tel)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("read ledger %s: %w", path, err)
	}
	if !terminated {
		// start the next append on a fresh line
		_, err = file.WriteString("\n")
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("repair ledger %s: %w", path, err)
		}
	}

	tel.ReportDebug("ledger loaded", path, len(seen))
	return &FileLedger{
		tel:  tel,
		path: path,
		file: file,
		seen: seen,
	}, nil
}

func readLedger(r io.Reader, tel telemetry.API) (map[string]struct{}, bool, error) {
	seen := map[string]struct{}{}
	reader := bufio.NewReader(r)
	terminated := true
	line := 0

	for {
		text, err := reader.ReadString('\n')
		if text != "" {
			line++
			terminated = text[len(text)-1] == '\n'
			fingerprint := text
			if terminated {
				fingerprint = text[:len(text)-1]
			}
			if len(fingerprint) > 0 && fingerprint[len(fingerprint)-1] == '\r' {
				fingerprint = fingerprint[:len(fingerprint)-1]
			}

			switch {
			case fingerprint == "":
			case fingerprintShape.MatchString(fingerprint):
				seen[fingerprint] = struct{}{}
			default:
				tel.ReportWarning(report_ledger_load, fmt.Errorf("line %d is not a fingerprint", line))
			}
		}
		if err == io.EOF {
			return seen, terminated, nil
		}
		if err != nil {
			return nil, false, err
		}
	}
}

func (l *FileLedger) Contains(_ context.Context, fingerprint string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.seen[fingerprint]
	return ok, nil
}

func (l *FileLedger) Append(_ context.Context, fingerprint string) (bool, error) {
	if !fingerprintShape.MatchString(fingerprint) {
		return false, fmt.Errorf("%w: malformed fingerprint %q", ErrLedger, fingerprint)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return false, fmt.Errorf("%w: ledger is closed", ErrLedger)
	}
	if _, ok := l.seen[fingerprint]; ok {
		return false, nil
	}

	_, err := l.file.WriteString(fingerprint + "\n")
	if err != nil {
		return false, fmt.Errorf("%w: write %s: %v", ErrLedger, l.path, err)
	}
	err = l.file.Sync()
	if err != nil {
		return false, fmt.Errorf("%w: sync %s: %v", ErrLedger, l.path, err)
	}
	l.seen[fingerprint] = struct{}{}
	return true, nil
}

func (l *FileLedger) Len(context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.seen), nil
}

func (l *FileLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

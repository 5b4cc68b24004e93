// Package classification expands International Patent Classification codes
// into the keywords of their section, class and subclass.
package classification

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"slices"
	"strings"
	"unicode"

	"github.com/Klywood/Patentscope-scrapper/internal/assert"
	"github.com/Klywood/Patentscope-scrapper/internal/components/telemetry"
)

// NoKeywords marks an index entry that exists but carries no keywords.
const NoKeywords = "-"

const report_index_expand = "index.expand"

var ErrInvalidCode = errors.New("invalid classification code")

// shape of a (possibly partial) IPC symbol once separators are removed,
// ex. A, A01, A01B, A01B1/00
var codeShape = regexp.MustCompile(`^[A-Z]([0-9]{2}([A-Z]([0-9]+(/[0-9]+)?)?)?)?$`)

// Index maps a code prefix of 1, 3 or 4 characters to uppercase keywords.
// It is never mutated after construction and is safe for concurrent use.
type Index struct {
	entries map[string][]string
	tel     telemetry.API
}

// New copies entries into an Index, keys are normalized the same way codes are.
func New(entries map[string][]string, tel telemetry.API) Index {
	assert.NotNil(tel, "tel")

	copied := make(map[string][]string, len(entries))
	for key, keywords := range entries {
		key = normalize(key)
		copied[key] = append(copied[key], keywords...)
	}
	return Index{
		entries: copied,
		tel:     telemetry.NewScopedAPI("classification", tel),
	}
}

// Parse reads an index stored as a flat json object of prefix -> keywords.
func Parse(r io.Reader, tel telemetry.API) (Index, error) {
	var entries map[string][]string
	err := json.NewDecoder(r).Decode(&entries)
	if err != nil {
		return Index{}, fmt.Errorf("decode classification index: %w", err)
	}
	return New(entries, tel), nil
}

func Load(path string, tel telemetry.API) (Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return Index{}, err
	}
	defer f.Close()
	return Parse(f, tel)
}

func (i Index) Len() int {
	return len(i.entries)
}

// normalize uppercases code and drops whitespace and dashes.
func normalize(code string) string {
	return strings.ToUpper(strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || r == '-' {
			return -1
		}
		return r
	}, code))
}

func prefixes(code string) []string {
	var out []string
	for _, n := range []int{1, 3, 4} {
		if len(code) < n {
			break
		}
		out = append(out, code[:n])
	}
	return out
}

// Expand returns the sorted union of the keywords of the code's section,
// class and subclass. An empty code returns nil and an unknown code returns an
// empty set. A malformed code is still looked up by its leading characters,
// with a warning.
func (i Index) Expand(code string) []string {
	if strings.TrimSpace(code) == "" {
		return nil
	}

	normalized := normalize(code)
	if !codeShape.MatchString(normalized) {
		i.tel.ReportWarning(report_index_expand, fmt.Errorf("%w: %q", ErrInvalidCode, code))
	}

	seen := map[string]struct{}{}
	out := []string{}
	for _, prefix := range prefixes(normalized) {
		for _, keyword := range i.entries[prefix] {
			if keyword == NoKeywords {
				continue
			}
			if _, ok := seen[keyword]; ok {
				continue
			}
			seen[keyword] = struct{}{}
			out = append(out, keyword)
		}
	}
	slices.Sort(out)
	return out
}

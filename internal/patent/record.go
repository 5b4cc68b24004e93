package patent

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// RecordType tags every record produced by the crawler.
const RecordType = "Patent"

// Record is one patent scraped from a result listing. URL and Title are
// always present, every other field may be nil.
type Record struct {
	Type               string   `json:"type"`
	Language           *string  `json:"language"`
	URL                string   `json:"url"`
	Title              string   `json:"title"`
	Creators           []string `json:"creators"`
	Applicant          *string  `json:"applicant"`
	PublicationDate    *string  `json:"publication_date"`
	Abstract           *string  `json:"abstract"`
	ClassificationCode *string  `json:"classification_code"`
	Keywords           []string `json:"keywords"`
}

// identity is the subset of fields that determines whether two records are
// the same patent.
type identity struct {
	Applicant *string `json:"applicant"`
	Title     string  `json:"title"`
	URL       string  `json:"url"`
}

// Fingerprint returns the hex encoded sha256 of the canonical json encoding
// of the record's identity fields.
func (r Record) Fingerprint() string {
	// marshalling a struct of strings cannot fail
	canonical, _ := json.Marshal(identity{
		Applicant: r.Applicant,
		Title:     r.Title,
		URL:       r.URL,
	})
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// Str is a helper for filling optional fields.
func Str(s string) *string {
	return &s
}

// Deref returns the value of an optional field or "".
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

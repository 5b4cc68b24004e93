package classification

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"unicode"
)

// maximum length of a code kept in the index (subclass level)
const maxPrefixLength = 4

func isKeyword(token string) bool {
	if token == "" || token != strings.ToUpper(token) {
		return false
	}
	return strings.IndexFunc(token, unicode.IsLetter) >= 0
}

// Build reads IPC title listings, one `<code>\t<title>` per line, and keeps
// the uppercase `; ` separated parts of section, class and subclass titles.
// Entries without any uppercase part are kept with the NoKeywords marker.
func Build(name string, r io.Reader, entries map[string][]string) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		code, title, ok := strings.Cut(text, "\t")
		if !ok {
			return fmt.Errorf("%s:%d: expected <code>\\t<title>", name, line)
		}
		code = normalize(code)
		if len(code) > maxPrefixLength {
			continue
		}

		var keywords []string
		for _, token := range strings.Split(title, "; ") {
			token = strings.TrimSpace(token)
			if isKeyword(token) && !slices.Contains(entries[code], token) && !slices.Contains(keywords, token) {
				keywords = append(keywords, token)
			}
		}
		if len(keywords) == 0 {
			if _, exists := entries[code]; !exists {
				entries[code] = []string{NoKeywords}
			}
			continue
		}
		existing := slices.DeleteFunc(entries[code], func(k string) bool { return k == NoKeywords })
		entries[code] = append(existing, keywords...)
	}
	return scanner.Err()
}

// BuildDir runs Build over every regular file of dir in lexical order.
func BuildDir(dir string) (map[string][]string, error) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	entries := map[string][]string{}
	for _, e := range dirEntries {
		if !e.Type().IsRegular() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		err = Build(path, f, entries)
		f.Close()
		if err != nil {
			return nil, err
		}
	}
	return entries, nil
}

// Write stores entries in the format read by Parse.
func Write(w io.Writer, entries map[string][]string) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(entries)
}

package store

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"sync"

	"github.com/Klywood/Patentscope-scrapper/internal/patent"
)

// CSVStore appends records to a csv file. The header is written only when
// the file is empty at open time.
type CSVStore struct {
	path string

	mu   sync.Mutex
	file *os.File
}

func OpenCSV(path string) (*CSVStore, error) {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrPersistence, path, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: stat %s: %v", ErrPersistence, path, err)
	}

	s := &CSVStore{path: path, file: file}
	if info.Size() == 0 {
		err = s.write(func(w *csv.Writer) error {
			return w.Write(Columns)
		})
		if err != nil {
			file.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *CSVStore) Path() string {
	return s.path
}

// write encodes fn's rows and appends them in one write. A failed append is
// rolled back by truncating to the previous size.
func (s *CSVStore) write(fn func(w *csv.Writer) error) error {
	var buff bytes.Buffer
	writer := csv.NewWriter(&buff)
	err := fn(writer)
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrPersistence, err)
	}
	writer.Flush()
	err = writer.Error()
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrPersistence, err)
	}

	info, err := s.file.Stat()
	if err != nil {
		return fmt.Errorf("%w: stat %s: %v", ErrPersistence, s.path, err)
	}
	_, err = s.file.Write(buff.Bytes())
	if err == nil {
		err = s.file.Sync()
	}
	if err != nil {
		truncErr := s.file.Truncate(info.Size())
		if truncErr != nil {
			return fmt.Errorf("%w: write %s: %v (rollback: %v)", ErrPersistence, s.path, err, truncErr)
		}
		return fmt.Errorf("%w: write %s: %v", ErrPersistence, s.path, err)
	}
	return nil
}

func (s *CSVStore) AppendBatch(_ context.Context, records []patent.Record) error {
	if len(records) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return fmt.Errorf("%w: %s is closed", ErrPersistence, s.path)
	}
	return s.write(func(w *csv.Writer) error {
		for _, r := range records {
			err := w.Write(Row(r))
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *CSVStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

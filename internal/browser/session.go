// Package browser describes the capability used to drive and query a remote
// paginated listing. Everything above this package only sees Session and
// opaque Handles, so a live transport and a scripted fake are interchangeable.
package browser

import (
	"context"
	"errors"
	"time"
)

var (
	ErrStaleHandle       = errors.New("browser: handle does not belong to this session")
	ErrUnsupportedAction = errors.New("browser: element does not support this action")
	ErrNoSuchOption      = errors.New("browser: option not found")
)

// Handle is an opaque reference to one element of the current document.
type Handle any

// Condition is polled by WaitUntil.
type Condition func(s Session) bool

type Session interface {
	// Open navigates to url, replacing the current document.
	Open(ctx context.Context, url string) error
	// WaitUntil polls cond until it holds or deadline passes, it returns false on elapse.
	WaitUntil(ctx context.Context, cond Condition, deadline time.Time) (bool, error)
	// FindAll returns every element of the current document matching selector.
	FindAll(selector string) ([]Handle, error)
	// FindWithin returns the first element below h matching selector, or false.
	FindWithin(h Handle, selector string) (Handle, bool, error)
	Click(ctx context.Context, h Handle) error
	// SelectOption selects the option of a <select> whose value or visible text equals value.
	SelectOption(ctx context.Context, h Handle, value string) error
	Attribute(h Handle, name string) (string, bool, error)
	Text(h Handle) (string, bool, error)
}

// Count returns the number of elements matching selector, errors count as zero.
func Count(s Session, selector string) int {
	handles, err := s.FindAll(selector)
	if err != nil {
		return 0
	}
	return len(handles)
}

// First returns the first element matching selector.
func First(s Session, selector string) (Handle, bool, error) {
	handles, err := s.FindAll(selector)
	if err != nil || len(handles) == 0 {
		return nil, false, err
	}
	return handles[0], true, nil
}

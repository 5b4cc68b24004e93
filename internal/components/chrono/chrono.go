package chrono

import "time"

type API interface {
	Now() time.Time
	Location() *time.Location
}

type StandardImpl struct {
	location *time.Location
}

// NewStandardImpl returns a clock in the named IANA zone, "" means the local zone.
func NewStandardImpl(zone string) (StandardImpl, error) {
	if zone == "" {
		return StandardImpl{location: time.Local}, nil
	}
	location, err := time.LoadLocation(zone)
	if err != nil {
		return StandardImpl{}, err
	}
	return StandardImpl{location: location}, nil
}

func (s StandardImpl) Now() time.Time {
	return time.Now().In(s.location)
}

func (s StandardImpl) Location() *time.Location {
	return s.location
}

// FakeImpl returns the same instant until it is moved with Advance.
type FakeImpl struct {
	Time time.Time
}

func (f *FakeImpl) Now() time.Time {
	return f.Time
}

func (f *FakeImpl) Location() *time.Location {
	return f.Time.Location()
}

func (f *FakeImpl) Advance(d time.Duration) {
	f.Time = f.Time.Add(d)
}

// DatedName returns `<prefix>_<dd-mm-yyyy>.<ext>` for the current day of the clock.
func DatedName(clock API, prefix, ext string) string {
	return prefix + "_" + clock.Now().Format("02-01-2006") + "." + ext
}

package models

import (
	"errors"
	"fmt"
)

// ErrUnknownStatus is returned when a status string is not one of the known values.
var ErrUnknownStatus = errors.New("unknown queue status")

// Status is the lifecycle state of a QueueRecord.
type Status string

const (
	StatusParsed  Status = "parsed"  // stored, not yet posted
	StatusPosted  Status = "posted"  // ledger accepted, id recorded
	StatusSkipped Status = "skipped" // ledger-side duplicate, nothing posted
	StatusError   Status = "error"   // ledger call or admission failed terminally
	StatusQueued  Status = "queued"  // posting disabled by configuration
	StatusNoPDF   Status = "no_pdf"  // no extractable attachment
)

// ParseStatus converts s into a Status, rejecting unknown values.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
	}
	return st, nil
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusParsed, StatusPosted, StatusSkipped, StatusError, StatusQueued, StatusNoPDF:
		return true
	}
	return false
}

// Terminal reports whether no further mutation is permitted once a record has status s.
func (s Status) Terminal() bool {
	switch s {
	case StatusPosted, StatusSkipped, StatusError, StatusQueued, StatusNoPDF:
		return true
	case StatusParsed:
		return false
	}
	return false
}

func (s Status) String() string { return string(s) }

package state

import (
	"errors"
	"fmt"
)

// Options selects the persistence backends.
type Options struct {
	// JournalPath is the sqlite journal file. Empty disables the journal.
	JournalPath string
	// SnapshotPath is the snapshot export file. Empty disables the export.
	SnapshotPath string
}

// Stores groups the persistence backends of one process. Nil fields are
// disabled.
type Stores struct {
	Journal  *SQLiteJournal
	Snapshot *SnapshotFile
}

// Open creates the configured backends.
func Open(opts Options) (*Stores, error) {
	s := &Stores{}
	if opts.JournalPath != "" {
		j, err := NewSQLiteJournal(opts.JournalPath)
		if err != nil {
			return nil, fmt.Errorf("opening journal: %w", err)
		}
		s.Journal = j
	}
	if opts.SnapshotPath != "" {
		s.Snapshot = NewSnapshotFile(opts.SnapshotPath)
	}
	return s, nil
}

// Close releases every open backend.
func (s *Stores) Close() error {
	var errs []error
	if s.Journal != nil {
		errs = append(errs, s.Journal.Close())
	}
	return errors.Join(errs...)
}

package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// JournalSink appends every event as one JSON line to a local file, fsyncing each write.
// Redelivered events appear more than once; readers dedupe on the event id.
type JournalSink struct {
	mu sync.Mutex
	f  *os.File
}

// OpenJournal opens or creates the journal at path in append mode.
func OpenJournal(path string) (*JournalSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	return &JournalSink{f: f}, nil
}

func (s *JournalSink) Name() string { return "journal" }

func (s *JournalSink) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.f.Write(line)
	if err != nil {
		return err
	}
	if n != len(line) {
		return fmt.Errorf("partial write: wrote %d of %d bytes", n, len(line))
	}
	return s.f.Sync()
}

// Close releases the file handle.
func (s *JournalSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

package persistence

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DefaultWriteDebounce coalesces bursts of Set calls into one file write.
const DefaultWriteDebounce = 200 * time.Millisecond

// FileStore keeps all shutter records in a single JSON object keyed by
// shutter name. The file is read once and rewritten as a whole.
type FileStore struct {
	path     string
	debounce time.Duration

	mu      sync.Mutex
	records map[string]Record
	dirty   bool
	flush   *time.Timer
}

// OpenFile loads path. A missing or unreadable file is not an error: the
// store starts empty and the problem is logged.
func OpenFile(path string, debounce time.Duration) *FileStore {
	if debounce <= 0 {
		debounce = DefaultWriteDebounce
	}

	s := &FileStore{path: path, debounce: debounce, records: map[string]Record{}}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		logrus.Infof("%s: state file does not exist yet", path)
	case err != nil:
		logrus.Errorf("%s: state file read failed: %s", path, err)
	default:
		records := map[string]Record{}
		if err := json.Unmarshal(data, &records); err != nil {
			logrus.Errorf("%s: state file parse failed: %s", path, err)
			break
		}
		s.records = records
		logrus.Debugf("%s: state loaded for %d shutters", path, len(records))
	}

	return s
}

// Entry returns the Store of a single shutter.
func (s *FileStore) Entry(name string) *Entry {
	return &Entry{file: s, name: name}
}

func (s *FileStore) get(name string) Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[name]
}

func (s *FileStore) set(name string, partial Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[name] = s.records[name].Merge(partial)
	s.dirty = true

	if s.flush == nil {
		s.flush = time.AfterFunc(s.debounce, s.flushLater)
		return
	}
	s.flush.Reset(s.debounce)
}

func (s *FileStore) flushLater() {
	if err := s.Flush(); err != nil {
		logrus.Error(err)
	}
}

// Flush writes pending changes now. A failed write stays pending and is
// carried by the next one.
func (s *FileStore) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.dirty {
		return nil
	}

	if err := s.write(); err != nil {
		return errors.Wrapf(err, "%s: state file write failed", s.path)
	}
	s.dirty = false

	return nil
}

// Close cancels the pending debounce and flushes.
func (s *FileStore) Close() error {
	s.mu.Lock()
	if s.flush != nil {
		s.flush.Stop()
	}
	s.mu.Unlock()

	return s.Flush()
}

func (s *FileStore) write() error {
	data, err := json.Marshal(s.records)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}

	return os.Rename(tmp, s.path)
}

// Entry is a FileStore view of one shutter.
type Entry struct {
	file *FileStore
	name string
}

func (e *Entry) Get() Record {
	return e.file.get(e.name)
}

func (e *Entry) Set(partial Record) {
	e.file.set(e.name, partial)
}

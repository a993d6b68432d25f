package yoloprep

// The completion ledger: a durable, monotonically growing set of materialized file names.

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

// Default ledger file names below the output directory.
const (
	LedgerFileName     = "downloaded_images.txt"
	BoltLedgerFileName = "downloaded_images.db"
)

var completedBucket = []byte("completed")

// Ledger records which images have been fully materialized.
//
// Contains answers for the resume set loaded at open time plus everything recorded since.
// Record must only be called after both artifacts of an image were written. Implementations are
// safe for concurrent use.
type Ledger interface {
	Contains(fileName string) bool
	Record(fileName string) error
	Len() int
	Entries() []string
	Close() error
}

// memberSet is the in-memory membership shared by the ledger backends.
type memberSet struct {
	mu      sync.RWMutex
	members map[string]struct{}
}

func (s *memberSet) Contains(fileName string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.members[fileName]
	return ok
}

func (s *memberSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.members)
}

// Entries returns the members in lexical order.
func (s *memberSet) Entries() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.members))
	for k := range s.members {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// FileLedger persists the ledger as a newline-delimited text file, one file name per line, only
// ever appended to.
type FileLedger struct {
	memberSet
	path string
	file *os.File
}

// OpenFileLedger opens the text ledger at path, creating it if needed.
//
// When resume is false, or the file does not exist, the resume set is empty. Existing content is
// never truncated. Blank lines are ignored.
func OpenFileLedger(path string, resume bool) (*FileLedger, error) {
	members := make(map[string]struct{})
	if resume {
		exists, err := fileExists(path)
		if err != nil {
			return nil, errors.Wrapf(err, "stat ledger %q", path)
		}
		if exists {
			lines, err := readLines(path)
			if err != nil {
				return nil, errors.Wrap(err, "load ledger")
			}
			for _, line := range lines {
				if line = strings.TrimRight(line, "\r"); line != "" {
					members[line] = struct{}{}
				}
			}
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrapf(err, "create ledger directory for %q", path)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "open ledger %q", path)
	}

	return &FileLedger{memberSet: memberSet{members: members}, path: path, file: f}, nil
}

// Record appends fileName to the ledger file and syncs it.
func (l *FileLedger) Record(fileName string) error {
	if fileName == "" || strings.ContainsAny(fileName, "\r\n") {
		return errors.Errorf("invalid ledger entry %q", fileName)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return errors.New("ledger is closed")
	}
	if _, err := l.file.WriteString(fileName + "\n"); err != nil {
		return errors.Wrapf(err, "append to ledger %q", l.path)
	}
	if err := l.file.Sync(); err != nil {
		return errors.Wrapf(err, "sync ledger %q", l.path)
	}
	l.members[fileName] = struct{}{}

	return nil
}

// Close closes the ledger file.
func (l *FileLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// BoltLedger persists the ledger in a bbolt database. Keys are file names, values the completion
// time in RFC 3339 format.
type BoltLedger struct {
	memberSet
	db *bolt.DB
}

// OpenBoltLedger opens the bbolt ledger at path, creating it if needed. Resume semantics are the
// same as for OpenFileLedger: without resume, previous entries are kept on disk but ignored.
func OpenBoltLedger(path string, resume bool) (*BoltLedger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrapf(err, "create ledger directory for %q", path)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "open ledger %q", path)
	}

	members := make(map[string]struct{})
	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(completedBucket)
		if err != nil {
			return err
		}
		if !resume {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			members[string(k)] = struct{}{}
			return nil
		})
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "load ledger %q", path)
	}

	return &BoltLedger{memberSet: memberSet{members: members}, db: db}, nil
}

// Record stores fileName in its own transaction.
func (l *BoltLedger) Record(fileName string) error {
	if fileName == "" {
		return errors.New("invalid empty ledger entry")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(completedBucket)
		if b == nil {
			return bolt.ErrBucketNotFound
		}
		return b.Put([]byte(fileName), []byte(time.Now().UTC().Format(time.RFC3339)))
	})
	if err != nil {
		return errors.Wrapf(err, "record %q", fileName)
	}
	l.members[fileName] = struct{}{}

	return nil
}

// Close closes the database.
func (l *BoltLedger) Close() error {
	return l.db.Close()
}

// Package outputs stores per-source append-only output streams: one small
// embedded database per source (deployment_<id>, run_<id>) under
// /disco/data/commandoutputs, keeping the hot write path off the primary
// store.
//
// Databases are opened lazily on first append or read and evicted after six
// idle hours. A stream is terminated by a record whose Text is nil; followers
// treat that as end-of-stream.
package outputs

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// IdleTTL is how long an unused per-source database stays open.
const IdleTTL = 6 * time.Hour

var recordsBucket = []byte("records")

// Record is one line of a source stream. A nil Text is the terminal sentinel.
type Record struct {
	ID        uint64    `json:"id"`
	CreatedAt time.Time `json:"created"`
	Text      *string   `json:"text"`
}

// Terminal reports whether the record ends its stream.
func (r Record) Terminal() bool { return r.Text == nil }

// Store manages the per-source databases.
type Store struct {
	dir string

	mu      sync.Mutex
	sources map[string]*source
}

type source struct {
	db       *bolt.DB
	lastUsed time.Time

	subMu   sync.Mutex
	subs    map[int]chan Record
	nextSub int
}

// NewStore creates a store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating outputs dir: %w", err)
	}
	return &Store{dir: dir, sources: map[string]*source{}}, nil
}

// DeploymentSource names the stream of a deployment.
func DeploymentSource(deploymentID string) string { return "deployment_" + deploymentID }

// RunSource names the stream of a command run.
func RunSource(runID string) string { return "run_" + runID }

func (s *Store) get(name string) (*source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if src, ok := s.sources[name]; ok {
		src.lastUsed = time.Now()
		return src, nil
	}

	path := filepath.Join(s.dir, name+".db")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening output database %s: %w", name, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(recordsBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}

	src := &source{db: db, lastUsed: time.Now(), subs: map[int]chan Record{}}
	s.sources[name] = src
	return src, nil
}

// Append adds a text record to the source stream.
func (s *Store) Append(sourceName, text string) error {
	return s.append(sourceName, &text)
}

// Terminate appends the null sentinel so followers stop.
func (s *Store) Terminate(sourceName string) error {
	return s.append(sourceName, nil)
}

func (s *Store) append(sourceName string, text *string) error {
	src, err := s.get(sourceName)
	if err != nil {
		return err
	}

	record := Record{CreatedAt: time.Now().UTC(), Text: text}
	err = src.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(recordsBucket)
		id, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		record.ID = id
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return bucket.Put(itob(id), data)
	})
	if err != nil {
		return fmt.Errorf("appending to %s: %w", sourceName, err)
	}

	src.notify(record)
	return nil
}

// ReadFrom returns all records with ID > afterID, in order.
func (s *Store) ReadFrom(sourceName string, afterID uint64) ([]Record, error) {
	src, err := s.get(sourceName)
	if err != nil {
		return nil, err
	}

	var records []Record
	err = src.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(recordsBucket).Cursor()
		for k, v := cursor.Seek(itob(afterID + 1)); k != nil; k, v = cursor.Next() {
			var record Record
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			records = append(records, record)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", sourceName, err)
	}
	return records, nil
}

// Follow replays records after afterID and then streams new ones until the
// terminal sentinel or until stop is closed. The returned channel is closed
// when the stream ends.
func (s *Store) Follow(sourceName string, afterID uint64, stop <-chan struct{}) (<-chan Record, error) {
	src, err := s.get(sourceName)
	if err != nil {
		return nil, err
	}

	live, unsubscribe := src.subscribe()
	existing, err := s.ReadFrom(sourceName, afterID)
	if err != nil {
		unsubscribe()
		return nil, err
	}

	out := make(chan Record, 64)
	go func() {
		defer close(out)
		defer unsubscribe()

		lastID := afterID
		for _, record := range existing {
			select {
			case out <- record:
				lastID = record.ID
			case <-stop:
				return
			}
			if record.Terminal() {
				return
			}
		}
		for {
			select {
			case record, ok := <-live:
				if !ok {
					return
				}
				if record.ID <= lastID {
					continue // already replayed from disk
				}
				select {
				case out <- record:
					lastID = record.ID
				case <-stop:
					return
				}
				if record.Terminal() {
					return
				}
			case <-stop:
				return
			}
		}
	}()
	return out, nil
}

func (src *source) subscribe() (<-chan Record, func()) {
	src.subMu.Lock()
	defer src.subMu.Unlock()

	id := src.nextSub
	src.nextSub++
	ch := make(chan Record, 64)
	src.subs[id] = ch

	return ch, func() {
		src.subMu.Lock()
		defer src.subMu.Unlock()
		if existing, ok := src.subs[id]; ok {
			delete(src.subs, id)
			close(existing)
		}
	}
}

func (src *source) notify(record Record) {
	src.subMu.Lock()
	defer src.subMu.Unlock()
	for _, ch := range src.subs {
		select {
		case ch <- record:
		default:
			// Slow follower; it will catch up from disk on its next read.
		}
	}
}

// EvictIdle closes databases unused for longer than ttl. Called from the
// hourly maintenance cron.
func (s *Store) EvictIdle(ttl time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	cutoff := time.Now().Add(-ttl)
	for name, src := range s.sources {
		if src.lastUsed.Before(cutoff) {
			src.db.Close()
			delete(s.sources, name)
			evicted++
		}
	}
	return evicted
}

// Delete removes the source's database file entirely.
func (s *Store) Delete(sourceName string) error {
	s.mu.Lock()
	if src, ok := s.sources[sourceName]; ok {
		src.db.Close()
		delete(s.sources, sourceName)
	}
	s.mu.Unlock()

	path := filepath.Join(s.dir, sourceName+".db")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Close shuts every open database.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, src := range s.sources {
		src.db.Close()
		delete(s.sources, name)
	}
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

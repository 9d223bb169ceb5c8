package db

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"gorm.io/gorm"
)

// Well-known runtime setting keys.
const (
	KeyDiscoHost    = "DISCO_HOST"
	KeyDiscoIP      = "DISCO_IP"
	KeyRegistryHost = "REGISTRY_HOST"
	KeySyslogURLs   = "SYSLOG_URLS"
)

// kvCache backs the cached settings getter and fan-out to subscribers.
// Reads hit the cache; writes go through the table and then notify.
type kvCache struct {
	mu    sync.RWMutex
	cache map[string]*string
	subs  []func(key string, value *string)
}

func newKVCache() *kvCache {
	return &kvCache{cache: map[string]*string{}}
}

// GetValue reads a runtime setting, from cache when warm.
func (s *Store) GetValue(key string) (*string, error) {
	s.kv.mu.RLock()
	if v, ok := s.kv.cache[key]; ok {
		s.kv.mu.RUnlock()
		return v, nil
	}
	s.kv.mu.RUnlock()

	var row KeyValue
	err := s.db.Where("key = ?", key).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Misses are not cached: the other process may write the key
			// later, and only its own SetValue refreshes its cache.
			return nil, nil
		}
		return nil, fmt.Errorf("getting value %s: %w", key, err)
	}

	s.kv.mu.Lock()
	s.kv.cache[key] = row.Value
	s.kv.mu.Unlock()
	return row.Value, nil
}

// GetValueString is GetValue with an empty-string default.
func (s *Store) GetValueString(key string) (string, error) {
	v, err := s.GetValue(key)
	if err != nil || v == nil {
		return "", err
	}
	return *v, nil
}

// SetValue writes a runtime setting and notifies subscribers.
func (s *Store) SetValue(key string, value *string) error {
	row := KeyValue{Key: key, Value: value}
	if err := s.db.Save(&row).Error; err != nil {
		return fmt.Errorf("setting value %s: %w", key, err)
	}

	s.kv.mu.Lock()
	s.kv.cache[key] = value
	subs := make([]func(string, *string), len(s.kv.subs))
	copy(subs, s.kv.subs)
	s.kv.mu.Unlock()

	for _, fn := range subs {
		fn(key, value)
	}
	return nil
}

// SubscribeValues registers a callback fired after every SetValue. The CORS
// middleware and the syslog reconciler use this to track settings live.
func (s *Store) SubscribeValues(fn func(key string, value *string)) {
	s.kv.mu.Lock()
	defer s.kv.mu.Unlock()
	s.kv.subs = append(s.kv.subs, fn)
}

// SyslogEntry is one element of the SYSLOG_URLS JSON array.
type SyslogEntry struct {
	URL  string `json:"url"`
	Type string `json:"type"` // CORE or GLOBAL
}

// GetSyslogEntries decodes the SYSLOG_URLS setting.
func (s *Store) GetSyslogEntries() ([]SyslogEntry, error) {
	raw, err := s.GetValue(KeySyslogURLs)
	if err != nil {
		return nil, err
	}
	if raw == nil || *raw == "" {
		return nil, nil
	}
	var entries []SyslogEntry
	if err := json.Unmarshal([]byte(*raw), &entries); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", KeySyslogURLs, err)
	}
	return entries, nil
}

// SetSyslogEntries encodes and stores the SYSLOG_URLS setting.
func (s *Store) SetSyslogEntries(entries []SyslogEntry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	str := string(data)
	return s.SetValue(KeySyslogURLs, &str)
}

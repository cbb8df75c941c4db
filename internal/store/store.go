// Package store persists the journal of pool lifecycle events.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sevir/officepool/pkg/models"
)

// DefaultMaxEvents bounds the journal; older events are dropped first.
const DefaultMaxEvents = 10000

const saveInterval = 5 * time.Second

// ErrClosed is returned when appending to a closed store.
var ErrClosed = errors.New("store closed")

// Store defines the interface for event storage.
type Store interface {
	Append(ev models.Event) error
	Get(id string) (*models.Event, error)
	List(filter ListFilter) ([]models.Event, error)
	Close() error
}

// ListFilter defines criteria for listing events. Slot is ignored when nil.
type ListFilter struct {
	Slot   *int
	Types  []models.EventType
	Limit  int
	Offset int
}

// FileStore implements Store using a JSON file for persistence.
type FileStore struct {
	path      string
	maxEvents int
	events    []models.Event
	mu        sync.RWMutex
	dirty     bool
	closed    bool
	closeCh   chan struct{}
	doneCh    chan struct{}
}

// NewFileStore creates a new file-based store keeping at most maxEvents
// events. A non-positive maxEvents means DefaultMaxEvents.
func NewFileStore(path string, maxEvents int) (*FileStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}

	fs := &FileStore{
		path:      path,
		maxEvents: maxEvents,
		closeCh:   make(chan struct{}),
		doneCh:    make(chan struct{}),
	}

	if err := fs.load(); err != nil {
		return nil, err
	}

	// Start background saver
	go fs.backgroundSaver()

	return fs, nil
}

func (fs *FileStore) load() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	data, err := os.ReadFile(fs.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read store file: %w", err)
	}

	if len(data) == 0 {
		return nil
	}

	var events []models.Event
	if err := json.Unmarshal(data, &events); err != nil {
		return fmt.Errorf("failed to parse store file: %w", err)
	}

	fs.events = events
	fs.trim()
	return nil
}

func (fs *FileStore) save() error {
	fs.mu.RLock()
	data, err := json.MarshalIndent(fs.events, "", "  ")
	fs.mu.RUnlock()

	if err != nil {
		return fmt.Errorf("failed to marshal events: %w", err)
	}

	tmpPath := fs.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tmpPath, fs.path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

func (fs *FileStore) backgroundSaver() {
	defer close(fs.doneCh)
	ticker := time.NewTicker(saveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fs.mu.RLock()
			dirty := fs.dirty
			fs.mu.RUnlock()

			if dirty {
				if err := fs.save(); err == nil {
					fs.mu.Lock()
					fs.dirty = false
					fs.mu.Unlock()
				} else {
					log.Printf("store_event=save_failed path=%q error=%q", fs.path, err)
				}
			}
		case <-fs.closeCh:
			if err := fs.save(); err != nil {
				log.Printf("store_event=save_failed path=%q error=%q", fs.path, err)
			}
			return
		}
	}
}

// trim drops the oldest events beyond maxEvents. Caller holds fs.mu.
func (fs *FileStore) trim() {
	if extra := len(fs.events) - fs.maxEvents; extra > 0 {
		fs.events = append([]models.Event(nil), fs.events[extra:]...)
	}
}

// Append adds an event to the journal.
func (fs *FileStore) Append(ev models.Event) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.closed {
		return ErrClosed
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	fs.events = append(fs.events, ev)
	fs.trim()
	fs.dirty = true

	return nil
}

// Record appends ev and logs failures. It matches the pool event sink.
func (fs *FileStore) Record(ev models.Event) {
	if err := fs.Append(ev); err != nil {
		log.Printf("store_event=append_failed event_id=%s type=%s error=%q", ev.ID, ev.Type, err)
	}
}

// Get retrieves an event by ID.
func (fs *FileStore) Get(id string) (*models.Event, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	for i := range fs.events {
		if fs.events[i].ID == id {
			ev := fs.events[i]
			return &ev, nil
		}
	}
	return nil, fmt.Errorf("event not found: %s", id)
}

// List retrieves events matching the filter, newest first.
func (fs *FileStore) List(filter ListFilter) ([]models.Event, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	result := []models.Event{}
	for i := len(fs.events) - 1; i >= 0; i-- {
		if matchesFilter(fs.events[i], filter) {
			result = append(result, fs.events[i])
		}
	}

	// Apply offset and limit
	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return []models.Event{}, nil
		}
		result = result[filter.Offset:]
	}

	if filter.Limit > 0 && filter.Limit < len(result) {
		result = result[:filter.Limit]
	}

	return result, nil
}

func matchesFilter(ev models.Event, filter ListFilter) bool {
	if filter.Slot != nil && ev.Slot != *filter.Slot {
		return false
	}

	if len(filter.Types) > 0 {
		for _, t := range filter.Types {
			if ev.Type == t {
				return true
			}
		}
		return false
	}

	return true
}

// Len returns the number of stored events.
func (fs *FileStore) Len() int {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return len(fs.events)
}

// Close stops the background saver and waits for the final save.
func (fs *FileStore) Close() error {
	fs.mu.Lock()
	if fs.closed {
		fs.mu.Unlock()
		return nil
	}
	fs.closed = true
	fs.mu.Unlock()

	close(fs.closeCh)
	<-fs.doneCh
	return nil
}

// Reload reloads the store from disk.
func (fs *FileStore) Reload() error {
	return fs.load()
}

// ForceSave immediately persists all events to disk.
func (fs *FileStore) ForceSave() error {
	fs.mu.Lock()
	fs.dirty = false
	fs.mu.Unlock()
	return fs.save()
}

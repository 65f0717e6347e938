package alerts

import (
	"sync"
	"time"
)

// DefaultDedupWindow is used when no window is configured.
const DefaultDedupWindow = 30 * time.Minute

// DedupStore stores sent alerts for deduplication
type DedupStore struct {
	records map[string]*AlertRecord
	window  time.Duration
	now     func() time.Time
	mu      sync.RWMutex
}

// NewDedupStore creates a new deduplication store
func NewDedupStore(window time.Duration) *DedupStore {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &DedupStore{
		records: make(map[string]*AlertRecord),
		window:  window,
		now:     time.Now,
	}
}

// CheckAndRecord records key and reports whether it was already seen inside the window.
func (d *DedupStore) CheckAndRecord(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if record, exists := d.records[key]; exists {
		if now.Sub(record.SentAt) < d.window {
			record.Count++
			return true
		}
		record.SentAt = now
		record.Count = 1
		return false
	}
	d.records[key] = &AlertRecord{AlertKey: key, SentAt: now, Count: 1}
	return false
}

// Cleanup removes old records
func (d *DedupStore) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for key, record := range d.records {
		if now.Sub(record.SentAt) > d.window {
			delete(d.records, key)
		}
	}
}

// Size returns the number of records
func (d *DedupStore) Size() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return len(d.records)
}

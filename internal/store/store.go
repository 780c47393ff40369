package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/perparb/funding-keeper/internal/models"
	"github.com/perparb/funding-keeper/internal/util"
)

// JSONStore keeps hedged-pair records in memory and mirrors them to a JSON
// file. Every mutation persists before returning; writes go to a temp file
// followed by a rename so a crash mid-save never corrupts the book.
type JSONStore struct {
	mu     sync.RWMutex
	path   string
	pairs  map[string]*models.HedgedPair
	logger *logrus.Entry
}

// NewJSONStore opens (or creates) the store at dir/positions.json and loads
// any existing records.
func NewJSONStore(dir string, logger *logrus.Logger) (*JSONStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	s := &JSONStore{
		path:   filepath.Join(dir, "positions.json"),
		pairs:  make(map[string]*models.HedgedPair),
		logger: logger.WithField("component", "store"),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

var _ Interface = (*JSONStore)(nil)

func (s *JSONStore) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read position state: %w", err)
	}
	if len(data) == 0 {
		return nil
	}

	var records []*models.HedgedPair
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("parse position state: %w", err)
	}
	for _, p := range records {
		s.pairs[p.ID] = p
	}
	s.logger.Infof("Loaded %d hedged pair records from %s", len(records), s.path)
	return nil
}

// save persists the full record set. Caller must hold the write lock.
func (s *JSONStore) save() error {
	records := make([]*models.HedgedPair, 0, len(s.pairs))
	for _, p := range s.pairs {
		records = append(records, p)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].CreatedAt.Before(records[j].CreatedAt) })

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal position state: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename state file: %w", err)
	}
	return nil
}

func (s *JSONStore) Save(pair *models.HedgedPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.pairs[pair.ID]; exists {
		return fmt.Errorf("pair %s already exists", pair.ID)
	}
	cp := *pair
	s.pairs[pair.ID] = &cp
	return s.save()
}

func (s *JSONStore) Update(id string, mutate func(*models.HedgedPair)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pairs[id]
	if !ok {
		return fmt.Errorf("pair %s not found", id)
	}

	// Mutate a copy so a rejected transition leaves the stored record
	// untouched in full, not just its status.
	cp := *p
	mutate(&cp)
	if !models.CanTransition(p.Status, cp.Status) {
		return fmt.Errorf("invalid status transition %s -> %s for pair %s", p.Status, cp.Status, id)
	}
	cp.UpdatedAt = time.Now().UTC()
	s.pairs[id] = &cp
	return s.save()
}

func (s *JSONStore) Get(id string) (*models.HedgedPair, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pairs[id]
	if !ok {
		return nil, false
	}
	cp := *p
	return &cp, true
}

func (s *JSONStore) GetAll() []*models.HedgedPair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(func(*models.HedgedPair) bool { return true })
}

func (s *JSONStore) GetByStatus(status models.PairStatus) []*models.HedgedPair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(func(p *models.HedgedPair) bool { return p.Status == status })
}

func (s *JSONStore) GetActive() []*models.HedgedPair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(func(p *models.HedgedPair) bool { return p.IsActive() })
}

func (s *JSONStore) GetActiveBySymbol(symbol string) (*models.HedgedPair, bool) {
	sym := util.NormalizeSymbol(symbol)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *models.HedgedPair
	for _, p := range s.pairs {
		if !p.IsActive() || p.Symbol != sym {
			continue
		}
		if latest == nil || p.CreatedAt.After(latest.CreatedAt) {
			latest = p
		}
	}
	if latest == nil {
		return nil, false
	}
	cp := *latest
	return &cp, true
}

// collect copies matching records. Caller must hold at least a read lock.
func (s *JSONStore) collect(match func(*models.HedgedPair) bool) []*models.HedgedPair {
	out := make([]*models.HedgedPair, 0, len(s.pairs))
	for _, p := range s.pairs {
		if match(p) {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *JSONStore) MarkComplete(id string) error {
	return s.Update(id, func(p *models.HedgedPair) {
		p.Status = models.StatusComplete
		p.LongFilled = true
		p.ShortFilled = true
	})
}

func (s *JSONStore) MarkSingleLeg(id string, longFilled, shortFilled bool) error {
	return s.Update(id, func(p *models.HedgedPair) {
		p.Status = models.StatusSingleLeg
		p.LongFilled = longFilled
		p.ShortFilled = shortFilled
	})
}

func (s *JSONStore) MarkClosed(id string) error {
	return s.Update(id, func(p *models.HedgedPair) {
		p.Status = models.StatusClosed
	})
}

func (s *JSONStore) IncrementRetryCount(id string) (int, error) {
	var count int
	err := s.Update(id, func(p *models.HedgedPair) {
		p.RetryCount++
		count = p.RetryCount
	})
	return count, err
}

func (s *JSONStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pairs[id]; !ok {
		return fmt.Errorf("pair %s not found", id)
	}
	delete(s.pairs, id)
	return s.save()
}

func (s *JSONStore) CleanupOldPositions(days int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, p := range s.pairs {
		if p.Status == models.StatusClosed && p.UpdatedAt.Before(cutoff) {
			delete(s.pairs, id)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	if err := s.save(); err != nil {
		return removed, err
	}
	s.logger.Infof("Cleaned up %d closed pairs older than %d days", removed, days)
	return removed, nil
}

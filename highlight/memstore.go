package highlight

import "sync"

// MemStore is an in-memory Store used by tests and dry runs.
type MemStore struct {
	mu   sync.Mutex
	recs map[string]Record
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{recs: map[string]Record{}}
}

func (s *MemStore) Save(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[rec.ID] = rec
	return nil
}

func (s *MemStore) ForLocation(loc string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, rec := range s.recs {
		if rec.PageLocation == loc && rec.ParentID == "" {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *MemStore) Children(parentID string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, rec := range s.recs {
		if rec.ParentID == parentID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *MemStore) UpdateAnswer(id, markup string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.recs[id]; ok {
		rec.AnswerMarkup = markup
		s.recs[id] = rec
	}
	return nil
}

func (s *MemStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doomed := map[string]bool{id: true}
	for changed := true; changed; {
		changed = false
		for _, rec := range s.recs {
			if rec.ParentID != "" && doomed[rec.ParentID] && !doomed[rec.ID] {
				doomed[rec.ID] = true
				changed = true
			}
		}
	}
	for did := range doomed {
		delete(s.recs, did)
	}
	return nil
}

func (s *MemStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = map[string]Record{}
	return nil
}

// Len reports the number of stored records.
func (s *MemStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}

// Has reports whether a record with the id exists.
func (s *MemStore) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.recs[id]
	return ok
}

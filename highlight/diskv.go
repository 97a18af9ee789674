package highlight

import (
	"crypto/md5"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/peterbourgon/diskv/v3"
)

// DiskStore is a diskv-backed Store. Records are JSON files grouped in one
// directory per page location; keys are "<location hash>-<highlight id>".
type DiskStore struct {
	d *diskv.Diskv
}

// OpenDisk creates a disk store rooted at basePath.
func OpenDisk(basePath string) *DiskStore {
	return &DiskStore{d: diskv.New(diskv.Options{
		BasePath:          basePath,
		AdvancedTransform: keyToPath,
		InverseTransform:  pathToKey,
		CacheSizeMax:      1024 * 1024, // 1MB
	})}
}

func keyToPath(key string) *diskv.PathKey {
	parts := strings.SplitN(key, "-", 2)
	if len(parts) != 2 {
		return &diskv.PathKey{FileName: key}
	}
	return &diskv.PathKey{Path: []string{parts[0]}, FileName: parts[1]}
}

func pathToKey(pk *diskv.PathKey) string {
	if len(pk.Path) == 0 {
		return pk.FileName
	}
	return fmt.Sprintf("%s-%s", strings.Join(pk.Path, "-"), pk.FileName)
}

// locHash buckets records by page location without leaking the URL into the
// directory name.
func locHash(loc string) string {
	sum := md5.Sum([]byte(loc))
	return fmt.Sprintf("%x", sum[:8])
}

func (s *DiskStore) key(loc, id string) string {
	return locHash(loc) + "-" + id
}

func (s *DiskStore) Save(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.d.Write(s.key(rec.PageLocation, rec.ID), data)
}

func (s *DiskStore) read(key string) (Record, error) {
	var rec Record
	data, err := s.d.Read(key)
	if err != nil {
		return rec, err
	}
	err = json.Unmarshal(data, &rec)
	return rec, err
}

// all iterates every stored record, skipping unreadable entries.
func (s *DiskStore) all() []Record {
	var recs []Record
	for key := range s.d.Keys(nil) {
		rec, err := s.read(key)
		if err != nil {
			continue
		}
		recs = append(recs, rec)
	}
	return recs
}

func (s *DiskStore) ForLocation(loc string) ([]Record, error) {
	prefix := locHash(loc) + "-"
	var recs []Record
	for key := range s.d.Keys(nil) {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		rec, err := s.read(key)
		if err != nil || rec.ParentID != "" {
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (s *DiskStore) Children(parentID string) ([]Record, error) {
	var recs []Record
	for _, rec := range s.all() {
		if rec.ParentID == parentID {
			recs = append(recs, rec)
		}
	}
	return recs, nil
}

func (s *DiskStore) UpdateAnswer(id, markup string) error {
	for _, rec := range s.all() {
		if rec.ID == id {
			rec.AnswerMarkup = markup
			return s.Save(rec)
		}
	}
	return nil // unknown id is a no-op, not an error
}

// Delete removes a record and all records whose parent chain leads to it.
func (s *DiskStore) Delete(id string) error {
	all := s.all()
	doomed := map[string]bool{id: true}
	// Fixed-point pass: children may appear before parents in key order.
	for changed := true; changed; {
		changed = false
		for _, rec := range all {
			if rec.ParentID != "" && doomed[rec.ParentID] && !doomed[rec.ID] {
				doomed[rec.ID] = true
				changed = true
			}
		}
	}
	var firstErr error
	for _, rec := range all {
		if !doomed[rec.ID] {
			continue
		}
		if err := s.d.Erase(s.key(rec.PageLocation, rec.ID)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *DiskStore) Clear() error {
	return s.d.EraseAll()
}

package lexicon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/exp/slices"
)

// Lexicon is the read side of a word set, used by spell checking.
type Lexicon interface {
	// Contains reports whether word is known, using exact matching
	Contains(word string) bool

	// Len returns the number of known words
	Len() int
}

// Store is a set of known words mirrored to a flat file of space separated
// words. Every mutation rewrites the whole file while holding the store's
// lock, so the in-memory set and the file converge after each call and local
// additions never interleave with replicated ones.
type Store struct {
	mu    sync.RWMutex        // Serializes every read-modify-write cycle
	words []string            // Insertion ordered words, as written to disk
	set   map[string]struct{} // Membership index over words
	path  string              // Backing file
}

// Open loads the lexicon at path. A missing file yields an empty lexicon;
// the file is created on the first mutation.
func Open(path string) (*Store, error) {
	s := &Store{path: path, set: make(map[string]struct{})}
	words, err := s.readFile()
	if errors.Is(err, os.ErrNotExist) {
		words, err = []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	s.replace(words)
	return s, nil
}

// Normalize returns the canonical, lower-cased form of a client word.
func Normalize(word string) string {
	return strings.ToLower(strings.TrimSpace(word))
}

// Path returns the backing file.
func (s *Store) Path() string { return s.path }

// Contains reports whether word is in the lexicon. Matching is exact.
func (s *Store) Contains(word string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.set[word]
	return ok
}

// Len returns the number of words.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.words)
}

// Words returns a copy of the words in file order.
func (s *Store) Words() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.words)
}

// Add appends every word not already present, matching exactly as given,
// and rewrites the file when anything was added. A word containing
// whitespace is split into its fields, the same way the file is read back.
// It returns the words that were actually added, in input order.
//
// When the rewrite fails the additions are rolled back and nothing is
// reported as added, so memory never holds words the file could not take.
func (s *Store) Add(words []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var added []string
	for _, raw := range words {
		for _, w := range strings.Fields(raw) {
			if _, ok := s.set[w]; ok {
				continue
			}
			s.set[w] = struct{}{}
			s.words = append(s.words, w)
			added = append(added, w)
		}
	}
	if len(added) == 0 {
		return nil, nil
	}
	if err := s.writeFile(); err != nil {
		for _, w := range added {
			delete(s.set, w)
		}
		s.words = s.words[:len(s.words)-len(added)]
		return nil, err
	}
	return added, nil
}

// Reload re-reads the file and adopts its contents when they differ from
// memory. It reports whether the in-memory lexicon changed. A missing file
// leaves memory untouched.
func (s *Store) Reload() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	words, err := s.readFile()
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if slices.Equal(words, s.words) {
		return false, nil
	}
	s.replace(words)
	return true, nil
}

// Save rewrites the file from memory.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeFile()
}

// replace swaps the word list; callers hold mu or own s exclusively.
func (s *Store) replace(words []string) {
	s.words = words
	s.set = make(map[string]struct{}, len(words))
	for _, w := range words {
		s.set[w] = struct{}{}
	}
}

func (s *Store) readFile() ([]string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read lexicon %s: %w", s.path, err)
	}
	words := strings.Fields(string(data))
	// Duplicates in a hand-edited file collapse to their first occurrence.
	seen := make(map[string]struct{}, len(words))
	out := words[:0]
	for _, w := range words {
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return out, nil
}

func (s *Store) writeFile() error {
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create lexicon dir: %w", err)
		}
	}
	if err := os.WriteFile(s.path, []byte(strings.Join(s.words, " ")), 0o644); err != nil {
		return fmt.Errorf("write lexicon %s: %w", s.path, err)
	}
	return nil
}

package lexicon

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func writeLexicon(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lexicon.txt")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to seed lexicon: %v", err)
	}
	return path
}

func readLexicon(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read lexicon: %v", err)
	}
	return string(data)
}

// TestStore tests loading, lookups and additions
func TestStore(t *testing.T) {
	t.Run("open existing file", func(t *testing.T) {
		store, err := Open(writeLexicon(t, "the quick\nbrown  fox the\n"))
		if err != nil {
			t.Fatalf("Failed to open lexicon: %v", err)
		}

		if store.Len() != 4 {
			t.Errorf("Expected 4 words, got %d", store.Len())
		}
		for _, w := range []string{"the", "quick", "brown", "fox"} {
			if !store.Contains(w) {
				t.Errorf("Expected %q in lexicon", w)
			}
		}
		if store.Contains("The") {
			t.Error("Lookups must be exact; 'The' should not match")
		}
	})

	t.Run("missing file starts empty", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "nested", "lexicon.txt")
		store, err := Open(path)
		if err != nil {
			t.Fatalf("Failed to open missing lexicon: %v", err)
		}
		if store.Len() != 0 {
			t.Errorf("Expected empty lexicon, got %d words", store.Len())
		}

		if _, err := store.Add([]string{"hello"}); err != nil {
			t.Fatalf("Failed to add: %v", err)
		}
		if got := readLexicon(t, path); got != "hello" {
			t.Errorf("Expected file 'hello', got %q", got)
		}
	})

	t.Run("add rewrites file with only new words", func(t *testing.T) {
		path := writeLexicon(t, "the fox")
		store, err := Open(path)
		if err != nil {
			t.Fatalf("Failed to open lexicon: %v", err)
		}

		added, err := store.Add([]string{"fox", "qwikk", "", "qwikk", "jumps"})
		if err != nil {
			t.Fatalf("Failed to add: %v", err)
		}
		if fmt.Sprint(added) != "[qwikk jumps]" {
			t.Errorf("Expected [qwikk jumps], got %v", added)
		}
		if got := readLexicon(t, path); got != "the fox qwikk jumps" {
			t.Errorf("Unexpected file content %q", got)
		}
	})

	t.Run("add with nothing new leaves file alone", func(t *testing.T) {
		path := writeLexicon(t, "the  fox\n")
		store, err := Open(path)
		if err != nil {
			t.Fatalf("Failed to open lexicon: %v", err)
		}

		added, err := store.Add([]string{"the", "fox"})
		if err != nil {
			t.Fatalf("Failed to add: %v", err)
		}
		if len(added) != 0 {
			t.Errorf("Expected nothing added, got %v", added)
		}
		if got := readLexicon(t, path); got != "the  fox\n" {
			t.Errorf("File should be untouched, got %q", got)
		}
	})

	t.Run("words returns a copy", func(t *testing.T) {
		store, _ := Open(writeLexicon(t, "a b"))
		words := store.Words()
		words[0] = "mutated"
		if !store.Contains("a") || store.Contains("mutated") {
			t.Error("Words() must not expose internal state")
		}
	})
}

// TestStoreReload tests adopting external file changes
func TestStoreReload(t *testing.T) {
	path := writeLexicon(t, "the fox")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("Failed to open lexicon: %v", err)
	}

	changed, err := store.Reload()
	if err != nil || changed {
		t.Fatalf("Expected no change, got changed=%v err=%v", changed, err)
	}

	if err := os.WriteFile(path, []byte("the fox qwikk"), 0o644); err != nil {
		t.Fatal(err)
	}
	changed, err = store.Reload()
	if err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if !changed {
		t.Error("Expected reload to detect the new word")
	}
	if !store.Contains("qwikk") {
		t.Error("Expected qwikk after reload")
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	changed, err = store.Reload()
	if err != nil || changed {
		t.Errorf("Missing file should be ignored, got changed=%v err=%v", changed, err)
	}
	if store.Len() != 3 {
		t.Errorf("Expected 3 words kept in memory, got %d", store.Len())
	}

	if err := store.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if got := readLexicon(t, path); got != "the fox qwikk" {
		t.Errorf("Unexpected saved content %q", got)
	}
}

// TestStoreConcurrentAdd verifies concurrent writers never lose or duplicate words
func TestStoreConcurrentAdd(t *testing.T) {
	path := writeLexicon(t, "")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("Failed to open lexicon: %v", err)
	}

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				// Half the words overlap between goroutines.
				if _, err := store.Add([]string{fmt.Sprintf("w%d", i), fmt.Sprintf("g%d-%d", g, i)}); err != nil {
					t.Errorf("Add failed: %v", err)
				}
			}
		}(g)
	}
	wg.Wait()

	if store.Len() != 20+10*20 {
		t.Errorf("Expected %d words, got %d", 20+10*20, store.Len())
	}

	reloaded, err := Open(path)
	if err != nil {
		t.Fatalf("Failed to reopen: %v", err)
	}
	if reloaded.Len() != store.Len() {
		t.Errorf("File has %d words, memory has %d", reloaded.Len(), store.Len())
	}
}

func TestNormalize(t *testing.T) {
	tests := map[string]string{
		"  Qwikk ": "qwikk",
		"FOX":      "fox",
		"":         "",
	}
	for in, want := range tests {
		if got := Normalize(in); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

// TestStoreAddSplitsWhitespace verifies memory and file agree for words
// containing whitespace
func TestStoreAddSplitsWhitespace(t *testing.T) {
	path := writeLexicon(t, "the")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("Failed to open lexicon: %v", err)
	}

	added, err := store.Add([]string{"foo bar", " the\tbaz ", "   "})
	if err != nil {
		t.Fatalf("Failed to add: %v", err)
	}
	if fmt.Sprint(added) != "[foo bar baz]" {
		t.Errorf("Expected [foo bar baz], got %v", added)
	}
	if store.Contains("foo bar") {
		t.Error("Words with whitespace must not be stored as one entry")
	}

	reloaded, err := Open(path)
	if err != nil {
		t.Fatalf("Failed to reopen: %v", err)
	}
	if fmt.Sprint(reloaded.Words()) != fmt.Sprint(store.Words()) {
		t.Errorf("File has %v, memory has %v", reloaded.Words(), store.Words())
	}
	if changed, err := store.Reload(); err != nil || changed {
		t.Errorf("Reload after add should be a no-op, got changed=%v err=%v", changed, err)
	}
}

// TestStoreAddRollsBackOnWriteFailure verifies a failed rewrite leaves memory unchanged
func TestStoreAddRollsBackOnWriteFailure(t *testing.T) {
	path := writeLexicon(t, "the fox")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("Failed to open lexicon: %v", err)
	}

	// A directory in place of the file makes every rewrite fail.
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(path, 0o755); err != nil {
		t.Fatal(err)
	}

	added, err := store.Add([]string{"qwikk", "jumpd"})
	if err == nil {
		t.Fatal("Expected write failure")
	}
	if len(added) != 0 {
		t.Errorf("Expected nothing reported as added, got %v", added)
	}
	if store.Contains("qwikk") || store.Len() != 2 {
		t.Errorf("Expected memory rolled back to 2 words, got %v", store.Words())
	}

	// Once the file is writable again the same words go in.
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	added, err = store.Add([]string{"qwikk"})
	if err != nil || len(added) != 1 {
		t.Errorf("Expected qwikk added after recovery, got %v err=%v", added, err)
	}
}

// Package lexicon keeps a node's set of correctly spelled words.
//
// The in-memory set and the lexicon file are owned by a single Store and
// guarded by one mutex. Words submitted by clients are normalized with
// Normalize before they reach the store; words arriving from peers are
// stored exactly as transmitted.
//
//	store, err := lexicon.Open("server/lexicon.txt")
//	added, err := store.Add([]string{"qwikk"})
//	if len(added) > 0 {
//	    results.Clear()
//	}
package lexicon

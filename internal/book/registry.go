package book

import "sort"

// Registry lazily shards one Book per pair. Books are created on first
// reference and never evicted by the replication path; Remove exists for
// external lifecycle management.
type Registry struct {
	books map[string]*Book
}

func NewRegistry() *Registry {
	return &Registry{books: make(map[string]*Book)}
}

// GetOrCreate returns the book for pair, creating an empty one on first use.
func (r *Registry) GetOrCreate(pair string) *Book {
	b, ok := r.books[pair]
	if !ok {
		b = New(pair)
		r.books[pair] = b
	}
	return b
}

// Dump concatenates every book's export, pairs in lexical order so the
// snapshot is deterministic.
func (r *Registry) Dump() []Order {
	pairs := make([]string, 0, len(r.books))
	for pair := range r.books {
		pairs = append(pairs, pair)
	}
	sort.Strings(pairs)

	var out []Order
	for _, pair := range pairs {
		out = append(out, r.books[pair].Dump()...)
	}
	return out
}

// Remove evicts the book for pair, if present.
func (r *Registry) Remove(pair string) {
	delete(r.books, pair)
}

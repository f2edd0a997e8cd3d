// Package notes provides keyword search over the sources a session's
// research saved. Each session gets a small in-memory bleve index, built
// lazily from the store and topped up as new notes appear. The index is
// advisory: if it cannot be built the caller falls back to raw notes.
package notes

import (
	"context"
	"sync"

	"github.com/blevesearch/bleve"

	"github.com/codemilestones/Fairy/internal/store"
)

// NoteSource is the slice of the store the catalog reads from.
type NoteSource interface {
	ListNotes(ctx context.Context, sessionID string) ([]store.Note, error)
}

// Chunk is the indexed form of one note.
type Chunk struct {
	DocID string
	Title string
	URL   string
	Text  string
}

// Hit is one search result.
type Hit struct {
	DocID   string  `json:"doc_id"`
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
	Rank    int     `json:"rank"`
}

type sessionIndex struct {
	idx     bleve.Index
	meta    map[string]Chunk
	indexed int // notes consumed from the store so far
}

// Catalog owns the per-session indexes.
type Catalog struct {
	mu      sync.Mutex
	source  NoteSource
	indexes map[string]*sessionIndex
}

func NewCatalog(source NoteSource) *Catalog {
	return &Catalog{source: source, indexes: make(map[string]*sessionIndex)}
}

// Search syncs the session's index with the store and runs a BM25 query
// over it, returning up to k hits.
func (c *Catalog) Search(ctx context.Context, sessionID, q string, k int) ([]Hit, error) {
	if k <= 0 {
		k = 5
	}
	si, err := c.sync(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	query := bleve.NewQueryStringQuery(q)
	req := bleve.NewSearchRequestOptions(query, k*3, 0, false)
	res, err := si.idx.Search(req)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Hit
	for i, hit := range res.Hits {
		doc := si.meta[hit.ID]
		out = append(out, Hit{
			DocID:   hit.ID,
			Title:   doc.Title,
			URL:     doc.URL,
			Snippet: snippet(doc.Text),
			Score:   hit.Score,
			Rank:    i + 1,
		})
		if len(out) >= k {
			break
		}
	}
	return out, nil
}

// Drop releases the session's index.
func (c *Catalog) Drop(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if si, ok := c.indexes[sessionID]; ok {
		si.idx.Close()
		delete(c.indexes, sessionID)
	}
}

// Reset releases every index; they rebuild on the next search.
func (c *Catalog) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, si := range c.indexes {
		si.idx.Close()
		delete(c.indexes, id)
	}
}

func (c *Catalog) sync(ctx context.Context, sessionID string) (*sessionIndex, error) {
	notes, err := c.source.ListNotes(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	si, ok := c.indexes[sessionID]
	if !ok {
		idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
		if err != nil {
			return nil, err
		}
		si = &sessionIndex{idx: idx, meta: make(map[string]Chunk)}
		c.indexes[sessionID] = si
	}
	for _, n := range notes[si.indexed:] {
		chunk := Chunk{DocID: n.ID, Title: n.Title, URL: n.URL, Text: n.Content}
		if err := si.idx.Index(chunk.DocID, chunk); err != nil {
			return nil, err
		}
		si.meta[chunk.DocID] = chunk
		si.indexed++
	}
	return si, nil
}

func snippet(s string) string {
	if len(s) <= 300 {
		return s
	}
	return s[:300] + "…"
}

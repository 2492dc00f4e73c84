package catalog

import (
	"context"
	"sort"
	"sync"
)

// Compile-time interface satisfaction check.
var _ Publisher = (*MemoryPublisher)(nil)

// MemoryPublisher keeps published catalogs in process memory. It backs tests
// and single-host deployments where no distributed registry exists.
type MemoryPublisher struct {
	mu   sync.RWMutex
	docs map[string]Document
}

// NewMemoryPublisher creates an empty in-memory publisher.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{docs: make(map[string]Document)}
}

// Publish stores the document, replacing any previous catalog for the service.
func (p *MemoryPublisher) Publish(_ context.Context, doc Document) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.docs[doc.Service] = doc
	return nil
}

// Deregister removes a service's catalog.
func (p *MemoryPublisher) Deregister(_ context.Context, service string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.docs, service)
	return nil
}

// Catalogs returns all published catalogs sorted by service name.
func (p *MemoryPublisher) Catalogs(_ context.Context) ([]Document, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	docs := make([]Document, 0, len(p.docs))
	for _, doc := range p.docs {
		docs = append(docs, doc)
	}
	sort.Slice(docs, func(i, j int) bool {
		return docs[i].Service < docs[j].Service
	})
	return docs, nil
}

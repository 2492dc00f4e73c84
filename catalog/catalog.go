// Package catalog builds the algorithm catalog document this server
// advertises and defines the publisher boundary. Distributed backends
// (Consul and friends) live behind Publisher; this repository ships the
// in-memory implementation used for tests and single-host deployments.
package catalog

import (
	"context"
	"time"

	"github.com/bottomsky/algoserve/algorithm"
)

// AlgorithmSummary is one algorithm's entry in a published catalog.
type AlgorithmSummary struct {
	Name          string            `json:"name"`
	Version       string            `json:"version"`
	Description   string            `json:"description,omitempty"`
	AlgorithmType string            `json:"algorithmType"`
	CreatedTime   string            `json:"createdTime"`
	Author        string            `json:"author"`
	Category      string            `json:"category"`
	Extra         map[string]string `json:"extra,omitempty"`
}

// Document is the catalog a service instance publishes.
type Document struct {
	Service     string             `json:"service"`
	BaseURL     string             `json:"baseUrl,omitempty"`
	Algorithms  []AlgorithmSummary `json:"algorithms"`
	PublishedAt time.Time          `json:"publishedAt"`
}

// Publisher is the external-collaborator contract for catalog distribution.
type Publisher interface {
	Publish(ctx context.Context, doc Document) error
	Deregister(ctx context.Context, service string) error
	Catalogs(ctx context.Context) ([]Document, error)
}

// Build assembles the catalog document for a registry.
func Build(service, baseURL string, reg *algorithm.Registry) Document {
	specs := reg.List()
	summaries := make([]AlgorithmSummary, 0, len(specs))
	for _, s := range specs {
		summaries = append(summaries, AlgorithmSummary{
			Name:          s.Name,
			Version:       s.Version,
			Description:   s.Description,
			AlgorithmType: string(s.AlgorithmType),
			CreatedTime:   s.CreatedTime,
			Author:        s.Author,
			Category:      s.Category,
			Extra:         s.Extra,
		})
	}
	return Document{
		Service:     service,
		BaseURL:     baseURL,
		Algorithms:  summaries,
		PublishedAt: time.Now().UTC(),
	}
}

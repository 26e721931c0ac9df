// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package registry

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jeranaias/modelmux/internal/config"
	"github.com/jeranaias/modelmux/internal/util"
)

//go:embed catalog.yaml
var builtinCatalog []byte

// CatalogEntry is one discovery record: a base model with every variant tag
// it ships in.
type CatalogEntry struct {
	Name             string   `yaml:"name" json:"name"`
	Tags             []string `yaml:"tags" json:"tags"`
	Specializations  []string `yaml:"specializations" json:"specializations"`
	Description      string   `yaml:"description" json:"description"`
	PerformanceScore float64  `yaml:"performance_score" json:"performance_score"`
	// LastUpdated is a YYYY-MM-DD date.
	LastUpdated string `yaml:"last_updated" json:"last_updated"`
}

// Source supplies discovery records for a registry refresh.
type Source interface {
	ListModels(ctx context.Context) ([]CatalogEntry, error)
}

// DefaultEntry is served when discovery and the cache both fail.
func DefaultEntry() CatalogEntry {
	return CatalogEntry{
		Name:             "llama3.2",
		Tags:             []string{"3b", "latest"},
		Specializations:  []string{"general"},
		Description:      "Fallback model",
		PerformanceScore: 75,
		LastUpdated:      "2024-01-01",
	}
}

// Catalog origins reported by LastOrigin.
const (
	OriginRemote   = "remote"
	OriginFile     = "file"
	OriginEmbedded = "embedded"
	OriginCache    = "cache"
	OriginDefault  = "default"
)

// cacheFile is the on-disk shape of the discovery cache.
type cacheFile struct {
	Models      []CatalogEntry `json:"models"`
	LastUpdated time.Time      `json:"last_updated"`
	TotalCount  int            `json:"total_count"`
}

// Catalog is the discovery source. It reads from a URL, a local file or the
// built-in catalog, in that order of preference, and mirrors every
// successful read into a cache file that is served when discovery fails.
type Catalog struct {
	URL       string
	File      string
	CacheFile string

	client *http.Client

	mu     sync.Mutex
	origin string
}

// NewCatalog creates a catalog from discovery settings.
func NewCatalog(cfg config.DiscoveryConfig) *Catalog {
	return &Catalog{
		URL:       cfg.CatalogURL,
		File:      util.ExpandHome(cfg.CatalogFile),
		CacheFile: util.ExpandHome(cfg.CacheFile),
		client:    &http.Client{Timeout: 30 * time.Second},
	}
}

// ListModels returns catalog entries sorted by score, highest first.
// It only fails if the context is canceled; every other failure degrades to
// the cache or the default entry.
func (c *Catalog) ListModels(ctx context.Context) ([]CatalogEntry, error) {
	entries, origin, err := c.fetch(ctx)
	if err == nil && len(entries) > 0 {
		sortEntries(entries)
		c.writeCache(entries)
		c.setOrigin(origin)
		return entries, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err == nil {
		err = errors.New("catalog is empty")
	}
	log.Printf("DISCOVERY_FAILED | origin=%s error=%v", origin, err)

	if cached, cerr := c.readCache(); cerr == nil && len(cached) > 0 {
		log.Printf("DISCOVERY_CACHE | models=%d", len(cached))
		c.setOrigin(OriginCache)
		return cached, nil
	}

	c.setOrigin(OriginDefault)
	return []CatalogEntry{DefaultEntry()}, nil
}

// LastOrigin reports where the last ListModels result came from.
func (c *Catalog) LastOrigin() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.origin
}

func (c *Catalog) setOrigin(origin string) {
	c.mu.Lock()
	c.origin = origin
	c.mu.Unlock()
}

func (c *Catalog) fetch(ctx context.Context) ([]CatalogEntry, string, error) {
	switch {
	case c.URL != "":
		data, err := c.download(ctx)
		if err != nil {
			return nil, OriginRemote, err
		}
		entries, err := ParseCatalog(data)
		return entries, OriginRemote, err
	case c.File != "":
		data, err := os.ReadFile(c.File)
		if err != nil {
			return nil, OriginFile, fmt.Errorf("read catalog: %w", err)
		}
		entries, err := ParseCatalog(data)
		return entries, OriginFile, err
	default:
		entries, err := ParseCatalog(builtinCatalog)
		return entries, OriginEmbedded, err
	}
}

func (c *Catalog) download(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build catalog request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch catalog: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch catalog: HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read catalog body: %w", err)
	}
	return data, nil
}

// ParseCatalog decodes a YAML or JSON catalog. Both a document with a
// top-level "models" list and a bare list are accepted.
func ParseCatalog(data []byte) ([]CatalogEntry, error) {
	var doc struct {
		Models []CatalogEntry `yaml:"models"`
	}
	if err := yaml.Unmarshal(data, &doc); err == nil && len(doc.Models) > 0 {
		return doc.Models, nil
	}

	var list []CatalogEntry
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	return list, nil
}

func (c *Catalog) writeCache(entries []CatalogEntry) {
	if c.CacheFile == "" {
		return
	}
	doc := cacheFile{
		Models:      entries,
		LastUpdated: time.Now().UTC(),
		TotalCount:  len(entries),
	}
	if err := util.WriteJSONFile(c.CacheFile, doc, 0o600); err != nil {
		log.Printf("DISCOVERY_CACHE_WRITE_FAILED | path=%s error=%v", c.CacheFile, err)
	}
}

func (c *Catalog) readCache() ([]CatalogEntry, error) {
	if c.CacheFile == "" {
		return nil, os.ErrNotExist
	}
	var doc cacheFile
	if err := util.ReadJSONFile(c.CacheFile, &doc); err != nil {
		return nil, err
	}
	return doc.Models, nil
}

func sortEntries(entries []CatalogEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].PerformanceScore > entries[j].PerformanceScore
	})
}

// StaticSource serves a fixed list of entries.
type StaticSource []CatalogEntry

// ListModels returns a copy of the entries.
func (s StaticSource) ListModels(context.Context) ([]CatalogEntry, error) {
	out := make([]CatalogEntry, len(s))
	copy(out, s)
	return out, nil
}

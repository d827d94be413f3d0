// Package products holds the food catalog. The catalog is cached in the
// store under a version key and reseeded only when the version changes.
package products

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"unicode"

	"github.com/klyro-app/klyro-sync/internal/models"
	"github.com/klyro-app/klyro-sync/internal/storage"
	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// DefaultLimit is the number of search results returned when the caller
// does not ask for a specific count.
const DefaultLimit = 20

// Catalog is a versioned list of products as shipped in YAML.
type Catalog struct {
	Version  string           `yaml:"version"`
	Products []models.Product `yaml:"products"`
}

// ParseCatalog decodes a YAML catalog. Every product needs an id and a
// name, and ids must be unique.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}

	if c.Version == "" {
		return nil, fmt.Errorf("catalog has no version")
	}

	seen := make(map[string]struct{}, len(c.Products))

	for i, p := range c.Products {
		if p.ID == "" || p.Name == "" {
			return nil, fmt.Errorf("catalog product %d: id and name are required", i+1)
		}

		if _, dup := seen[p.ID]; dup {
			return nil, fmt.Errorf("catalog product %d: duplicate id %q", i+1, p.ID)
		}

		seen[p.ID] = struct{}{}
	}

	return &c, nil
}

// LoadCatalog reads a catalog from path, or the built-in one when path
// is empty.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog: %w", err)
	}

	return ParseCatalog(data)
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := ParseCatalog(defaultCatalog)
	if err != nil {
		panic("products: built-in catalog: " + err.Error())
	}

	return c
}

// DB is the loaded catalog with a normalized search index.
type DB struct {
	version  string
	products []models.Product
	names    [][]string
	byID     map[string]int
}

// Open returns the catalog cached in s when its stored version matches
// cat.Version. Otherwise cat is written to s and returned. A cached copy
// that no longer decodes is dropped and reseeded.
func Open(ctx context.Context, s *storage.Store, cat *Catalog, logger *slog.Logger) (*DB, error) {
	version, ok, err := s.ReadSync(storage.KeyProductsDBVersion)
	if err != nil {
		return nil, fmt.Errorf("reading catalog version: %w", err)
	}

	if ok && version == cat.Version {
		cached, found, err := storage.GetJSONSync[[]models.Product](s, storage.KeyProductsDB)
		if err == nil && found {
			logger.Debug("using cached catalog",
				slog.String("version", version),
				slog.Int("products", len(cached)),
			)

			return newDB(version, cached), nil
		}

		logger.Warn("cached catalog unreadable, reseeding", slog.Any("error", err))

		if err := s.Remove(ctx, storage.KeyProductsDB); err != nil {
			return nil, err
		}

		if err := s.Remove(ctx, storage.KeyProductsDBVersion); err != nil {
			return nil, err
		}
	}

	if err := storage.PutJSON(ctx, s, storage.KeyProductsDB, cat.Products); err != nil {
		return nil, fmt.Errorf("caching catalog: %w", err)
	}

	if err := s.Write(ctx, storage.KeyProductsDBVersion, cat.Version); err != nil {
		return nil, fmt.Errorf("caching catalog version: %w", err)
	}

	logger.Info("catalog seeded",
		slog.String("version", cat.Version),
		slog.String("previous", version),
		slog.Int("products", len(cat.Products)),
	)

	return newDB(cat.Version, cat.Products), nil
}

func newDB(version string, products []models.Product) *DB {
	db := &DB{
		version:  version,
		products: products,
		names:    make([][]string, len(products)),
		byID:     make(map[string]int, len(products)),
	}

	for i, p := range products {
		names := []string{Normalize(p.Name)}
		for _, a := range p.Aliases {
			names = append(names, Normalize(a))
		}

		db.names[i] = names
		db.byID[p.ID] = i
	}

	return db
}

// Version returns the catalog version.
func (db *DB) Version() string { return db.version }

// Len returns the number of products.
func (db *DB) Len() int { return len(db.products) }

// Find returns the product with id.
func (db *DB) Find(id string) (models.Product, bool) {
	i, ok := db.byID[id]
	if !ok {
		return models.Product{}, false
	}

	return db.products[i], true
}

// Search returns products whose name or alias contains query, ignoring
// case and diacritics. Prefix matches come first, each group in catalog
// order. An empty query matches nothing.
func (db *DB) Search(query string, limit int) []models.Product {
	q := Normalize(strings.TrimSpace(query))
	if q == "" {
		return nil
	}

	if limit <= 0 {
		limit = DefaultLimit
	}

	var prefix, inner []models.Product

	for i, names := range db.names {
		switch match(names, q) {
		case matchPrefix:
			prefix = append(prefix, db.products[i])
		case matchInner:
			inner = append(inner, db.products[i])
		}
	}

	results := append(prefix, inner...)
	if len(results) > limit {
		results = results[:limit]
	}

	return results
}

const (
	matchNone = iota
	matchInner
	matchPrefix
)

func match(names []string, q string) int {
	best := matchNone

	for _, n := range names {
		switch {
		case strings.HasPrefix(n, q):
			return matchPrefix
		case strings.Contains(n, q):
			best = matchInner
		}
	}

	return best
}

var foldPool = sync.Pool{
	New: func() any {
		return transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), cases.Fold(), norm.NFC)
	},
}

// Normalize folds s for matching: compatibility decomposition, combining
// marks dropped, case folded. "Ё" and "ё" both become "е".
func Normalize(s string) string {
	t := foldPool.Get().(transform.Transformer)
	defer foldPool.Put(t)

	out, _, err := transform.String(t, s)
	if err != nil {
		return strings.ToLower(s)
	}

	return out
}

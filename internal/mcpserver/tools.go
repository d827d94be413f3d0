// Package mcpserver registers MCP tools over the diary, the product
// catalog and the storage layer.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/klyro-app/klyro-sync/internal/diary"
	"github.com/klyro-app/klyro-sync/internal/models"
	"github.com/klyro-app/klyro-sync/internal/probe"
	"github.com/klyro-app/klyro-sync/internal/products"
	"github.com/klyro-app/klyro-sync/internal/snapshot"
	"github.com/klyro-app/klyro-sync/internal/storage"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Deps are the components the tools operate on.
type Deps struct {
	Store    *storage.Store
	Book     *diary.Book
	Products *products.DB
	Probe    *probe.Probe
	UserID   func() string
	Logger   *slog.Logger
	Now      func() time.Time
}

// RegisterTools adds all klyro tools to the given MCP server.
func RegisterTools(server *mcp.Server, d Deps) {
	if d.Now == nil {
		d.Now = time.Now
	}

	mcp.AddTool(server, &mcp.Tool{
		Name:        "diary_get",
		Description: "Entries and nutrient totals for one day of the food diary. Defaults to today.",
	}, diaryGetHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "diary_add",
		Description: "Log food for a day. Give product_id to compute nutrients from the catalog, or name and nutrients directly.",
	}, diaryAddHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "diary_remove",
		Description: "Remove one diary entry by id.",
	}, diaryRemoveHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "products_search",
		Description: "Search the product catalog by name or alias. Case and diacritics are ignored. Nutrients are per 100g.",
	}, productsSearchHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "snapshot_export",
		Description: "Export profile, diary, activities and settings as a versioned backup document.",
	}, snapshotExportHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "storage_status",
		Description: "Cloud readiness, resolved user id and, optionally, a local versus cloud comparison of every dataset.",
	}, storageStatusHandler(d))
}

// --- Input types ---

// DiaryGetInput holds parameters for diary_get.
type DiaryGetInput struct {
	Date string `json:"date,omitempty" jsonschema:"day as YYYY-MM-DD, defaults to today"`
}

// DiaryAddInput holds parameters for diary_add.
type DiaryAddInput struct {
	Date      string  `json:"date,omitempty" jsonschema:"day as YYYY-MM-DD, defaults to today"`
	ProductID string  `json:"product_id,omitempty" jsonschema:"catalog product id from products_search"`
	Name      string  `json:"name,omitempty" jsonschema:"entry name, required without product_id"`
	Grams     float64 `json:"grams" jsonschema:"portion weight in grams"`
	Kcal      float64 `json:"kcal,omitempty" jsonschema:"energy, ignored with product_id"`
	Protein   float64 `json:"protein,omitempty" jsonschema:"protein grams, ignored with product_id"`
	Fat       float64 `json:"fat,omitempty" jsonschema:"fat grams, ignored with product_id"`
	Carbs     float64 `json:"carbs,omitempty" jsonschema:"carbohydrate grams, ignored with product_id"`
}

// DiaryRemoveInput holds parameters for diary_remove.
type DiaryRemoveInput struct {
	Date string `json:"date" jsonschema:"day as YYYY-MM-DD"`
	ID   string `json:"id" jsonschema:"entry id from diary_get"`
}

// ProductsSearchInput holds parameters for products_search.
type ProductsSearchInput struct {
	Query      string `json:"query" jsonschema:"search text"`
	MaxResults int    `json:"max_results,omitempty" jsonschema:"maximum number of results, defaults to 20"`
}

// SnapshotExportInput has no parameters.
type SnapshotExportInput struct{}

// StorageStatusInput holds parameters for storage_status.
type StorageStatusInput struct {
	Compare bool `json:"compare,omitempty" jsonschema:"also compare each dataset between the local and cloud tiers"`
}

// --- Output types ---

// Entry is a diary entry as returned by the tools.
type Entry struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Grams     float64 `json:"grams"`
	Kcal      float64 `json:"kcal"`
	Protein   float64 `json:"protein"`
	Fat       float64 `json:"fat"`
	Carbs     float64 `json:"carbs"`
	Timestamp string  `json:"timestamp"`
	Activity  bool    `json:"activity,omitempty"`
}

// DiaryDay is the result of diary_get.
type DiaryDay struct {
	Date    string        `json:"date"`
	Entries []Entry       `json:"entries"`
	Totals  models.Totals `json:"totals"`
}

// DiaryAddResult is the result of diary_add.
type DiaryAddResult struct {
	Date  string `json:"date"`
	Entry Entry  `json:"entry"`
}

// DiaryRemoveResult is the result of diary_remove.
type DiaryRemoveResult struct {
	Removed bool `json:"removed"`
}

// ProductsSearchResult is the result of products_search.
type ProductsSearchResult struct {
	Query        string           `json:"query"`
	TotalMatches int              `json:"total_matches"`
	Results      []models.Product `json:"results"`
}

// KeyStatus compares one dataset across tiers.
type KeyStatus struct {
	Key         string `json:"key"`
	PhysicalKey string `json:"physical_key"`
	LocalFound  bool   `json:"local_found"`
	RemoteFound bool   `json:"remote_found"`
	InSync      bool   `json:"in_sync"`
}

// StorageStatus is the result of storage_status.
type StorageStatus struct {
	State     string      `json:"state"`
	LocalOnly bool        `json:"local_only"`
	UserID    string      `json:"user_id,omitempty"`
	Keys      []KeyStatus `json:"keys,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// --- Handlers ---

func diaryGetHandler(d Deps) mcp.ToolHandlerFor[DiaryGetInput, *DiaryDay] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input DiaryGetInput) (*mcp.CallToolResult, *DiaryDay, error) {
		date := input.Date
		if date == "" {
			date = d.Book.Today()
		}

		entries, err := d.Book.Entries(ctx, date)
		if err != nil {
			return nil, nil, err
		}

		totals, err := d.Book.Totals(ctx, date)
		if err != nil {
			return nil, nil, err
		}

		result := &DiaryDay{Date: date, Entries: make([]Entry, 0, len(entries)), Totals: totals}
		for _, e := range entries {
			result.Entries = append(result.Entries, toEntry(e))
		}

		return textResult(result), result, nil
	}
}

func diaryAddHandler(d Deps) mcp.ToolHandlerFor[DiaryAddInput, *DiaryAddResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input DiaryAddInput) (*mcp.CallToolResult, *DiaryAddResult, error) {
		date := input.Date
		if date == "" {
			date = d.Book.Today()
		}

		if input.Grams <= 0 {
			return nil, nil, fmt.Errorf("grams must be positive")
		}

		var e models.DiaryEntry

		if input.ProductID != "" {
			if d.Products == nil {
				return nil, nil, fmt.Errorf("product catalog not loaded")
			}

			p, ok := d.Products.Find(input.ProductID)
			if !ok {
				return nil, nil, fmt.Errorf("unknown product %q", input.ProductID)
			}

			e = p.Portion(input.Grams, d.Now().UTC())
		} else {
			e = models.DiaryEntry{
				Name:    input.Name,
				Grams:   input.Grams,
				Kcal:    input.Kcal,
				Protein: input.Protein,
				Fat:     input.Fat,
				Carbs:   input.Carbs,
			}
		}

		added, err := d.Book.Add(ctx, date, e)
		if err != nil {
			return nil, nil, err
		}

		result := &DiaryAddResult{Date: date, Entry: toEntry(added)}

		return textResult(result), result, nil
	}
}

func diaryRemoveHandler(d Deps) mcp.ToolHandlerFor[DiaryRemoveInput, *DiaryRemoveResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input DiaryRemoveInput) (*mcp.CallToolResult, *DiaryRemoveResult, error) {
		removed, err := d.Book.Remove(ctx, input.Date, input.ID)
		if err != nil {
			return nil, nil, err
		}

		if !removed {
			return nil, nil, fmt.Errorf("no entry %q on %s", input.ID, input.Date)
		}

		result := &DiaryRemoveResult{Removed: true}

		return textResult(result), result, nil
	}
}

func productsSearchHandler(d Deps) mcp.ToolHandlerFor[ProductsSearchInput, *ProductsSearchResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input ProductsSearchInput) (*mcp.CallToolResult, *ProductsSearchResult, error) {
		if d.Products == nil {
			return nil, nil, fmt.Errorf("product catalog not loaded")
		}

		matches := d.Products.Search(input.Query, input.MaxResults)
		if matches == nil {
			matches = []models.Product{}
		}

		result := &ProductsSearchResult{Query: input.Query, TotalMatches: len(matches), Results: matches}

		return textResult(result), result, nil
	}
}

// snapshotExportHandler has no structured output: the document carries
// free-form activities JSON that has no fixed schema.
func snapshotExportHandler(d Deps) mcp.ToolHandlerFor[SnapshotExportInput, any] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ SnapshotExportInput) (*mcp.CallToolResult, any, error) {
		raw, err := snapshot.Export(d.Store, d.userID(), d.Now(), d.Logger)
		if err != nil {
			return nil, nil, err
		}

		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(raw)}},
		}, nil, nil
	}
}

func storageStatusHandler(d Deps) mcp.ToolHandlerFor[StorageStatusInput, *StorageStatus] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input StorageStatusInput) (*mcp.CallToolResult, *StorageStatus, error) {
		result := &StorageStatus{
			State:     d.Probe.State().String(),
			LocalOnly: d.Probe.LocalOnly(),
			UserID:    d.userID(),
		}

		if input.Compare {
			for _, key := range storage.LegacyKeys {
				c, err := d.Store.Compare(ctx, key)
				if err != nil {
					result.Error = err.Error()
					break
				}

				result.Keys = append(result.Keys, KeyStatus{
					Key:         key,
					PhysicalKey: d.Store.Key(key),
					LocalFound:  c.LocalFound,
					RemoteFound: c.RemoteFound,
					InSync:      c.Equal(),
				})
			}
		}

		return textResult(result), result, nil
	}
}

func (d Deps) userID() string {
	if d.UserID == nil {
		return ""
	}

	return d.UserID()
}

func toEntry(e models.DiaryEntry) Entry {
	return Entry{
		ID:        e.ID,
		Name:      e.Name,
		Grams:     e.Grams,
		Kcal:      e.Kcal,
		Protein:   e.Protein,
		Fat:       e.Fat,
		Carbs:     e.Carbs,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339),
		Activity:  e.IsActivity,
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}

// Package lineage records which stored item was derived from which, and by
// what. Edges form a DAG keyed by item id; traversal is breadth-first with
// a depth cap so a corrupted cycle cannot hang a caller.
package lineage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"hmlr-memory/internal/logging"
	"hmlr-memory/internal/storage"
	"hmlr-memory/pkg/types"
)

const (
	// DefaultMaxDepth bounds ancestor and descendant traversal.
	DefaultMaxDepth = 10
	// DefaultDiagramDepth bounds the mermaid rendering.
	DefaultDiagramDepth = 3
)

// IntegrityReport is the outcome of a full-table validation pass.
type IntegrityReport struct {
	Valid            bool     `json:"valid"`
	OrphanedItems    []string `json:"orphaned_items"`
	BrokenReferences []string `json:"broken_references"`
}

// Tracker records and traverses lineage edges.
type Tracker struct {
	store  storage.LineageStore
	logger logging.Logger
}

// NewTracker creates a tracker.
func NewTracker(store storage.LineageStore) *Tracker {
	return &Tracker{store: store, logger: logging.WithComponent("lineage")}
}

// RecordLineage upserts a single derivation edge.
func (t *Tracker) RecordLineage(ctx context.Context, itemID string, itemType types.LineageItemType, derivedFrom []string, derivedBy string) error {
	if itemID == "" {
		return errors.New("lineage item id cannot be empty")
	}
	edge := &types.LineageEdge{
		ItemID:      itemID,
		ItemType:    itemType,
		DerivedFrom: derivedFrom,
		DerivedBy:   derivedBy,
		CreatedAt:   time.Now().UTC(),
	}
	if err := t.store.Upsert(ctx, edge); err != nil {
		return fmt.Errorf("failed to record lineage for %s: %w", itemID, err)
	}
	return nil
}

// GetAncestors walks derivedFrom links breadth-first, up to maxDepth hops.
// The starting item is not included. Parents that have no lineage row of
// their own still appear in the result; they just end the walk.
func (t *Tracker) GetAncestors(ctx context.Context, itemID string, maxDepth int) ([]string, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	visited := map[string]bool{itemID: true}
	var ancestors []string
	frontier := []string{itemID}

	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, id := range frontier {
			edge, err := t.store.Get(ctx, id)
			if errors.Is(err, types.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("failed to load lineage for %s: %w", id, err)
			}
			for _, parent := range edge.DerivedFrom {
				if parent == "" || visited[parent] {
					continue
				}
				visited[parent] = true
				ancestors = append(ancestors, parent)
				next = append(next, parent)
			}
		}
		frontier = next
	}
	return ancestors, nil
}

// GetDescendants walks the reverse direction: items whose derivedFrom
// contains the target, breadth-first up to maxDepth hops.
func (t *Tracker) GetDescendants(ctx context.Context, itemID string, maxDepth int) ([]string, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	edges, err := t.store.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load lineage table: %w", err)
	}
	children := make(map[string][]string)
	for _, edge := range edges {
		for _, parent := range edge.DerivedFrom {
			children[parent] = append(children[parent], edge.ItemID)
		}
	}

	visited := map[string]bool{itemID: true}
	var descendants []string
	frontier := []string{itemID}
	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, id := range frontier {
			for _, child := range children[id] {
				if visited[child] {
					continue
				}
				visited[child] = true
				descendants = append(descendants, child)
				next = append(next, child)
			}
		}
		frontier = next
	}
	return descendants, nil
}

// ValidateIntegrity scans the whole table. Orphans are rows with no parents
// and no children. Broken references are parent ids that do not resolve to
// a lineage row; those may legitimately live in other tables, so the
// caller decides how to interpret them.
func (t *Tracker) ValidateIntegrity(ctx context.Context) (*IntegrityReport, error) {
	edges, err := t.store.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load lineage table: %w", err)
	}

	known := make(map[string]bool, len(edges))
	referenced := make(map[string]bool)
	for _, edge := range edges {
		known[edge.ItemID] = true
		for _, parent := range edge.DerivedFrom {
			if parent != "" {
				referenced[parent] = true
			}
		}
	}

	report := &IntegrityReport{Valid: true}
	for _, edge := range edges {
		if len(edge.DerivedFrom) == 0 && !referenced[edge.ItemID] {
			report.OrphanedItems = append(report.OrphanedItems, edge.ItemID)
		}
	}
	brokenSet := make(map[string]bool)
	for parent := range referenced {
		if !known[parent] {
			brokenSet[parent] = true
		}
	}
	for parent := range brokenSet {
		report.BrokenReferences = append(report.BrokenReferences, parent)
	}
	sort.Strings(report.OrphanedItems)
	sort.Strings(report.BrokenReferences)
	if len(report.OrphanedItems) > 0 || len(report.BrokenReferences) > 0 {
		report.Valid = false
	}
	return report, nil
}

// GetMermaidDiagram renders the ancestor graph of an item as a mermaid
// flowchart, ancestors pointing at their derivations.
func (t *Tracker) GetMermaidDiagram(ctx context.Context, itemID string, maxDepth int) (string, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultDiagramDepth
	}
	var b strings.Builder
	b.WriteString("graph TD\n")

	visited := map[string]bool{itemID: true}
	frontier := []string{itemID}
	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, id := range frontier {
			edge, err := t.store.Get(ctx, id)
			if errors.Is(err, types.ErrNotFound) {
				continue
			}
			if err != nil {
				return "", fmt.Errorf("failed to load lineage for %s: %w", id, err)
			}
			for _, parent := range edge.DerivedFrom {
				if parent == "" {
					continue
				}
				fmt.Fprintf(&b, "    %s --> %s\n", mermaidID(parent), mermaidID(edge.ItemID))
				if !visited[parent] {
					visited[parent] = true
					next = append(next, parent)
				}
			}
		}
		frontier = next
	}
	return b.String(), nil
}

// mermaidID strips characters mermaid treats as syntax.
func mermaidID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}

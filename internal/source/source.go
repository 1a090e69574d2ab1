// Package source discovers work items. The engine treats it as an external
// collaborator: it yields (group, URL) tuples with annotations and is never
// consulted again after the startup snapshot.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/SYSNET-LUMS/urlmeter/internal/domain"
)

const (
	metaFileName  = "query_meta.json"
	parseParallel = 8
)

// Walker materializes one work group per query_meta.json file found under
// Root. The group id is the metadata file path.
type Walker struct {
	Root string

	// Dedupe drops repeated URLs within a group, keeping first occurrence
	// order.
	Dedupe bool
}

type queryMeta struct {
	PromptID string            `json:"prompt_id"`
	Category string            `json:"category"`
	Accessed []json.RawMessage `json:"accessed"`
	Cites    []json.RawMessage `json:"cites"`
}

// Groups walks the root once and parses every metadata file. The returned
// slice is a fixed snapshot for the run; files appearing later are not
// reconciled. Failing to walk the root is fatal; a single unreadable metadata
// file only skips that group.
func (w *Walker) Groups(ctx context.Context) ([]domain.Group, error) {
	var paths []string
	err := filepath.WalkDir(w.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && d.Name() == metaFileName {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk work-item source %s: %w", w.Root, err)
	}
	sort.Strings(paths)

	groups := make([]domain.Group, len(paths))
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(parseParallel)
	for i, path := range paths {
		i, path := i, path
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			g, err := w.readGroup(path)
			if err != nil {
				// Skip the broken file but keep its empty group so callers
				// can log what was dropped.
				groups[i] = domain.Group{ID: path}
				return nil
			}
			groups[i] = g
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return groups, nil
}

func (w *Walker) readGroup(path string) (domain.Group, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Group{}, fmt.Errorf("read %s: %w", path, err)
	}
	var meta queryMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return domain.Group{}, fmt.Errorf("parse %s: %w", path, err)
	}

	cited := make(map[string]struct{})
	for _, raw := range meta.Cites {
		if u, ok := urlFromEntry(raw); ok {
			cited[NormalizeURL(u)] = struct{}{}
		}
	}

	g := domain.Group{ID: path}
	seen := make(map[string]struct{})
	for _, raw := range meta.Accessed {
		u, ok := urlFromEntry(raw)
		if !ok {
			continue
		}
		if w.Dedupe {
			if _, dup := seen[u]; dup {
				continue
			}
			seen[u] = struct{}{}
		}
		_, isCited := cited[NormalizeURL(u)]
		g.Items = append(g.Items, domain.WorkItem{
			GroupID:  path,
			URL:      u,
			Attempt:  1,
			PromptID: meta.PromptID,
			Category: meta.Category,
			IsCited:  isCited,
		})
	}
	return g, nil
}

// urlFromEntry accepts either a bare string or an object carrying the URL
// under one of the usual keys.
func urlFromEntry(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, s != ""
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", false
	}
	for _, key := range []string{"url", "uri", "href", "link"} {
		if v, ok := obj[key].(string); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

// Package templates loads package templates from a YAML seed file and
// applies them to jobs.
package templates

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"estimator/api/internal/jobdoc"
	"estimator/api/internal/store"
)

// Store is the part of the job store the seeder writes to.
type Store interface {
	CountPackageTemplates(ctx context.Context) (int, error)
	UpsertPackageTemplate(ctx context.Context, item store.PackageTemplate) (store.PackageTemplate, error)
}

type seedFile struct {
	Templates []seedTemplate `yaml:"templates"`
}

type seedTemplate struct {
	Name        string     `yaml:"name"`
	Category    string     `yaml:"category"`
	Description string     `yaml:"description"`
	Items       []seedItem `yaml:"items"`
}

type seedItem struct {
	Category    string  `yaml:"category"`
	Description string  `yaml:"description"`
	Qty         float64 `yaml:"qty"`
	Cost        float64 `yaml:"cost"`
	Price       float64 `yaml:"price"`
}

// Parse reads templates from YAML. Every template needs a name and a category.
func Parse(r io.Reader) ([]store.PackageTemplate, error) {
	var file seedFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("decode templates: %w", err)
	}

	out := make([]store.PackageTemplate, 0, len(file.Templates))
	for i, tpl := range file.Templates {
		name := strings.TrimSpace(tpl.Name)
		category := strings.TrimSpace(tpl.Category)
		if name == "" || category == "" {
			return nil, fmt.Errorf("template %d: name and category are required", i+1)
		}
		items := make([]jobdoc.LineItem, 0, len(tpl.Items))
		for _, item := range tpl.Items {
			qty := item.Qty
			if qty == 0 {
				qty = 1
			}
			items = append(items, jobdoc.LineItem{
				Category:    item.Category,
				Description: item.Description,
				Qty:         jobdoc.Number(qty),
				Cost:        jobdoc.Number(item.Cost),
				Price:       jobdoc.Number(item.Price),
			})
		}
		out = append(out, store.PackageTemplate{
			Name:        name,
			Category:    category,
			Description: tpl.Description,
			Items:       items,
		})
	}
	return out, nil
}

// Load reads a seed file from disk.
func Load(path string) ([]store.PackageTemplate, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open templates file: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Seed loads path into an empty template table. A populated table or an
// empty path is left alone. It returns how many templates were written.
func Seed(ctx context.Context, s Store, path string) (int, error) {
	if strings.TrimSpace(path) == "" {
		return 0, nil
	}
	count, err := s.CountPackageTemplates(ctx)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		return 0, nil
	}

	items, err := Load(path)
	if err != nil {
		return 0, err
	}
	for _, item := range items {
		if _, err := s.UpsertPackageTemplate(ctx, item); err != nil {
			return 0, fmt.Errorf("seed template %q: %w", item.Name, err)
		}
	}
	log.Printf("Seeded %d package templates from %s", len(items), path)
	return len(items), nil
}

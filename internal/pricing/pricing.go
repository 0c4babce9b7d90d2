// Package pricing holds the static cost table for billed operations.
package pricing

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"github.com/BurntSushi/toml"

	"github.com/duaia/backend/internal/models"
)

//go:embed costs.toml
var defaultCosts []byte

// Price is the cost of one operation.
type Price struct {
	Cost        int64       `toml:"cost" json:"cost"`
	Unit        models.Unit `toml:"unit" json:"unit"`
	Description string      `toml:"description" json:"description"`
}

// Operation is a row of the public cost listing.
type Operation struct {
	Kind models.OperationKind `json:"kind"`
	Price
}

type file struct {
	Operations map[string]Price `toml:"operations"`
}

// Table maps operation kinds to prices. It is read-only after construction.
type Table struct {
	prices map[models.OperationKind]Price
}

// Default returns the built-in cost table.
func Default() *Table {
	t, err := parse(defaultCosts, nil)
	if err != nil {
		panic(fmt.Sprintf("failed to parse embedded cost table: %v", err))
	}
	return t
}

// Load returns the built-in table overlaid with the entries in the TOML file
// at path. An empty path returns the defaults.
func Load(path string) (*Table, error) {
	base := Default()
	if path == "" {
		return base, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read cost table: %w", err)
	}
	return parse(data, base)
}

func parse(data []byte, base *Table) (*Table, error) {
	var f file
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse cost table: %w", err)
	}
	t := &Table{prices: make(map[models.OperationKind]Price)}
	if base != nil {
		for k, p := range base.prices {
			t.prices[k] = p
		}
	}
	for name, p := range f.Operations {
		if p.Unit == "" {
			p.Unit = models.UnitCredits
		}
		if !p.Unit.Valid() {
			return nil, fmt.Errorf("operation %q: unknown unit %q", name, p.Unit)
		}
		if p.Cost < 0 {
			return nil, fmt.Errorf("operation %q: negative cost", name)
		}
		t.prices[models.OperationKind(name)] = p
	}
	return t, nil
}

// Lookup returns the price of kind.
func (t *Table) Lookup(kind models.OperationKind) (Price, bool) {
	p, ok := t.prices[kind]
	return p, ok
}

// List returns every priced operation sorted by kind.
func (t *Table) List() []Operation {
	out := make([]Operation, 0, len(t.prices))
	for k, p := range t.prices {
		out = append(out, Operation{Kind: k, Price: p})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

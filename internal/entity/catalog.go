package entity

import (
	"fmt"
	"sort"
)

// Descriptor describes one migratable entity type: its source and
// destination tables and the entity types that must be migrated before it.
// Descriptors are static configuration and never mutated at runtime.
type Descriptor struct {
	EntityType       string   `yaml:"entity_type" json:"entity_type"`
	SourceTable      string   `yaml:"source_table" json:"source_table"`
	DestinationTable string   `yaml:"destination_table" json:"destination_table"`
	PrimaryKey       string   `yaml:"primary_key" json:"primary_key"`
	ModifiedColumn   string   `yaml:"modified_column" json:"modified_column"`
	CompareColumns   []string `yaml:"compare_columns" json:"compare_columns"`
	Dependencies     []string `yaml:"dependencies" json:"dependencies"`
}

// Catalog holds the fixed set of entity descriptors for a deployment.
type Catalog struct {
	byType map[string]Descriptor
	order  []string // declaration order, for stable iteration
}

// NewCatalog validates descriptors and builds a catalog. A dependency on an
// undeclared entity type or a dependency cycle is a fatal configuration
// error, never silently resolved.
func NewCatalog(descriptors []Descriptor) (*Catalog, error) {
	if len(descriptors) == 0 {
		return nil, fmt.Errorf("invalid configuration: entity catalog is empty")
	}

	c := &Catalog{byType: make(map[string]Descriptor, len(descriptors))}
	for _, d := range descriptors {
		if d.EntityType == "" {
			return nil, fmt.Errorf("invalid configuration: descriptor with empty entity_type")
		}
		if _, dup := c.byType[d.EntityType]; dup {
			return nil, fmt.Errorf("invalid configuration: duplicate entity type %q", d.EntityType)
		}
		if d.SourceTable == "" || d.DestinationTable == "" {
			return nil, fmt.Errorf("invalid configuration: entity %q missing source or destination table", d.EntityType)
		}
		if d.PrimaryKey == "" {
			return nil, fmt.Errorf("invalid configuration: entity %q missing primary_key", d.EntityType)
		}
		c.byType[d.EntityType] = d
		c.order = append(c.order, d.EntityType)
	}

	for _, d := range descriptors {
		for _, dep := range d.Dependencies {
			if _, ok := c.byType[dep]; !ok {
				return nil, fmt.Errorf("invalid configuration: entity %q depends on unknown entity %q", d.EntityType, dep)
			}
			if dep == d.EntityType {
				return nil, fmt.Errorf("invalid configuration: entity %q depends on itself", d.EntityType)
			}
		}
	}

	if cycle := c.findCycle(); len(cycle) > 0 {
		return nil, fmt.Errorf("invalid configuration: dependency cycle among entities %v", cycle)
	}

	return c, nil
}

// Get returns the descriptor for an entity type.
func (c *Catalog) Get(entityType string) (Descriptor, error) {
	d, ok := c.byType[entityType]
	if !ok {
		return Descriptor{}, fmt.Errorf("unknown entity type %q", entityType)
	}
	return d, nil
}

// Has reports whether the catalog declares an entity type.
func (c *Catalog) Has(entityType string) bool {
	_, ok := c.byType[entityType]
	return ok
}

// Types returns all declared entity types in declaration order.
func (c *Catalog) Types() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Len returns the number of declared entity types.
func (c *Catalog) Len() int {
	return len(c.order)
}

// findCycle returns the members of one dependency cycle, or nil if the
// catalog's dependency relation is a DAG.
func (c *Catalog) findCycle() []string {
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int, len(c.byType))

	var cycle []string
	var visit func(t string) bool
	visit = func(t string) bool {
		state[t] = inStack
		for _, dep := range c.byType[t].Dependencies {
			switch state[dep] {
			case inStack:
				cycle = append(cycle, dep)
				return true
			case unvisited:
				if visit(dep) {
					cycle = append(cycle, t)
					return true
				}
			}
		}
		state[t] = done
		return false
	}

	for _, t := range c.order {
		if state[t] == unvisited && visit(t) {
			sort.Strings(cycle)
			return cycle
		}
	}
	return nil
}

package query

import (
	"context"
	"fmt"
	"sort"

	"github.com/statvault/cube/builder/pkg/pgsql"
)

// FacetNode is one selectable value in a dimension's filter tree.
type FacetNode struct {
	Reference   string       `json:"reference"`
	Description string       `json:"description"`
	Children    []*FacetNode `json:"children,omitempty"`
}

// Facet is one dimension's filter tree in one locale. Column is the fact
// table column to filter on, Name the dimension's display name.
type Facet struct {
	Column string       `json:"column"`
	Name   string       `json:"name"`
	Roots  []*FacetNode `json:"roots"`
}

// Facets reconstructs the per-dimension filter trees from the schema's
// filter table. A row whose hierarchy names another reference of the same
// dimension nests under it; everything else is a root.
func (s *Store) Facets(ctx context.Context, schema, locale string) ([]Facet, error) {
	rows, err := s.cfg.Pool.Query(ctx,
		"SELECT fact_table_column, dimension_name, reference, description, hierarchy FROM "+
			pgsql.QuoteIdent(schema, "filter_table")+
			" WHERE language = $1 ORDER BY fact_table_column, reference",
		locale)
	if err != nil {
		return nil, fmt.Errorf("failed to read filter table: %w", err)
	}
	defer rows.Close()

	type facetBuild struct {
		facet *Facet
		nodes map[string]*FacetNode
		// parent reference per node reference, resolved once all of the
		// dimension's rows are loaded.
		parents map[string]string
	}
	var (
		order  []string
		builds = map[string]*facetBuild{}
	)

	for rows.Next() {
		var column, name, reference, description string
		var hierarchy *string
		if err := rows.Scan(&column, &name, &reference, &description, &hierarchy); err != nil {
			return nil, fmt.Errorf("failed to read filter row: %w", err)
		}
		fb, ok := builds[column]
		if !ok {
			fb = &facetBuild{
				facet:   &Facet{Column: column, Name: name},
				nodes:   map[string]*FacetNode{},
				parents: map[string]string{},
			}
			builds[column] = fb
			order = append(order, column)
		}
		fb.nodes[reference] = &FacetNode{Reference: reference, Description: description}
		if hierarchy != nil && *hierarchy != "" {
			fb.parents[reference] = *hierarchy
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate filter table: %w", err)
	}

	facets := make([]Facet, 0, len(order))
	for _, column := range order {
		fb := builds[column]
		for _, node := range orderedNodes(fb.nodes) {
			parent, ok := fb.nodes[fb.parents[node.Reference]]
			// A parent already nested under the node would close a cycle;
			// such a node becomes a root so no row is silently dropped.
			if ok && parent != node && !isDescendant(node, parent) {
				parent.Children = append(parent.Children, node)
			} else {
				fb.facet.Roots = append(fb.facet.Roots, node)
			}
		}
		facets = append(facets, *fb.facet)
	}
	return facets, nil
}

func isDescendant(root, target *FacetNode) bool {
	for _, c := range root.Children {
		if c == target || isDescendant(c, target) {
			return true
		}
	}
	return false
}

func orderedNodes(nodes map[string]*FacetNode) []*FacetNode {
	refs := make([]string, 0, len(nodes))
	for ref := range nodes {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	out := make([]*FacetNode, 0, len(nodes))
	for _, ref := range refs {
		out = append(out, nodes[ref])
	}
	return out
}

package pebble

import (
	"strings"

	"github.com/syntrixbase/appsearch/pkg/model"
)

type projectionNode struct {
	whole    bool
	children map[string]*projectionNode
}

func buildProjection(paths []string) *projectionNode {
	root := &projectionNode{children: make(map[string]*projectionNode)}
	for _, path := range paths {
		node := root
		for _, part := range strings.Split(path, ".") {
			if part == "" {
				continue
			}
			child, ok := node.children[part]
			if !ok {
				child = &projectionNode{children: make(map[string]*projectionNode)}
				node.children[part] = child
			}
			node = child
		}
		if node != root {
			node.whole = true
		}
	}
	return root
}

// applyProjection keeps only the property paths selected for the document's
// schema type. Types without an entry (and no ProjectionAll entry) are
// returned whole; an empty path list returns no properties.
func applyProjection(doc *model.Document, projections map[string][]string) *model.Document {
	if len(projections) == 0 {
		return doc
	}
	paths, ok := projections[doc.SchemaType]
	if !ok {
		if paths, ok = projections[model.ProjectionAll]; !ok {
			return doc
		}
	}
	return project(doc, buildProjection(paths))
}

func project(doc *model.Document, node *projectionNode) *model.Document {
	out := *doc
	out.Properties = nil
	for name, child := range node.children {
		values, ok := doc.Properties[name]
		if !ok {
			continue
		}
		if child.whole || len(values.Documents) == 0 {
			if out.Properties == nil {
				out.Properties = make(map[string]model.PropertyValues)
			}
			out.Properties[name] = values
			continue
		}
		nested := make([]*model.Document, 0, len(values.Documents))
		for _, d := range values.Documents {
			nested = append(nested, project(d, child))
		}
		if out.Properties == nil {
			out.Properties = make(map[string]model.PropertyValues)
		}
		out.Properties[name] = model.PropertyValues{Documents: nested}
	}
	return &out
}

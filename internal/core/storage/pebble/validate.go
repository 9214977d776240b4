package pebble

import (
	"fmt"
	"sort"

	"github.com/syntrixbase/appsearch/pkg/model"
)

const maxNestingDepth = 16

// validateSchema checks every declaration and that nested references resolve.
func validateSchema(types []model.SchemaType) (map[string]model.SchemaType, error) {
	byName := make(map[string]model.SchemaType, len(types))
	for _, t := range types {
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrInvalidSchema, err)
		}
		if _, dup := byName[t.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate schema type %q", model.ErrInvalidSchema, t.Name)
		}
		byName[t.Name] = t
	}
	for _, t := range types {
		for _, p := range t.Properties {
			if p.DataType != model.DataTypeDocument {
				continue
			}
			if _, ok := byName[p.SchemaType]; !ok {
				return nil, fmt.Errorf("%w: property %s.%s references unknown schema type %q",
					model.ErrInvalidSchema, t.Name, p.Name, p.SchemaType)
			}
		}
	}
	return byName, nil
}

// validateDocument checks a document against the schema of its database.
func validateDocument(types map[string]model.SchemaType, doc *model.Document) error {
	if err := doc.Validate(); err != nil {
		return fmt.Errorf("%w: %v", model.ErrInvalidArgument, err)
	}
	return validateProperties(types, doc, doc.SchemaType, 0)
}

func validateProperties(types map[string]model.SchemaType, doc *model.Document, schemaType string, depth int) error {
	if depth > maxNestingDepth {
		return fmt.Errorf("%w: documents nested deeper than %d", model.ErrInvalidSchema, maxNestingDepth)
	}
	st, ok := types[schemaType]
	if !ok {
		return fmt.Errorf("%w: schema type %q is not defined", model.ErrInvalidSchema, schemaType)
	}

	for _, name := range doc.PropertyNames() {
		values := doc.Properties[name]
		prop, ok := st.Property(name)
		if !ok {
			return fmt.Errorf("%w: property %q is not declared by %q", model.ErrInvalidSchema, name, schemaType)
		}
		n := values.Len()
		if n == 0 {
			continue
		}
		if kind := values.Kind(); kind != prop.DataType {
			return fmt.Errorf("%w: property %s.%s expects %s values", model.ErrInvalidSchema, schemaType, name, prop.DataType)
		}
		if prop.Cardinality != model.CardinalityRepeated && n > 1 {
			return fmt.Errorf("%w: property %s.%s holds %d values but is %s",
				model.ErrInvalidSchema, schemaType, name, n, prop.Cardinality)
		}
		for _, nested := range values.Documents {
			if nested == nil {
				return fmt.Errorf("%w: property %s.%s holds a nil document", model.ErrInvalidSchema, schemaType, name)
			}
			if nested.SchemaType != "" && nested.SchemaType != prop.SchemaType {
				return fmt.Errorf("%w: property %s.%s expects %q documents, got %q",
					model.ErrInvalidSchema, schemaType, name, prop.SchemaType, nested.SchemaType)
			}
			if err := validateProperties(types, nested, prop.SchemaType, depth+1); err != nil {
				return err
			}
		}
	}

	for _, prop := range st.Properties {
		if prop.Cardinality == model.CardinalityRequired && doc.Properties[prop.Name].Len() == 0 {
			return fmt.Errorf("%w: required property %s.%s is missing", model.ErrInvalidSchema, schemaType, prop.Name)
		}
	}
	return nil
}

// diffSchema returns the types removed by next and the kept types whose
// existing documents may not satisfy next. Types referencing an
// incompatible type through a document property are incompatible too.
func diffSchema(prev, next map[string]model.SchemaType) (deleted, incompatible []string) {
	broken := make(map[string]bool)
	for name, old := range prev {
		cur, ok := next[name]
		if !ok {
			deleted = append(deleted, name)
			continue
		}
		if typeIncompatible(old, cur) {
			broken[name] = true
		}
	}

	for changed := true; changed; {
		changed = false
		for name, cur := range next {
			if broken[name] {
				continue
			}
			if _, existed := prev[name]; !existed {
				continue
			}
			for _, p := range cur.Properties {
				if p.DataType == model.DataTypeDocument && broken[p.SchemaType] {
					broken[name] = true
					changed = true
					break
				}
			}
		}
	}

	for name := range broken {
		incompatible = append(incompatible, name)
	}
	sort.Strings(deleted)
	sort.Strings(incompatible)
	return deleted, incompatible
}

func typeIncompatible(old, cur model.SchemaType) bool {
	for _, op := range old.Properties {
		np, ok := cur.Property(op.Name)
		if !ok {
			return true
		}
		if np.DataType != op.DataType {
			return true
		}
		if np.DataType == model.DataTypeDocument && np.SchemaType != op.SchemaType {
			return true
		}
		if op.Cardinality.Tightens(np.Cardinality) {
			return true
		}
	}
	for _, np := range cur.Properties {
		if _, ok := old.Property(np.Name); !ok && np.Cardinality == model.CardinalityRequired {
			return true
		}
	}
	return false
}

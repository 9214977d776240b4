package model

import (
	"context"
	"fmt"
	"sort"
)

// DataType is the kind of values a property holds.
type DataType string

const (
	DataTypeString   DataType = "string"
	DataTypeLong     DataType = "long"
	DataTypeDouble   DataType = "double"
	DataTypeBoolean  DataType = "boolean"
	DataTypeBytes    DataType = "bytes"
	DataTypeDocument DataType = "document"
)

// IsValid checks if the data type is known.
func (t DataType) IsValid() bool {
	switch t {
	case DataTypeString, DataTypeLong, DataTypeDouble, DataTypeBoolean, DataTypeBytes, DataTypeDocument:
		return true
	}
	return false
}

// Cardinality is how many values a property may hold.
type Cardinality string

const (
	CardinalityRepeated Cardinality = "repeated"
	CardinalityOptional Cardinality = "optional"
	CardinalityRequired Cardinality = "required"
)

// IsValid checks if the cardinality is known.
func (c Cardinality) IsValid() bool {
	switch c {
	case CardinalityRepeated, CardinalityOptional, CardinalityRequired:
		return true
	}
	return false
}

// strictness orders cardinalities from the most permissive to the strictest.
func (c Cardinality) strictness() int {
	switch c {
	case CardinalityRepeated:
		return 0
	case CardinalityOptional:
		return 1
	default:
		return 2
	}
}

// Tightens reports whether moving from c to next rejects values c accepted.
func (c Cardinality) Tightens(next Cardinality) bool {
	return next.strictness() > c.strictness()
}

// PropertyConfig declares one property of a schema type.
type PropertyConfig struct {
	Name        string      `json:"name" bson:"name" validate:"required"`
	DataType    DataType    `json:"dataType" bson:"data_type" validate:"required"`
	Cardinality Cardinality `json:"cardinality" bson:"cardinality" validate:"required"`
	// SchemaType names the nested type of a document property.
	SchemaType string `json:"schemaType,omitempty" bson:"schema_type,omitempty"`
	Indexed    bool   `json:"indexed,omitempty" bson:"indexed,omitempty"`
}

// SchemaType is a named structural document definition.
type SchemaType struct {
	Name       string           `json:"name" bson:"name" validate:"required"`
	Properties []PropertyConfig `json:"properties" bson:"properties" validate:"dive"`
}

// NewSchemaType creates a schema type with the given properties.
func NewSchemaType(name string, props ...PropertyConfig) SchemaType {
	return SchemaType{Name: name, Properties: props}
}

// Property looks up a property declaration by name.
func (s SchemaType) Property(name string) (PropertyConfig, bool) {
	for _, p := range s.Properties {
		if p.Name == name {
			return p, true
		}
	}
	return PropertyConfig{}, false
}

// Validate checks the declaration itself, without resolving nested types.
func (s SchemaType) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("schema type name cannot be empty")
	}
	seen := make(map[string]bool, len(s.Properties))
	for _, p := range s.Properties {
		if p.Name == "" {
			return fmt.Errorf("schema type %q: property name cannot be empty", s.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("schema type %q: duplicate property %q", s.Name, p.Name)
		}
		seen[p.Name] = true
		if !p.DataType.IsValid() {
			return fmt.Errorf("schema type %q: property %q has invalid data type %q", s.Name, p.Name, p.DataType)
		}
		if !p.Cardinality.IsValid() {
			return fmt.Errorf("schema type %q: property %q has invalid cardinality %q", s.Name, p.Name, p.Cardinality)
		}
		if p.DataType == DataTypeDocument && p.SchemaType == "" {
			return fmt.Errorf("schema type %q: document property %q must name its schema type", s.Name, p.Name)
		}
	}
	return nil
}

// PackageIdentifier names a package allowed to read a schema type.
type PackageIdentifier struct {
	PackageName string `json:"packageName" bson:"package_name" validate:"required"`
	Sha256Cert  []byte `json:"sha256Cert,omitempty" bson:"sha256_cert,omitempty"`
}

// Visibility holds the per-type visibility settings of a database.
type Visibility struct {
	NotDisplayedBySystem []string                       `json:"notDisplayedBySystem,omitempty" bson:"not_displayed_by_system,omitempty"`
	VisibleToPackages    map[string][]PackageIdentifier `json:"visibleToPackages,omitempty" bson:"visible_to_packages,omitempty"`
}

// Migrator transforms documents of one schema type between database versions.
type Migrator interface {
	// ShouldMigrate reports whether this migrator handles the version change.
	ShouldMigrate(currentVersion, finalVersion int) bool
	// OnUpgrade is called when currentVersion < finalVersion. A nil document
	// with a nil error drops the document.
	OnUpgrade(ctx context.Context, currentVersion, finalVersion int, doc *Document) (*Document, error)
	// OnDowngrade is called when currentVersion > finalVersion.
	OnDowngrade(ctx context.Context, currentVersion, finalVersion int, doc *Document) (*Document, error)
}

// TransformFunc is the signature of a single migration direction.
type TransformFunc func(ctx context.Context, currentVersion, finalVersion int, doc *Document) (*Document, error)

// MigratorFuncs adapts plain functions to Migrator. A nil ShouldMigrateFunc
// migrates on any version change; a nil direction fails the document.
type MigratorFuncs struct {
	ShouldMigrateFunc func(currentVersion, finalVersion int) bool
	Upgrade           TransformFunc
	Downgrade         TransformFunc
}

func (m MigratorFuncs) ShouldMigrate(currentVersion, finalVersion int) bool {
	if m.ShouldMigrateFunc == nil {
		return currentVersion != finalVersion
	}
	return m.ShouldMigrateFunc(currentVersion, finalVersion)
}

func (m MigratorFuncs) OnUpgrade(ctx context.Context, currentVersion, finalVersion int, doc *Document) (*Document, error) {
	if m.Upgrade == nil {
		return nil, fmt.Errorf("no upgrade transform from version %d to %d", currentVersion, finalVersion)
	}
	return m.Upgrade(ctx, currentVersion, finalVersion, doc)
}

func (m MigratorFuncs) OnDowngrade(ctx context.Context, currentVersion, finalVersion int, doc *Document) (*Document, error) {
	if m.Downgrade == nil {
		return nil, fmt.Errorf("no downgrade transform from version %d to %d", currentVersion, finalVersion)
	}
	return m.Downgrade(ctx, currentVersion, finalVersion, doc)
}

// SetSchemaRequest describes a schema change for one database.
type SetSchemaRequest struct {
	Schemas                     []SchemaType                   `validate:"dive"`
	SchemasNotDisplayedBySystem []string                       `validate:"dive,required"`
	SchemasVisibleToPackages    map[string][]PackageIdentifier `validate:"dive,dive"`
	Migrators                   map[string]Migrator
	ForceOverride               bool
	Version                     int `validate:"gte=0"`
}

// Visibility returns the visibility settings carried by the request.
func (r SetSchemaRequest) Visibility() Visibility {
	return Visibility{
		NotDisplayedBySystem: r.SchemasNotDisplayedBySystem,
		VisibleToPackages:    r.SchemasVisibleToPackages,
	}
}

// MigrationFailure records a document that could not be migrated.
type MigrationFailure struct {
	Namespace  string
	ID         string
	SchemaType string
	Err        error
}

func (f MigrationFailure) Error() string {
	return fmt.Sprintf("migration of %s/%s (%s) failed: %v", f.Namespace, f.ID, f.SchemaType, f.Err)
}

func (f MigrationFailure) Unwrap() error {
	return f.Err
}

// SetSchemaResponse is the outcome of a setSchema call.
type SetSchemaResponse struct {
	DeletedTypes      []string
	IncompatibleTypes []string
	MigratedTypes     []string
	MigrationFailures []MigrationFailure
}

// SetSchemaResponseBuilder folds partial results into a SetSchemaResponse.
type SetSchemaResponseBuilder struct {
	deleted      map[string]struct{}
	incompatible map[string]struct{}
	migrated     map[string]struct{}
	failures     []MigrationFailure
}

// NewSetSchemaResponseBuilder creates an empty builder.
func NewSetSchemaResponseBuilder() *SetSchemaResponseBuilder {
	return &SetSchemaResponseBuilder{
		deleted:      make(map[string]struct{}),
		incompatible: make(map[string]struct{}),
		migrated:     make(map[string]struct{}),
	}
}

func (b *SetSchemaResponseBuilder) AddDeletedTypes(types ...string) *SetSchemaResponseBuilder {
	for _, t := range types {
		b.deleted[t] = struct{}{}
	}
	return b
}

func (b *SetSchemaResponseBuilder) AddIncompatibleTypes(types ...string) *SetSchemaResponseBuilder {
	for _, t := range types {
		b.incompatible[t] = struct{}{}
	}
	return b
}

func (b *SetSchemaResponseBuilder) AddMigratedTypes(types ...string) *SetSchemaResponseBuilder {
	for _, t := range types {
		b.migrated[t] = struct{}{}
	}
	return b
}

func (b *SetSchemaResponseBuilder) AddMigrationFailures(failures ...MigrationFailure) *SetSchemaResponseBuilder {
	b.failures = append(b.failures, failures...)
	return b
}

// Build returns the response; the builder may keep being used afterwards.
func (b *SetSchemaResponseBuilder) Build() *SetSchemaResponse {
	return &SetSchemaResponse{
		DeletedTypes:      sortedKeys(b.deleted),
		IncompatibleTypes: sortedKeys(b.incompatible),
		MigratedTypes:     sortedKeys(b.migrated),
		MigrationFailures: append([]MigrationFailure(nil), b.failures...),
	}
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// GetSchemaResponse is the schema currently stored for a database.
type GetSchemaResponse struct {
	Schemas    []SchemaType
	Version    int
	Visibility Visibility
}

// Schema looks up a schema type by name.
func (r *GetSchemaResponse) Schema(name string) (SchemaType, bool) {
	for _, s := range r.Schemas {
		if s.Name == name {
			return s, true
		}
	}
	return SchemaType{}, false
}

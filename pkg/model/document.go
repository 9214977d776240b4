package model

import (
	"errors"
	"regexp"
	"sort"
)

var (
	idRegex = regexp.MustCompile(`^[^\x00]{1,256}$`)
)

// CheckDocumentID reports whether id can be used as a document id or namespace.
func CheckDocumentID(id string) bool {
	return idRegex.MatchString(id)
}

// DocumentKey identifies a document within a database.
type DocumentKey struct {
	Namespace string
	ID        string
}

func (k DocumentKey) String() string {
	return k.Namespace + "/" + k.ID
}

// PropertyValues holds the values of one property. Exactly one of the slices
// is populated; the populated slice must match the declared data type.
type PropertyValues struct {
	Strings   []string    `json:"strings,omitempty" bson:"strings,omitempty"`
	Longs     []int64     `json:"longs,omitempty" bson:"longs,omitempty"`
	Doubles   []float64   `json:"doubles,omitempty" bson:"doubles,omitempty"`
	Booleans  []bool      `json:"booleans,omitempty" bson:"booleans,omitempty"`
	Bytes     [][]byte    `json:"bytes,omitempty" bson:"bytes,omitempty"`
	Documents []*Document `json:"documents,omitempty" bson:"documents,omitempty"`
}

// Len returns the number of values regardless of kind.
func (p PropertyValues) Len() int {
	return len(p.Strings) + len(p.Longs) + len(p.Doubles) + len(p.Booleans) + len(p.Bytes) + len(p.Documents)
}

// Kind returns the data type carried by the values, or "" when empty or mixed.
func (p PropertyValues) Kind() DataType {
	var kind DataType
	set := 0
	if len(p.Strings) > 0 {
		kind, set = DataTypeString, set+1
	}
	if len(p.Longs) > 0 {
		kind, set = DataTypeLong, set+1
	}
	if len(p.Doubles) > 0 {
		kind, set = DataTypeDouble, set+1
	}
	if len(p.Booleans) > 0 {
		kind, set = DataTypeBoolean, set+1
	}
	if len(p.Bytes) > 0 {
		kind, set = DataTypeBytes, set+1
	}
	if len(p.Documents) > 0 {
		kind, set = DataTypeDocument, set+1
	}
	if set != 1 {
		return ""
	}
	return kind
}

// Values returns the values as a generic list, nested documents as maps.
func (p PropertyValues) Values() []interface{} {
	out := make([]interface{}, 0, p.Len())
	for _, v := range p.Strings {
		out = append(out, v)
	}
	for _, v := range p.Longs {
		out = append(out, v)
	}
	for _, v := range p.Doubles {
		out = append(out, v)
	}
	for _, v := range p.Booleans {
		out = append(out, v)
	}
	for _, v := range p.Bytes {
		out = append(out, v)
	}
	for _, v := range p.Documents {
		out = append(out, v.AsMap())
	}
	return out
}

func (p PropertyValues) clone() PropertyValues {
	var c PropertyValues
	if p.Strings != nil {
		c.Strings = append([]string(nil), p.Strings...)
	}
	if p.Longs != nil {
		c.Longs = append([]int64(nil), p.Longs...)
	}
	if p.Doubles != nil {
		c.Doubles = append([]float64(nil), p.Doubles...)
	}
	if p.Booleans != nil {
		c.Booleans = append([]bool(nil), p.Booleans...)
	}
	if p.Bytes != nil {
		c.Bytes = make([][]byte, len(p.Bytes))
		for i, b := range p.Bytes {
			c.Bytes[i] = append([]byte(nil), b...)
		}
	}
	if p.Documents != nil {
		c.Documents = make([]*Document, len(p.Documents))
		for i, d := range p.Documents {
			c.Documents[i] = d.Clone()
		}
	}
	return c
}

// Document is a typed record identified by (namespace, id) within a database.
type Document struct {
	Namespace               string                    `json:"namespace" bson:"namespace"`
	ID                      string                    `json:"id" bson:"id"`
	SchemaType              string                    `json:"schemaType" bson:"schema_type"`
	Score                   int                       `json:"score" bson:"score"`
	CreationTimestampMillis int64                     `json:"creationTimestampMillis" bson:"creation_ts"`
	TTLMillis               int64                     `json:"ttlMillis" bson:"ttl"`
	Properties              map[string]PropertyValues `json:"properties,omitempty" bson:"properties,omitempty"`
}

// NewDocument creates an empty document of the given schema type.
func NewDocument(namespace, id, schemaType string) *Document {
	return &Document{
		Namespace:  namespace,
		ID:         id,
		SchemaType: schemaType,
	}
}

// Key returns the (namespace, id) identity of the document.
func (d *Document) Key() DocumentKey {
	return DocumentKey{Namespace: d.Namespace, ID: d.ID}
}

// Validate checks the identity fields. Property checks are done against the
// schema by the storage engine.
func (d *Document) Validate() error {
	if d == nil {
		return errors.New("document cannot be nil")
	}
	if !CheckDocumentID(d.ID) {
		return errors.New("invalid document id")
	}
	if !CheckDocumentID(d.Namespace) {
		return errors.New("invalid document namespace")
	}
	if d.SchemaType == "" {
		return errors.New("document schema type cannot be empty")
	}
	if d.Score < 0 {
		return errors.New("document score cannot be negative")
	}
	if d.TTLMillis < 0 {
		return errors.New("document ttl cannot be negative")
	}
	return nil
}

// IsExpired reports whether the document's TTL has elapsed at nowMillis.
func (d *Document) IsExpired(nowMillis int64) bool {
	return d.TTLMillis > 0 && d.CreationTimestampMillis+d.TTLMillis <= nowMillis
}

func (d *Document) set(name string, v PropertyValues) *Document {
	if d.Properties == nil {
		d.Properties = make(map[string]PropertyValues)
	}
	d.Properties[name] = v
	return d
}

func (d *Document) SetStrings(name string, values ...string) *Document {
	return d.set(name, PropertyValues{Strings: values})
}

func (d *Document) SetLongs(name string, values ...int64) *Document {
	return d.set(name, PropertyValues{Longs: values})
}

func (d *Document) SetDoubles(name string, values ...float64) *Document {
	return d.set(name, PropertyValues{Doubles: values})
}

func (d *Document) SetBooleans(name string, values ...bool) *Document {
	return d.set(name, PropertyValues{Booleans: values})
}

func (d *Document) SetBytes(name string, values ...[]byte) *Document {
	return d.set(name, PropertyValues{Bytes: values})
}

func (d *Document) SetDocuments(name string, values ...*Document) *Document {
	return d.set(name, PropertyValues{Documents: values})
}

// Property returns the raw values of a property.
func (d *Document) Property(name string) (PropertyValues, bool) {
	v, ok := d.Properties[name]
	return v, ok
}

// Strings returns all string values of the property.
func (d *Document) Strings(name string) []string { return d.Properties[name].Strings }

// Longs returns all long values of the property.
func (d *Document) Longs(name string) []int64 { return d.Properties[name].Longs }

// Doubles returns all double values of the property.
func (d *Document) Doubles(name string) []float64 { return d.Properties[name].Doubles }

// Booleans returns all boolean values of the property.
func (d *Document) Booleans(name string) []bool { return d.Properties[name].Booleans }

// Documents returns all nested documents of the property.
func (d *Document) Documents(name string) []*Document { return d.Properties[name].Documents }

// GetString returns the first string value of the property, or "".
func (d *Document) GetString(name string) string {
	if v := d.Properties[name].Strings; len(v) > 0 {
		return v[0]
	}
	return ""
}

// GetLong returns the first long value of the property, or 0.
func (d *Document) GetLong(name string) int64 {
	if v := d.Properties[name].Longs; len(v) > 0 {
		return v[0]
	}
	return 0
}

// GetDouble returns the first double value of the property, or 0.
func (d *Document) GetDouble(name string) float64 {
	if v := d.Properties[name].Doubles; len(v) > 0 {
		return v[0]
	}
	return 0
}

// GetBoolean returns the first boolean value of the property, or false.
func (d *Document) GetBoolean(name string) bool {
	if v := d.Properties[name].Booleans; len(v) > 0 {
		return v[0]
	}
	return false
}

// PropertyNames returns the property names in sorted order.
func (d *Document) PropertyNames() []string {
	names := make([]string, 0, len(d.Properties))
	for name := range d.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns a deep copy of the document.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	c := *d
	if d.Properties != nil {
		c.Properties = make(map[string]PropertyValues, len(d.Properties))
		for name, v := range d.Properties {
			c.Properties[name] = v.clone()
		}
	}
	return &c
}

// AsMap flattens the document into the shape used by query expressions.
func (d *Document) AsMap() map[string]interface{} {
	props := make(map[string]interface{}, len(d.Properties))
	for name, v := range d.Properties {
		props[name] = v.Values()
	}
	return map[string]interface{}{
		"id":                      d.ID,
		"namespace":               d.Namespace,
		"schemaType":              d.SchemaType,
		"score":                   int64(d.Score),
		"creationTimestampMillis": d.CreationTimestampMillis,
		"ttlMillis":               d.TTLMillis,
		"properties":              props,
	}
}

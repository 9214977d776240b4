package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckDocumentID(t *testing.T) {
	assert.True(t, CheckDocumentID("alarm-1"))
	assert.True(t, CheckDocumentID("with space/and slash"))
	assert.False(t, CheckDocumentID(""))
	assert.False(t, CheckDocumentID("nul\x00byte"))
}

func TestDocument_SettersAndGetters(t *testing.T) {
	doc := NewDocument("ns", "id1", "Alarm").
		SetStrings("label", "wake up", "again").
		SetLongs("scheduledTime", 42).
		SetDoubles("volume", 0.5).
		SetBooleans("enabled", true).
		SetBytes("blob", []byte{1, 2})

	assert.Equal(t, "wake up", doc.GetString("label"))
	assert.Equal(t, []string{"wake up", "again"}, doc.Strings("label"))
	assert.Equal(t, int64(42), doc.GetLong("scheduledTime"))
	assert.Equal(t, 0.5, doc.GetDouble("volume"))
	assert.True(t, doc.GetBoolean("enabled"))
	assert.Equal(t, [][]byte{{1, 2}}, doc.Properties["blob"].Bytes)

	assert.Equal(t, "", doc.GetString("missing"))
	assert.Equal(t, int64(0), doc.GetLong("missing"))
	assert.Equal(t, []string{"blob", "enabled", "label", "scheduledTime", "volume"}, doc.PropertyNames())
	assert.Equal(t, DocumentKey{Namespace: "ns", ID: "id1"}, doc.Key())
}

func TestDocument_Validate(t *testing.T) {
	tests := []struct {
		name    string
		doc     *Document
		wantErr bool
	}{
		{"valid", NewDocument("ns", "id", "Type"), false},
		{"nil", nil, true},
		{"empty id", NewDocument("ns", "", "Type"), true},
		{"empty namespace", NewDocument("", "id", "Type"), true},
		{"empty type", NewDocument("ns", "id", ""), true},
		{"negative score", &Document{Namespace: "ns", ID: "id", SchemaType: "T", Score: -1}, true},
		{"negative ttl", &Document{Namespace: "ns", ID: "id", SchemaType: "T", TTLMillis: -5}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.doc.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDocument_IsExpired(t *testing.T) {
	doc := &Document{CreationTimestampMillis: 1000, TTLMillis: 500}
	assert.False(t, doc.IsExpired(1499))
	assert.True(t, doc.IsExpired(1500))

	forever := &Document{CreationTimestampMillis: 1000}
	assert.False(t, forever.IsExpired(1<<40))
}

func TestDocument_CloneIsDeep(t *testing.T) {
	inner := NewDocument("ns", "inner", "Person").SetStrings("name", "ada")
	doc := NewDocument("ns", "outer", "Message").
		SetDocuments("sender", inner).
		SetBytes("raw", []byte("abc"))

	clone := doc.Clone()
	require.Equal(t, doc, clone)

	clone.Properties["sender"].Documents[0].Properties["name"].Strings[0] = "grace"
	clone.Properties["raw"].Bytes[0][0] = 'z'

	assert.Equal(t, "ada", inner.GetString("name"))
	assert.Equal(t, []byte("abc"), doc.Properties["raw"].Bytes[0])
	assert.Nil(t, (*Document)(nil).Clone())
}

func TestPropertyValues_Kind(t *testing.T) {
	assert.Equal(t, DataTypeString, PropertyValues{Strings: []string{"a"}}.Kind())
	assert.Equal(t, DataTypeDocument, PropertyValues{Documents: []*Document{{}}}.Kind())
	assert.Equal(t, DataType(""), PropertyValues{}.Kind())
	assert.Equal(t, DataType(""), PropertyValues{Strings: []string{"a"}, Longs: []int64{1}}.Kind())
}

func TestDocument_AsMap(t *testing.T) {
	doc := NewDocument("ns", "id", "Alarm").SetStrings("status", "ACTIVE").SetLongs("n", 1, 2)
	doc.Score = 3

	m := doc.AsMap()
	assert.Equal(t, "id", m["id"])
	assert.Equal(t, "Alarm", m["schemaType"])
	assert.Equal(t, int64(3), m["score"])

	props := m["properties"].(map[string]interface{})
	assert.Equal(t, []interface{}{"ACTIVE"}, props["status"])
	assert.Equal(t, []interface{}{int64(1), int64(2)}, props["n"])
}

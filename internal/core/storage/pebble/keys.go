package pebble

import (
	"bytes"
	"fmt"
	"net/url"
)

// Key prefixes for the different record kinds.
const (
	prefixSchema = "schema/"       // Schema: schema/{pkg}/{db} → schemaRecord
	prefixDoc    = "doc/"          // Documents: doc/{pkg}/{db}/{ns}/{id} → docRecord
	prefixType   = "type/"         // Type index: type/{pkg}/{db}/{schemaType}/{ns}/{id} → empty
	keyOptimize  = "meta/optimize" // Optimize bookkeeping
)

var keyOptimizeBytes = []byte(keyOptimize)

// encodePathComponent URL-encodes a path component to avoid '/' conflicts.
func encodePathComponent(s string) string {
	return url.PathEscape(s)
}

// decodePathComponent URL-decodes a path component.
func decodePathComponent(s string) (string, error) {
	return url.PathUnescape(s)
}

func appendComponents(prefix string, parts ...string) []byte {
	n := len(prefix)
	for _, p := range parts {
		n += len(p)*3 + 1
	}
	key := make([]byte, 0, n)
	key = append(key, prefix...)
	for i, p := range parts {
		if i > 0 {
			key = append(key, '/')
		}
		key = append(key, encodePathComponent(p)...)
	}
	return key
}

// schemaKey builds the key of a database schema.
// Format: schema/{pkg}/{db}
func schemaKey(pkg, db string) []byte {
	return appendComponents(prefixSchema, pkg, db)
}

// docKey builds the key of a document.
// Format: doc/{pkg}/{db}/{ns}/{id}
func docKey(pkg, db, namespace, id string) []byte {
	return appendComponents(prefixDoc, pkg, db, namespace, id)
}

// docPrefix builds the prefix for scanning all documents of a database.
// Format: doc/{pkg}/{db}/
func docPrefix(pkg, db string) []byte {
	return append(appendComponents(prefixDoc, pkg, db), '/')
}

// docNamespacePrefix builds the prefix for scanning one namespace.
// Format: doc/{pkg}/{db}/{ns}/
func docNamespacePrefix(pkg, db, namespace string) []byte {
	return append(appendComponents(prefixDoc, pkg, db, namespace), '/')
}

// typeKey builds the type index key of a document.
// Format: type/{pkg}/{db}/{schemaType}/{ns}/{id}
func typeKey(pkg, db, schemaType, namespace, id string) []byte {
	return appendComponents(prefixType, pkg, db, schemaType, namespace, id)
}

// typePrefix builds the prefix for scanning the documents of one schema type.
// Format: type/{pkg}/{db}/{schemaType}/
func typePrefix(pkg, db, schemaType string) []byte {
	return append(appendComponents(prefixType, pkg, db, schemaType), '/')
}

// typeDatabasePrefix builds the prefix of the whole type index of a database.
// Format: type/{pkg}/{db}/
func typeDatabasePrefix(pkg, db string) []byte {
	return append(appendComponents(prefixType, pkg, db), '/')
}

// parseKeySuffix extracts (namespace, id) from a key that ends with
// {ns}/{id} right after prefix.
func parseKeySuffix(key, prefix []byte) (namespace, id string, err error) {
	if !bytes.HasPrefix(key, prefix) {
		return "", "", fmt.Errorf("key %q does not start with %q", key, prefix)
	}
	rest := key[len(prefix):]
	i := bytes.IndexByte(rest, '/')
	if i < 0 {
		return "", "", fmt.Errorf("malformed key %q", key)
	}
	if namespace, err = decodePathComponent(string(rest[:i])); err != nil {
		return "", "", err
	}
	if id, err = decodePathComponent(string(rest[i+1:])); err != nil {
		return "", "", err
	}
	return namespace, id, nil
}

// prefixUpperBound returns the smallest key greater than every key with the prefix.
func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// typeKeyForDocKey builds the type index key matching a document key.
func typeKeyForDocKey(key []byte, schemaType string) ([]byte, error) {
	if !bytes.HasPrefix(key, []byte(prefixDoc)) {
		return nil, fmt.Errorf("key %q is not a document key", key)
	}
	parts := bytes.Split(key[len(prefixDoc):], []byte{'/'})
	if len(parts) != 4 {
		return nil, fmt.Errorf("malformed document key %q", key)
	}
	idx := make([]byte, 0, len(key)+len(schemaType)*3+2)
	idx = append(idx, prefixType...)
	idx = append(idx, parts[0]...)
	idx = append(idx, '/')
	idx = append(idx, parts[1]...)
	idx = append(idx, '/')
	idx = append(idx, encodePathComponent(schemaType)...)
	idx = append(idx, '/')
	idx = append(idx, parts[2]...)
	idx = append(idx, '/')
	idx = append(idx, parts[3]...)
	return idx, nil
}

package model

// ObserverSpec restricts which changes an observer receives.
type ObserverSpec struct {
	// FilterSchemas limits notifications to these schema types; empty means all.
	FilterSchemas []string
}

// Matches reports whether changes of schemaType should be delivered.
func (s ObserverSpec) Matches(schemaType string) bool {
	if len(s.FilterSchemas) == 0 {
		return true
	}
	for _, t := range s.FilterSchemas {
		if t == schemaType {
			return true
		}
	}
	return false
}

// DocumentChangeInfo groups document changes of one schema type in one namespace.
type DocumentChangeInfo struct {
	PackageName  string   `json:"packageName"`
	DatabaseName string   `json:"databaseName"`
	Namespace    string   `json:"namespace"`
	SchemaType   string   `json:"schemaType"`
	ChangedIDs   []string `json:"changedIds"`
}

// SchemaChangeInfo lists schema types changed in one database.
type SchemaChangeInfo struct {
	PackageName    string   `json:"packageName"`
	DatabaseName   string   `json:"databaseName"`
	ChangedSchemas []string `json:"changedSchemas"`
}

// ObserverCallback receives change notifications.
type ObserverCallback interface {
	OnDocumentChanged(info DocumentChangeInfo)
	OnSchemaChanged(info SchemaChangeInfo)
}

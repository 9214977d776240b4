package model

// RankingStrategy selects the signal search results are ordered by.
type RankingStrategy int

const (
	RankingNone RankingStrategy = iota
	RankingDocumentScore
	RankingCreationTimestamp
	RankingUsageCount
	RankingUsageLastUsedTimestamp
)

// Order is the direction of the ranking.
type Order int

const (
	OrderDescending Order = iota
	OrderAscending
)

// ProjectionAll selects every property of a schema type.
const ProjectionAll = "*"

// DefaultResultCountPerPage is used when SearchSpec leaves the page size unset.
const DefaultResultCountPerPage = 10

// SearchSpec restricts and orders a query.
type SearchSpec struct {
	FilterSchemaTypes  []string
	FilterNamespaces   []string
	ResultCountPerPage int `validate:"gte=0,lte=10000"`
	RankingStrategy    RankingStrategy
	Order              Order
	// Projections maps schema type to the property paths to return. The
	// ProjectionAll key applies to every type without its own entry.
	Projections map[string][]string
}

// PageSize returns the effective page size.
func (s SearchSpec) PageSize() int {
	if s.ResultCountPerPage <= 0 {
		return DefaultResultCountPerPage
	}
	return s.ResultCountPerPage
}

// SearchResult is one hit of a query.
type SearchResult struct {
	Document      *Document
	RankingSignal float64
}

// ReportUsageRequest records that a document was used.
type ReportUsageRequest struct {
	Namespace            string `validate:"required"`
	ID                   string `validate:"required"`
	UsageTimestampMillis int64  `validate:"gte=0"`
}

// GetByIDRequest fetches documents by id within one namespace.
type GetByIDRequest struct {
	Namespace   string   `validate:"required"`
	IDs         []string `validate:"dive,required"`
	Projections map[string][]string
}

// RemoveByIDRequest removes documents by id within one namespace.
type RemoveByIDRequest struct {
	Namespace string   `validate:"required"`
	IDs       []string `validate:"dive,required"`
}

// PutDocumentsRequest inserts or replaces documents.
type PutDocumentsRequest struct {
	Documents []*Document `validate:"dive,required"`
}

// StorageInfo describes the space used by one database.
type StorageInfo struct {
	SizeBytes            int64 `json:"sizeBytes"`
	AliveDocumentsCount  int   `json:"aliveDocumentsCount"`
	AliveNamespacesCount int   `json:"aliveNamespacesCount"`
}

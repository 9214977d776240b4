package storage

import (
	"github.com/syntrixbase/appsearch/internal/core/storage/types"
)

type Store = types.Store
type Cursor = types.Cursor
type SetSchemaResult = types.SetSchemaResult

var (
	ErrStoreClosed = types.ErrStoreClosed
)

package pebble

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syntrixbase/appsearch/internal/core/storage/types"
	"github.com/syntrixbase/appsearch/pkg/model"
)

func drain(t *testing.T, c types.Cursor) [][]model.SearchResult {
	t.Helper()
	var pages [][]model.SearchResult
	for {
		page, err := c.NextPage(context.Background())
		require.NoError(t, err)
		if len(page) == 0 {
			return pages
		}
		pages = append(pages, page)
	}
}

func ids(pages [][]model.SearchResult) []string {
	var out []string
	for _, p := range pages {
		for _, r := range p {
			out = append(out, r.Document.ID)
		}
	}
	return out
}

func seedScores(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	setSchema(t, s, 1, emailType(), model.NewSchemaType("Note",
		model.PropertyConfig{Name: "body", DataType: model.DataTypeString, Cardinality: model.CardinalityOptional}))
	for i, score := range []int{3, 1, 4, 1, 5} {
		doc := email("inbox", fmt.Sprintf("e%d", i), fmt.Sprintf("subject %d", i))
		doc.Score = score
		require.NoError(t, s.PutDocument(ctx, testPkg, testDB, doc))
	}
	require.NoError(t, s.PutDocument(ctx, testPkg, testDB, model.NewDocument("notes", "n1", "Note").SetStrings("body", "x")))
}

func TestQuery_UnrankedPaging(t *testing.T) {
	s := newTestStore(t)
	seedScores(t, s)

	c, err := s.Query(context.Background(), testPkg, testDB, "", model.SearchSpec{ResultCountPerPage: 2})
	require.NoError(t, err)
	defer c.Close()

	pages := drain(t, c)
	require.Len(t, pages, 3)
	assert.Len(t, pages[0], 2)
	assert.Len(t, pages[2], 2)
	assert.ElementsMatch(t, []string{"e0", "e1", "e2", "e3", "e4", "n1"}, ids(pages))
}

func TestQuery_Filters(t *testing.T) {
	s := newTestStore(t)
	seedScores(t, s)
	ctx := context.Background()

	tests := []struct {
		name string
		expr string
		spec model.SearchSpec
		want []string
	}{
		{"schema type", "", model.SearchSpec{FilterSchemaTypes: []string{"Note"}}, []string{"n1"}},
		{"namespace", "", model.SearchSpec{FilterNamespaces: []string{"notes"}}, []string{"n1"}},
		{"type and namespace", "", model.SearchSpec{FilterSchemaTypes: []string{"Email"}, FilterNamespaces: []string{"notes"}}, nil},
		{"expression", "doc.score >= 4", model.SearchSpec{}, []string{"e2", "e4"}},
		{"expression on property", `doc.properties.subject[0] == "subject 1"`, model.SearchSpec{}, []string{"e1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := s.Query(ctx, testPkg, testDB, tt.expr, tt.spec)
			require.NoError(t, err)
			defer c.Close()
			assert.ElementsMatch(t, tt.want, ids(drain(t, c)))
		})
	}
}

func TestQuery_Ranked(t *testing.T) {
	s := newTestStore(t)
	seedScores(t, s)
	ctx := context.Background()
	spec := model.SearchSpec{
		FilterSchemaTypes:  []string{"Email"},
		RankingStrategy:    model.RankingDocumentScore,
		ResultCountPerPage: 2,
	}

	c, err := s.Query(ctx, testPkg, testDB, "", spec)
	require.NoError(t, err)
	pages := drain(t, c)
	require.NoError(t, c.Close())
	assert.Equal(t, []string{"e4", "e2", "e0", "e1", "e3"}, ids(pages))
	assert.Equal(t, float64(5), pages[0][0].RankingSignal)

	spec.Order = model.OrderAscending
	c, err = s.Query(ctx, testPkg, testDB, "", spec)
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, []string{"e1", "e3", "e0", "e2", "e4"}, ids(drain(t, c)))
}

func TestQuery_RankedByUsage(t *testing.T) {
	s := newTestStore(t)
	seedScores(t, s)
	ctx := context.Background()
	require.NoError(t, s.ReportUsage(ctx, testPkg, testDB, "inbox", "e3", 10))
	require.NoError(t, s.ReportUsage(ctx, testPkg, testDB, "inbox", "e3", 20))
	require.NoError(t, s.ReportUsage(ctx, testPkg, testDB, "inbox", "e1", 30))

	c, err := s.Query(ctx, testPkg, testDB, "", model.SearchSpec{RankingStrategy: model.RankingUsageCount, ResultCountPerPage: 2})
	require.NoError(t, err)
	defer c.Close()
	page, err := c.NextPage(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"e3", "e1"}, ids([][]model.SearchResult{page}))
}

func TestQuery_SnapshotIsolation(t *testing.T) {
	s := newTestStore(t)
	seedScores(t, s)
	ctx := context.Background()

	c, err := s.Query(ctx, testPkg, testDB, "", model.SearchSpec{FilterSchemaTypes: []string{"Email"}})
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, s.PutDocument(ctx, testPkg, testDB, email("inbox", "late", "new")))
	assert.Len(t, ids(drain(t, c)), 5)
}

func TestQuery_Projection(t *testing.T) {
	s := newTestStore(t)
	seedScores(t, s)
	ctx := context.Background()

	c, err := s.Query(ctx, testPkg, testDB, "", model.SearchSpec{
		Projections: map[string][]string{model.ProjectionAll: {}},
	})
	require.NoError(t, err)
	defer c.Close()
	for _, page := range drain(t, c) {
		for _, r := range page {
			assert.Empty(t, r.Document.Properties)
		}
	}
}

func TestQuery_InvalidExpression(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Query(context.Background(), testPkg, testDB, "doc.score >", model.SearchSpec{})
	assert.True(t, errors.Is(err, model.ErrInvalidArgument))
}

func TestQuery_CloseWithStore(t *testing.T) {
	s := newTestStore(t)
	seedScores(t, s)

	c, err := s.Query(context.Background(), testPkg, testDB, "", model.SearchSpec{})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	page, err := c.NextPage(context.Background())
	assert.NoError(t, err)
	assert.Empty(t, page)
	assert.NoError(t, c.Close())
}

func TestRemoveByQuery(t *testing.T) {
	s := newTestStore(t)
	seedScores(t, s)
	ctx := context.Background()

	n, err := s.RemoveByQuery(ctx, testPkg, testDB, "doc.score == 1", model.SearchSpec{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	c, err := s.Query(ctx, testPkg, testDB, "", model.SearchSpec{FilterSchemaTypes: []string{"Email"}})
	require.NoError(t, err)
	defer c.Close()
	assert.ElementsMatch(t, []string{"e0", "e2", "e4"}, ids(drain(t, c)))

	n, err = s.RemoveByQuery(ctx, testPkg, testDB, "doc.score == 1", model.SearchSpec{})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestProjection_Nested(t *testing.T) {
	inner := model.NewDocument("", "", "Person").SetStrings("name", "Ada").SetStrings("email", "ada@example.com")
	doc := model.NewDocument("ns", "1", "Email").
		SetStrings("subject", "hi").
		SetDocuments("from", inner)

	got := applyProjection(doc, map[string][]string{"Email": {"from.name"}})
	assert.Equal(t, []string{"from"}, got.PropertyNames())
	from := got.Documents("from")
	require.Len(t, from, 1)
	assert.Equal(t, []string{"name"}, from[0].PropertyNames())

	whole := applyProjection(doc, map[string][]string{"Other": {"x"}})
	assert.Same(t, doc, whole)
}

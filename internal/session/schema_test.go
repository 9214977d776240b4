package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syntrixbase/appsearch/internal/executor"
	"github.com/syntrixbase/appsearch/internal/observer"
	"github.com/syntrixbase/appsearch/pkg/model"
)

func alarmV1() model.SchemaType {
	return model.NewSchemaType("Alarm",
		model.PropertyConfig{Name: "scheduledTime", DataType: model.DataTypeLong, Cardinality: model.CardinalityRequired})
}

func alarmV2() model.SchemaType {
	return model.NewSchemaType("Alarm",
		model.PropertyConfig{Name: "scheduledTime", DataType: model.DataTypeLong, Cardinality: model.CardinalityRequired},
		model.PropertyConfig{Name: "status", DataType: model.DataTypeString, Cardinality: model.CardinalityOptional})
}

func alarm(id string, scheduled int64) *model.Document {
	return model.NewDocument("alarms", id, "Alarm").SetLongs("scheduledTime", scheduled)
}

func seedAlarms(t *testing.T, s *Session, docs ...*model.Document) {
	t.Helper()
	get(t, s.SetSchema(model.SetSchemaRequest{Schemas: []model.SchemaType{alarmV1()}, Version: 1}))
	res := get(t, s.Put(model.PutDocumentsRequest{Documents: docs}))
	require.True(t, res.IsSuccess())
}

func getAlarm(t *testing.T, s *Session, id string) (*model.Document, error) {
	t.Helper()
	res := get(t, s.Get(model.GetByIDRequest{Namespace: "alarms", IDs: []string{id}}))
	r, ok := res.Get(id)
	require.True(t, ok)
	return r.Value, r.Err
}

func TestSetSchema_AlarmMigration(t *testing.T) {
	s := newTestSession(t, newTestStore(t), Options{})
	now := time.Now().UnixMilli()
	seedAlarms(t, s,
		alarm("past", now-time.Hour.Milliseconds()),
		alarm("earlier", now-time.Minute.Milliseconds()),
		alarm("future", now+time.Hour.Milliseconds()))

	markMissed := model.MigratorFuncs{
		ShouldMigrateFunc: func(cur, fin int) bool { return cur == 1 && fin == 2 },
		Upgrade: func(_ context.Context, _, _ int, d *model.Document) (*model.Document, error) {
			out := d.Clone()
			if d.GetLong("scheduledTime") < now {
				out.SetStrings("status", "MISSED")
			}
			return out, nil
		},
	}

	resp := get(t, s.SetSchema(model.SetSchemaRequest{
		Schemas:   []model.SchemaType{alarmV2()},
		Migrators: map[string]model.Migrator{"Alarm": markMissed},
		Version:   2,
	}))
	assert.Equal(t, []string{"Alarm"}, resp.MigratedTypes)
	assert.Empty(t, resp.IncompatibleTypes)
	assert.Empty(t, resp.MigrationFailures)

	for _, id := range []string{"past", "earlier"} {
		doc, err := getAlarm(t, s, id)
		require.NoError(t, err)
		assert.Equal(t, "MISSED", doc.GetString("status"), id)
	}
	doc, err := getAlarm(t, s, "future")
	require.NoError(t, err)
	assert.Empty(t, doc.Strings("status"))

	schema := get(t, s.GetSchema())
	assert.Equal(t, 2, schema.Version)
}

func TestSetSchema_NoMigratorsIncompatible(t *testing.T) {
	s := newTestSession(t, newTestStore(t), Options{})
	seedAlarms(t, s, alarm("a1", 1))

	breaking := model.NewSchemaType("Alarm",
		model.PropertyConfig{Name: "scheduledTime", DataType: model.DataTypeString, Cardinality: model.CardinalityRequired})

	_, err := s.SetSchema(model.SetSchemaRequest{Schemas: []model.SchemaType{breaking}, Version: 2}).Get(context.Background())
	require.ErrorIs(t, err, model.ErrSchemaIncompatible)
	assert.Contains(t, err.Error(), "Alarm")
	assert.Equal(t, 1, get(t, s.GetSchema()).Version)

	resp := get(t, s.SetSchema(model.SetSchemaRequest{Schemas: []model.SchemaType{breaking}, Version: 2, ForceOverride: true}))
	assert.Equal(t, []string{"Alarm"}, resp.IncompatibleTypes)
	_, err = getAlarm(t, s, "a1")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestSetSchema_DeletedTypeWithoutMigrator(t *testing.T) {
	s := newTestSession(t, newTestStore(t), Options{})
	seedAlarms(t, s, alarm("a1", 1))

	_, err := s.SetSchema(model.SetSchemaRequest{Schemas: []model.SchemaType{emailSchema()}, Version: 2}).Get(context.Background())
	assert.ErrorIs(t, err, model.ErrSchemaIncompatible)

	// Inactive migrators fall back to the single application.
	idle := model.MigratorFuncs{ShouldMigrateFunc: func(int, int) bool { return false }}
	_, err = s.SetSchema(model.SetSchemaRequest{
		Schemas:   []model.SchemaType{emailSchema()},
		Migrators: map[string]model.Migrator{"Alarm": idle},
		Version:   2,
	}).Get(context.Background())
	assert.ErrorIs(t, err, model.ErrSchemaIncompatible)
}

func TestSetSchema_UncoveredTypeFailsBeforeMigration(t *testing.T) {
	store := newTestStore(t)
	s := newTestSession(t, store, Options{})
	get(t, s.SetSchema(model.SetSchemaRequest{Schemas: []model.SchemaType{alarmV1(), emailSchema()}, Version: 1}))
	get(t, s.Put(model.PutDocumentsRequest{Documents: []*model.Document{alarm("a1", 1), email("e1", "x")}}))

	migrated := false
	m := model.MigratorFuncs{Upgrade: func(_ context.Context, _, _ int, d *model.Document) (*model.Document, error) {
		migrated = true
		return d, nil
	}}
	_, err := s.SetSchema(model.SetSchemaRequest{
		Schemas:   []model.SchemaType{alarmV2()},
		Migrators: map[string]model.Migrator{"Alarm": m},
		Version:   2,
	}).Get(context.Background())
	require.ErrorIs(t, err, model.ErrSchemaIncompatible)
	assert.Contains(t, err.Error(), "Email")
	assert.False(t, migrated)

	calls := store.setSchemaCalls()
	require.Len(t, calls, 2)
	assert.False(t, calls[1].force)
}

func TestSetSchema_IncompatibleTypeMigrated(t *testing.T) {
	store := newTestStore(t)
	s := newTestSession(t, store, Options{})
	seedAlarms(t, s, alarm("a1", 90), alarm("drop", 0))

	minutes := model.NewSchemaType("Alarm",
		model.PropertyConfig{Name: "label", DataType: model.DataTypeString, Cardinality: model.CardinalityRequired})
	m := model.MigratorFuncs{Upgrade: func(_ context.Context, _, _ int, d *model.Document) (*model.Document, error) {
		if d.ID == "drop" {
			return nil, nil
		}
		out := model.NewDocument(d.Namespace, d.ID, "Alarm")
		out.SetStrings("label", "at 90")
		return out, nil
	}}

	resp := get(t, s.SetSchema(model.SetSchemaRequest{
		Schemas:   []model.SchemaType{minutes},
		Migrators: map[string]model.Migrator{"Alarm": m},
		Version:   2,
	}))
	assert.Equal(t, []string{"Alarm"}, resp.MigratedTypes)
	assert.Empty(t, resp.IncompatibleTypes)
	assert.Empty(t, resp.MigrationFailures)

	calls := store.setSchemaCalls()
	require.Len(t, calls, 3)
	assert.False(t, calls[1].force)
	assert.True(t, calls[2].force)

	doc, err := getAlarm(t, s, "a1")
	require.NoError(t, err)
	assert.Equal(t, "at 90", doc.GetString("label"))
	_, err = getAlarm(t, s, "drop")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestSetSchema_Downgrade(t *testing.T) {
	s := newTestSession(t, newTestStore(t), Options{})
	get(t, s.SetSchema(model.SetSchemaRequest{Schemas: []model.SchemaType{alarmV2()}, Version: 3}))
	get(t, s.Put(model.PutDocumentsRequest{Documents: []*model.Document{alarm("a1", 1).SetStrings("status", "MISSED")}}))

	m := model.MigratorFuncs{Downgrade: func(_ context.Context, cur, fin int, d *model.Document) (*model.Document, error) {
		assert.Equal(t, 3, cur)
		assert.Equal(t, 1, fin)
		return alarm(d.ID, d.GetLong("scheduledTime")), nil
	}}
	resp := get(t, s.SetSchema(model.SetSchemaRequest{
		Schemas:   []model.SchemaType{alarmV1()},
		Migrators: map[string]model.Migrator{"Alarm": m},
		Version:   1,
	}))
	assert.Equal(t, []string{"Alarm"}, resp.MigratedTypes)

	doc, err := getAlarm(t, s, "a1")
	require.NoError(t, err)
	assert.Empty(t, doc.Strings("status"))
}

func TestSetSchema_MigrationFailuresAreReported(t *testing.T) {
	s := newTestSession(t, newTestStore(t), Options{})
	seedAlarms(t, s, alarm("ok", 1), alarm("boom", 2))

	m := model.MigratorFuncs{Upgrade: func(_ context.Context, _, _ int, d *model.Document) (*model.Document, error) {
		if d.ID == "boom" {
			panic("migrator bug")
		}
		return d, nil
	}}
	resp := get(t, s.SetSchema(model.SetSchemaRequest{
		Schemas:   []model.SchemaType{alarmV2()},
		Migrators: map[string]model.Migrator{"Alarm": m},
		Version:   2,
	}))
	require.Len(t, resp.MigrationFailures, 1)
	assert.Equal(t, "boom", resp.MigrationFailures[0].ID)
	assert.Equal(t, model.ResultInternalError, model.CodeOf(resp.MigrationFailures[0].Err))
}

func TestSetSchema_QueryFailureAbortsBeforeFinalApply(t *testing.T) {
	store := newTestStore(t)
	s := newTestSession(t, store, Options{})
	seedAlarms(t, s, alarm("a1", 1))
	store.queryErr = model.ErrIO

	breaking := model.NewSchemaType("Alarm",
		model.PropertyConfig{Name: "label", DataType: model.DataTypeString, Cardinality: model.CardinalityRequired})
	_, err := s.SetSchema(model.SetSchemaRequest{
		Schemas:   []model.SchemaType{breaking},
		Migrators: map[string]model.Migrator{"Alarm": model.MigratorFuncs{}},
		Version:   2,
	}).Get(context.Background())
	require.ErrorIs(t, err, model.ErrIO)

	for _, c := range store.setSchemaCalls() {
		assert.False(t, c.force)
	}
	assert.Equal(t, 1, get(t, s.GetSchema()).Version)
	_, err = getAlarm(t, s, "a1")
	assert.NoError(t, err)
}

func TestSetSchema_ConcurrentCallsRunInSubmissionOrder(t *testing.T) {
	store := newTestStore(t)
	s := newTestSession(t, store, Options{})

	var mu sync.Mutex
	var order []int
	slow := model.MigratorFuncs{
		ShouldMigrateFunc: func(int, int) bool { return true },
		Upgrade: func(_ context.Context, _, fin int, d *model.Document) (*model.Document, error) {
			time.Sleep(20 * time.Millisecond)
			mu.Lock()
			order = append(order, fin)
			mu.Unlock()
			return d, nil
		},
	}
	seedAlarms(t, s, alarm("a1", 1))

	first := s.SetSchema(model.SetSchemaRequest{
		Schemas:   []model.SchemaType{alarmV2()},
		Migrators: map[string]model.Migrator{"Alarm": slow},
		Version:   2,
	})
	second := s.SetSchema(model.SetSchemaRequest{
		Schemas:   []model.SchemaType{alarmV2()},
		Migrators: map[string]model.Migrator{"Alarm": slow},
		Version:   3,
	})

	get(t, second)
	select {
	case <-first.Done():
	default:
		t.Fatal("second setSchema completed before the first")
	}
	get(t, first)

	assert.Equal(t, []int{2, 3}, order)
	var versions []int
	for _, c := range store.setSchemaCalls() {
		versions = append(versions, c.version)
	}
	assert.Equal(t, []int{1, 2, 3}, versions)
	assert.Equal(t, 3, get(t, s.GetSchema()).Version)
}

type schemaRecorder struct {
	mu      sync.Mutex
	changes []model.SchemaChangeInfo
}

func (r *schemaRecorder) OnDocumentChanged(model.DocumentChangeInfo) {}

func (r *schemaRecorder) OnSchemaChanged(info model.SchemaChangeInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, info)
}

func TestSetSchema_NotifiesSchemaChanges(t *testing.T) {
	dispatch := executor.NewSequential("dispatch", nil)
	mgr := observer.NewManager(observer.Options{Executor: dispatch})
	rec := &schemaRecorder{}
	_, err := mgr.RegisterObserver(testPkg, model.ObserverSpec{}, rec)
	require.NoError(t, err)

	s := newTestSession(t, newTestStore(t), Options{Observers: mgr})
	get(t, s.SetSchema(model.SetSchemaRequest{Schemas: []model.SchemaType{alarmV1(), emailSchema()}, Version: 1}))
	// Identical Email, redefined Alarm.
	get(t, s.SetSchema(model.SetSchemaRequest{Schemas: []model.SchemaType{alarmV2(), emailSchema()}, Version: 1}))
	dispatch.Stop()

	require.Len(t, rec.changes, 2)
	assert.Equal(t, []string{"Alarm", "Email"}, rec.changes[0].ChangedSchemas)
	assert.Equal(t, []string{"Alarm"}, rec.changes[1].ChangedSchemas)
}

func TestChangedTypes(t *testing.T) {
	prev := []model.SchemaType{alarmV1(), emailSchema()}
	next := []model.SchemaType{alarmV2(), model.NewSchemaType("Gift")}
	assert.Equal(t, []string{"Alarm", "Email", "Gift"}, changedTypes(prev, next))
	assert.Empty(t, changedTypes(prev, prev))
}

func TestSetSchema_NotifiesMigratedDocuments(t *testing.T) {
	dispatch := executor.NewSequential("dispatch", nil)
	mgr := observer.NewManager(observer.Options{Executor: dispatch})
	s := newTestSession(t, newTestStore(t), Options{Observers: mgr})
	seedAlarms(t, s, alarm("a1", 1), alarm("a2", 2), alarm("drop", 3))

	rec := &changeRecorder{}
	_, err := mgr.RegisterObserver(testPkg, model.ObserverSpec{}, rec)
	require.NoError(t, err)

	rekey := model.MigratorFuncs{Upgrade: func(_ context.Context, _, _ int, d *model.Document) (*model.Document, error) {
		switch d.ID {
		case "drop":
			return nil, nil
		case "a2":
			d.ID = "a2-moved"
		}
		return d.SetStrings("status", "MIGRATED"), nil
	}}
	get(t, s.SetSchema(model.SetSchemaRequest{
		Schemas:   []model.SchemaType{alarmV2()},
		Migrators: map[string]model.Migrator{"Alarm": rekey},
		Version:   2,
	}))
	dispatch.Stop()

	changes := rec.changes()
	require.Len(t, changes, 1)
	assert.Equal(t, "alarms", changes[0].Namespace)
	assert.Equal(t, "Alarm", changes[0].SchemaType)
	assert.Equal(t, []string{"a1", "a2", "a2-moved", "drop"}, changes[0].ChangedIDs)

	_, err = getAlarm(t, s, "a2")
	assert.ErrorIs(t, err, model.ErrNotFound)
	doc, err := getAlarm(t, s, "a2-moved")
	require.NoError(t, err)
	assert.Equal(t, "MIGRATED", doc.GetString("status"))
}

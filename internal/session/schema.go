package session

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/syntrixbase/appsearch/internal/core/storage/types"
	"github.com/syntrixbase/appsearch/internal/migration"
	"github.com/syntrixbase/appsearch/pkg/model"
)

// setSchema runs on the writer. Documents of migrated types are read while
// the old schema is installed and written back only after the new schema is
// committed. A failure before the final apply leaves at most the trial
// application persisted, which a retry repeats harmlessly.
func (s *Session) setSchema(ctx context.Context, req model.SetSchemaRequest) (*model.SetSchemaResponse, error) {
	current, err := s.store.GetSchema(ctx, s.pkg, s.db)
	if err != nil {
		return nil, fmt.Errorf("failed to read current schema: %w", err)
	}

	active := activeMigrators(current, req.Migrators, req.Version)
	if len(active) == 0 {
		return s.setSchemaNoMigrations(ctx, req, current)
	}

	trial, err := s.store.SetSchema(ctx, s.pkg, s.db, req.Schemas, req.Visibility(), false, req.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	if !req.ForceOverride {
		if err := checkMigrationCoverage(trial, active); err != nil {
			return nil, err
		}
	}

	helper, err := migration.NewHelper(s.store, s.pkg, s.db, s.migrationOpts)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := helper.Close(); err != nil {
			s.logger.Warn("Failed to release migration buffer", "error", err)
		}
	}()

	migratedTypes := sortedNames(active)
	for _, schemaType := range migratedTypes {
		if err := helper.QueryAndTransform(ctx, schemaType, active[schemaType], current.Version, req.Version); err != nil {
			return nil, fmt.Errorf("failed to migrate %q: %w", schemaType, err)
		}
	}

	result := trial
	if trial.HasChanges() {
		result, err = s.store.SetSchema(ctx, s.pkg, s.db, req.Schemas, req.Visibility(), true, req.Version)
		if err != nil {
			return nil, fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	s.mutated.Store(true)

	builder := model.NewSetSchemaResponseBuilder().
		AddDeletedTypes(result.DeletedTypes...).
		AddIncompatibleTypes(excluding(result.IncompatibleTypes, active)...).
		AddMigratedTypes(migratedTypes...)
	resp, err := helper.ReadAndPutDocuments(ctx, builder)
	if err != nil {
		return nil, fmt.Errorf("failed to write migrated documents: %w", err)
	}

	s.logger.Info("Schema migrated",
		"from_version", current.Version, "to_version", req.Version,
		"migrated_types", resp.MigratedTypes, "failures", len(resp.MigrationFailures))
	if s.tracked() {
		for _, c := range helper.Changes() {
			s.observers.OnDocumentChange(s.pkg, s.db, c.Namespace, c.SchemaType, c.ID)
		}
	}
	s.notifySchemaChanges(current, req.Schemas)
	return resp, nil
}

// setSchemaNoMigrations applies the schema once, honoring the caller's
// force flag.
func (s *Session) setSchemaNoMigrations(ctx context.Context, req model.SetSchemaRequest, current *model.GetSchemaResponse) (*model.SetSchemaResponse, error) {
	result, err := s.store.SetSchema(ctx, s.pkg, s.db, req.Schemas, req.Visibility(), req.ForceOverride, req.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	if !req.ForceOverride && result.HasChanges() {
		return nil, incompatibleError(result.DeletedTypes, result.IncompatibleTypes)
	}
	s.mutated.Store(true)
	s.notifySchemaChanges(current, req.Schemas)

	return model.NewSetSchemaResponseBuilder().
		AddDeletedTypes(result.DeletedTypes...).
		AddIncompatibleTypes(result.IncompatibleTypes...).
		Build(), nil
}

// activeMigrators selects the migrators bound to a type of the current
// schema that accept the version change.
func activeMigrators(current *model.GetSchemaResponse, migrators map[string]model.Migrator, finalVersion int) map[string]model.Migrator {
	active := make(map[string]model.Migrator)
	for schemaType, m := range migrators {
		if m == nil {
			continue
		}
		if _, ok := current.Schema(schemaType); !ok {
			continue
		}
		if m.ShouldMigrate(current.Version, finalVersion) {
			active[schemaType] = m
		}
	}
	return active
}

// checkMigrationCoverage fails unless every deleted or incompatible type
// has an active migrator.
func checkMigrationCoverage(trial *types.SetSchemaResult, active map[string]model.Migrator) error {
	deleted := excluding(trial.DeletedTypes, active)
	incompatible := excluding(trial.IncompatibleTypes, active)
	if len(deleted) == 0 && len(incompatible) == 0 {
		return nil
	}
	return incompatibleError(deleted, incompatible)
}

func incompatibleError(deleted, incompatible []string) error {
	var parts []string
	if len(deleted) > 0 {
		parts = append(parts, "deleted types: "+strings.Join(deleted, ", "))
	}
	if len(incompatible) > 0 {
		parts = append(parts, "incompatible types: "+strings.Join(incompatible, ", "))
	}
	return &model.Error{
		Code:    model.ResultSchemaIncompatible,
		Message: "schema is incompatible without force override (" + strings.Join(parts, "; ") + ")",
	}
}

func excluding(names []string, set map[string]model.Migrator) []string {
	var out []string
	for _, n := range names {
		if _, ok := set[n]; !ok {
			out = append(out, n)
		}
	}
	return out
}

func sortedNames(m map[string]model.Migrator) []string {
	out := make([]string, 0, len(m))
	for name := range m {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// notifySchemaChanges queues a change for every added, removed or
// redefined type and dispatches everything pending.
func (s *Session) notifySchemaChanges(current *model.GetSchemaResponse, next []model.SchemaType) {
	if s.observers == nil {
		return
	}
	for _, name := range changedTypes(current.Schemas, next) {
		s.observers.OnSchemaChange(s.pkg, s.db, name)
	}
	s.dispatch()
}

func changedTypes(prev, next []model.SchemaType) []string {
	before := make(map[string]model.SchemaType, len(prev))
	for _, t := range prev {
		before[t.Name] = t
	}
	var changed []string
	for _, t := range next {
		old, ok := before[t.Name]
		delete(before, t.Name)
		if !ok || !sameDefinition(old, t) {
			changed = append(changed, t.Name)
		}
	}
	for name := range before {
		changed = append(changed, name)
	}
	sort.Strings(changed)
	return changed
}

func sameDefinition(a, b model.SchemaType) bool {
	if len(a.Properties) != len(b.Properties) {
		return false
	}
	for _, p := range a.Properties {
		q, ok := b.Property(p.Name)
		if !ok || p != q {
			return false
		}
	}
	return true
}

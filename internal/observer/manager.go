// Package observer queues document and schema changes per registered
// observer and delivers them in batches, optionally mirroring every change
// to an external change feed.
package observer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/syntrixbase/appsearch/internal/core/pubsub"
	"github.com/syntrixbase/appsearch/internal/executor"
	"github.com/syntrixbase/appsearch/internal/metrics"
	"github.com/syntrixbase/appsearch/pkg/model"
)

const (
	kindDocument = "document"
	kindSchema   = "schema"
)

var (
	// ErrObserverNotFound is returned when unregistering an unknown observer
	ErrObserverNotFound = errors.New("observer not found")
)

// Options configures a Manager.
type Options struct {
	// Publisher receives every dispatched change as JSON; nil disables the feed.
	Publisher pubsub.Publisher

	// Executor runs observer callbacks. Nil starts a dedicated sequential worker.
	Executor executor.Executor

	Logger  *slog.Logger
	Metrics metrics.Metrics
}

type documentGroup struct {
	pkg, db, namespace, schemaType string
}

type databaseKey struct {
	pkg, db string
}

// pendingChanges accumulates changes between two dispatches.
type pendingChanges struct {
	documents map[documentGroup]map[string]struct{}
	schemas   map[databaseKey]map[string]struct{}
}

func newPendingChanges() *pendingChanges {
	return &pendingChanges{
		documents: make(map[documentGroup]map[string]struct{}),
		schemas:   make(map[databaseKey]map[string]struct{}),
	}
}

func (p *pendingChanges) empty() bool {
	return len(p.documents) == 0 && len(p.schemas) == 0
}

func (p *pendingChanges) addDocument(g documentGroup, id string) {
	ids, ok := p.documents[g]
	if !ok {
		ids = make(map[string]struct{})
		p.documents[g] = ids
	}
	ids[id] = struct{}{}
}

func (p *pendingChanges) addSchema(k databaseKey, schemaType string) {
	types, ok := p.schemas[k]
	if !ok {
		types = make(map[string]struct{})
		p.schemas[k] = types
	}
	types[schemaType] = struct{}{}
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func (p *pendingChanges) documentInfos() []model.DocumentChangeInfo {
	infos := make([]model.DocumentChangeInfo, 0, len(p.documents))
	for g, ids := range p.documents {
		infos = append(infos, model.DocumentChangeInfo{
			PackageName:  g.pkg,
			DatabaseName: g.db,
			Namespace:    g.namespace,
			SchemaType:   g.schemaType,
			ChangedIDs:   sortedSet(ids),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		a, b := infos[i], infos[j]
		if a.PackageName != b.PackageName {
			return a.PackageName < b.PackageName
		}
		if a.DatabaseName != b.DatabaseName {
			return a.DatabaseName < b.DatabaseName
		}
		if a.Namespace != b.Namespace {
			return a.Namespace < b.Namespace
		}
		return a.SchemaType < b.SchemaType
	})
	return infos
}

func (p *pendingChanges) schemaInfos() []model.SchemaChangeInfo {
	infos := make([]model.SchemaChangeInfo, 0, len(p.schemas))
	for k, types := range p.schemas {
		infos = append(infos, model.SchemaChangeInfo{
			PackageName:    k.pkg,
			DatabaseName:   k.db,
			ChangedSchemas: sortedSet(types),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].PackageName != infos[j].PackageName {
			return infos[i].PackageName < infos[j].PackageName
		}
		return infos[i].DatabaseName < infos[j].DatabaseName
	})
	return infos
}

type observerInfo struct {
	id       string
	spec     model.ObserverSpec
	callback model.ObserverCallback
	pending  *pendingChanges
}

// Manager tracks observers per observed package. It is safe for concurrent
// use by every session of a store.
type Manager struct {
	logger    *slog.Logger
	metrics   metrics.Metrics
	publisher pubsub.Publisher
	exec      executor.Executor
	ownExec   *executor.Sequential

	mu        sync.Mutex
	observers map[string][]*observerInfo
	feed      *pendingChanges
}

// NewManager creates a manager.
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "observer-manager")

	m := opts.Metrics
	if m == nil {
		m = &metrics.NoopMetrics{}
	}

	mgr := &Manager{
		logger:    logger,
		metrics:   m,
		publisher: opts.Publisher,
		exec:      opts.Executor,
		observers: make(map[string][]*observerInfo),
	}
	if mgr.exec == nil {
		mgr.ownExec = executor.NewSequential("observer-dispatch", logger)
		mgr.exec = mgr.ownExec
	}
	if mgr.publisher != nil {
		mgr.feed = newPendingChanges()
	}
	return mgr
}

// RegisterObserver adds an observer for changes made to the databases of
// observedPackage and returns its id.
func (m *Manager) RegisterObserver(observedPackage string, spec model.ObserverSpec, callback model.ObserverCallback) (string, error) {
	if observedPackage == "" {
		return "", model.NewError(model.ResultInvalidArgument, "observed package cannot be empty")
	}
	if callback == nil {
		return "", model.NewError(model.ResultInvalidArgument, "observer callback cannot be nil")
	}

	info := &observerInfo{
		id:       uuid.NewString(),
		spec:     spec,
		callback: callback,
		pending:  newPendingChanges(),
	}

	m.mu.Lock()
	m.observers[observedPackage] = append(m.observers[observedPackage], info)
	m.mu.Unlock()

	m.logger.Debug("Observer registered", "package", observedPackage, "observer_id", info.id, "filter", spec.FilterSchemas)
	return info.id, nil
}

// UnregisterObserver removes an observer. Its undelivered changes are dropped.
func (m *Manager) UnregisterObserver(observedPackage, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := m.observers[observedPackage]
	for i, info := range infos {
		if info.id != id {
			continue
		}
		infos = append(infos[:i:i], infos[i+1:]...)
		if len(infos) == 0 {
			delete(m.observers, observedPackage)
		} else {
			m.observers[observedPackage] = infos
		}
		m.logger.Debug("Observer unregistered", "package", observedPackage, "observer_id", id)
		return nil
	}
	return fmt.Errorf("%w: %s", ErrObserverNotFound, id)
}

// IsPackageObserved reports whether any observer watches pkg.
func (m *Manager) IsPackageObserved(pkg string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.observers[pkg]) > 0
}

// Tracks reports whether changes of pkg are recorded, by an observer or by
// the change feed.
func (m *Manager) Tracks(pkg string) bool {
	if m.publisher != nil {
		return true
	}
	return m.IsPackageObserved(pkg)
}

// IsSchemaTypeObserved reports whether any observer of pkg accepts schemaType.
func (m *Manager) IsSchemaTypeObserved(pkg, schemaType string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, info := range m.observers[pkg] {
		if info.spec.Matches(schemaType) {
			return true
		}
	}
	return false
}

// OnDocumentChange queues a change of one document for the next dispatch.
func (m *Manager) OnDocumentChange(pkg, db, namespace, schemaType, id string) {
	g := documentGroup{pkg: pkg, db: db, namespace: namespace, schemaType: schemaType}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, info := range m.observers[pkg] {
		if info.spec.Matches(schemaType) {
			info.pending.addDocument(g, id)
		}
	}
	if m.feed != nil {
		m.feed.addDocument(g, id)
	}
}

// OnSchemaChange queues a change of one schema type for the next dispatch.
func (m *Manager) OnSchemaChange(pkg, db, schemaType string) {
	k := databaseKey{pkg: pkg, db: db}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, info := range m.observers[pkg] {
		if info.spec.Matches(schemaType) {
			info.pending.addSchema(k, schemaType)
		}
	}
	if m.feed != nil {
		m.feed.addSchema(k, schemaType)
	}
}

// HasNotifications reports whether changes are waiting for dispatch.
func (m *Manager) HasNotifications() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.feed != nil && !m.feed.empty() {
		return true
	}
	for _, infos := range m.observers {
		for _, info := range infos {
			if !info.pending.empty() {
				return true
			}
		}
	}
	return false
}

// DispatchPending hands the queued changes of every observer to the
// callback executor and publishes them to the change feed. Callbacks run
// asynchronously; feed publishing happens before DispatchPending returns.
func (m *Manager) DispatchPending(ctx context.Context) {
	type delivery struct {
		info    *observerInfo
		pending *pendingChanges
	}

	m.mu.Lock()
	var deliveries []delivery
	for _, infos := range m.observers {
		for _, info := range infos {
			if info.pending.empty() {
				continue
			}
			deliveries = append(deliveries, delivery{info: info, pending: info.pending})
			info.pending = newPendingChanges()
		}
	}
	var feed *pendingChanges
	if m.feed != nil && !m.feed.empty() {
		feed = m.feed
		m.feed = newPendingChanges()
	}
	m.mu.Unlock()

	for _, d := range deliveries {
		if err := m.exec.Execute(func() { m.deliver(d.info, d.pending) }); err != nil {
			m.logger.Warn("Failed to schedule observer dispatch", "observer_id", d.info.id, "error", err)
		}
	}
	if feed != nil {
		m.publish(ctx, feed)
	}
}

func (m *Manager) deliver(info *observerInfo, pending *pendingChanges) {
	docs := pending.documentInfos()
	for _, change := range docs {
		m.safeCall(info.id, func() { info.callback.OnDocumentChanged(change) })
	}
	schemas := pending.schemaInfos()
	for _, change := range schemas {
		m.safeCall(info.id, func() { info.callback.OnSchemaChanged(change) })
	}
	m.metrics.IncNotifications(kindDocument, len(docs))
	m.metrics.IncNotifications(kindSchema, len(schemas))
}

func (m *Manager) safeCall(id string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("Observer callback panicked during dispatch", "observer_id", id, "panic", r)
		}
	}()
	fn()
}

// DocumentSubject is the change feed subject for document changes of a database.
func DocumentSubject(pkg, db string) string {
	return pubsub.Subject(pkg, db, "documents")
}

// SchemaSubject is the change feed subject for schema changes of a database.
func SchemaSubject(pkg, db string) string {
	return pubsub.Subject(pkg, db, "schema")
}

func (m *Manager) publish(ctx context.Context, feed *pendingChanges) {
	for _, change := range feed.documentInfos() {
		m.publishJSON(ctx, kindDocument, DocumentSubject(change.PackageName, change.DatabaseName), change)
	}
	for _, change := range feed.schemaInfos() {
		m.publishJSON(ctx, kindSchema, SchemaSubject(change.PackageName, change.DatabaseName), change)
	}
}

func (m *Manager) publishJSON(ctx context.Context, kind, subject string, v interface{}) {
	data, err := json.Marshal(v)
	if err == nil {
		err = m.publisher.Publish(ctx, subject, data)
	}
	if err != nil {
		m.metrics.IncPublishFailure(kind)
		m.logger.Warn("Failed to publish change", "subject", subject, "error", err)
	}
}

// Close stops the dispatch worker after delivering what was already
// scheduled. The publisher is owned by the caller.
func (m *Manager) Close() {
	if m.ownExec != nil {
		m.ownExec.Stop()
	}
}

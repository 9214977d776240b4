// Package query compiles and evaluates document filter expressions.
//
// Expressions are CEL boolean expressions over a single variable "doc":
//
//	doc.schemaType == "Email" && doc.score > 3
//	"urgent" in doc.properties.labels
//	has(doc.properties.subject) && doc.properties.subject[0].startsWith("Re:")
//
// An empty expression matches every document.
package query

import (
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/syntrixbase/appsearch/pkg/model"
)

const defaultCacheSize = 256

// Matcher evaluates filter expressions against documents. It is safe for
// concurrent use.
type Matcher struct {
	env        *cel.Env
	prgCache   map[string]cel.Program
	cacheSize  int
	cacheMutex sync.RWMutex
}

// Predicate is a compiled filter.
type Predicate func(doc *model.Document) (bool, error)

// NewMatcher creates a matcher with a bounded program cache.
func NewMatcher() (*Matcher, error) {
	env, err := cel.NewEnv(
		cel.Variable("doc", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, err
	}
	return &Matcher{
		env:       env,
		prgCache:  make(map[string]cel.Program),
		cacheSize: defaultCacheSize,
	}, nil
}

var (
	defaultOnce    sync.Once
	defaultMatcher *Matcher
	defaultErr     error
)

// Default returns the process-wide matcher.
func Default() (*Matcher, error) {
	defaultOnce.Do(func() {
		defaultMatcher, defaultErr = NewMatcher()
	})
	return defaultMatcher, defaultErr
}

// Compile checks the expression and returns its predicate. Malformed
// expressions fail with model.ErrInvalidArgument.
func (m *Matcher) Compile(expr string) (Predicate, error) {
	if expr == "" {
		return func(*model.Document) (bool, error) { return true, nil }, nil
	}
	prg, err := m.getProgram(expr)
	if err != nil {
		return nil, err
	}
	return func(doc *model.Document) (bool, error) {
		return eval(prg, doc)
	}, nil
}

// Match compiles expr (cached) and evaluates it against doc.
func (m *Matcher) Match(expr string, doc *model.Document) (bool, error) {
	pred, err := m.Compile(expr)
	if err != nil {
		return false, err
	}
	return pred(doc)
}

func eval(prg cel.Program, doc *model.Document) (bool, error) {
	out, _, err := prg.Eval(map[string]interface{}{"doc": doc.AsMap()})
	if err != nil {
		// Missing properties and type mismatches on one document do not
		// fail the whole query.
		return false, nil
	}
	match, ok := out.Value().(bool)
	if !ok {
		return false, model.NewError(model.ResultInvalidArgument, "query must return boolean, got %T", out.Value())
	}
	return match, nil
}

func (m *Matcher) getProgram(expr string) (cel.Program, error) {
	m.cacheMutex.RLock()
	prg, ok := m.prgCache[expr]
	m.cacheMutex.RUnlock()
	if ok {
		return prg, nil
	}

	m.cacheMutex.Lock()
	defer m.cacheMutex.Unlock()

	// Double check
	if prg, ok := m.prgCache[expr]; ok {
		return prg, nil
	}

	ast, issues := m.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, &model.Error{Code: model.ResultInvalidArgument, Message: "invalid query", Err: issues.Err()}
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, model.NewError(model.ResultInvalidArgument, "query must return boolean, got %s", out)
	}

	prg, err := m.env.Program(ast)
	if err != nil {
		return nil, &model.Error{Code: model.ResultInvalidArgument, Message: "invalid query", Err: err}
	}

	if len(m.prgCache) >= m.cacheSize {
		// Reset when full.
		m.prgCache = make(map[string]cel.Program)
	}
	m.prgCache[expr] = prg
	return prg, nil
}

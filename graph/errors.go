package graph

import (
	"errors"
	"fmt"
)

// ConstructionError is implemented by every error the graph can return
// while it is being built. Construction errors are fatal: callers must
// not provision anything from a graph whose construction failed.
type ConstructionError interface {
	error
	constructionError()
}

// AsConstructionError reports whether err (or anything it wraps) is a
// graph construction error.
func AsConstructionError(err error) (ConstructionError, bool) {
	var ce ConstructionError
	ok := errors.As(err, &ce)
	return ce, ok
}

// CycleError reports an edge that would close a dependency cycle.
// The graph is left unchanged when this is returned.
type CycleError struct {
	From NodeID
	To   NodeID
	Path []NodeID // existing dependency path from To back to From
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("edge %s -> %s would create a cycle (existing path %v)", e.From, e.To, e.Path)
}

func (e *CycleError) constructionError() {}

// DanglingReferenceError reports an edge whose endpoint is not a node
// in the graph.
type DanglingReferenceError struct {
	From     NodeID
	To       NodeID
	Missing  NodeID
	Relation Relation
}

func (e *DanglingReferenceError) Error() string {
	return fmt.Sprintf("edge %s -[%s]-> %s references unknown node %q", e.From, e.Relation, e.To, e.Missing)
}

func (e *DanglingReferenceError) constructionError() {}

// DuplicateNodeError reports an AddNode call reusing an existing ID.
type DuplicateNodeError struct {
	ID NodeID
}

func (e *DuplicateNodeError) Error() string {
	return fmt.Sprintf("node %q already exists", e.ID)
}

func (e *DuplicateNodeError) constructionError() {}

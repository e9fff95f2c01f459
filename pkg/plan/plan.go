// Package plan holds the query plan model exchanged between a Planner and the pipeline that
// executes it.
package plan

import (
	"context"
	"net/http"
	"strings"

	"github.com/d3rp3tt3/router/pkg/value"
)

type OperationType string

const (
	OperationTypeQuery        OperationType = "query"
	OperationTypeMutation     OperationType = "mutation"
	OperationTypeSubscription OperationType = "subscription"
)

// Request is what the planner sees of a client operation.
type Request struct {
	Query         string
	OperationName string
	Variables     *value.Object
}

type Planner interface {
	Plan(ctx context.Context, req Request) (*Plan, error)
}

type PlannerFunc func(ctx context.Context, req Request) (*Plan, error)

func (f PlannerFunc) Plan(ctx context.Context, req Request) (*Plan, error) {
	return f(ctx, req)
}

type Plan struct {
	OperationType OperationType
	OperationName string
	Root          Node
}

// Node is one of *SequenceNode, *ParallelNode or *FetchNode.
type Node interface {
	node()
}

// SequenceNode runs its children one after another. Data merged by a child is visible to the
// requirements of the following children.
type SequenceNode struct {
	Nodes []Node
}

// ParallelNode runs its children concurrently. Children must not depend on each other's data.
type ParallelNode struct {
	Nodes []Node
}

// FetchNode is one call to one subgraph.
type FetchNode struct {
	SubgraphName  string
	Operation     string
	OperationName string
	// VariableUsages lists the client variables forwarded to the subgraph.
	VariableUsages []string
	// Requires lists variables taken from data produced by earlier nodes.
	Requires []Requirement
	// MergePath is where the subgraph's data is merged into the response data. Empty means root.
	MergePath []string
}

type Requirement struct {
	Variable string
	Path     []string
}

func (*SequenceNode) node() {}
func (*ParallelNode) node() {}
func (*FetchNode) node()    {}

func Sequence(nodes ...Node) *SequenceNode {
	return &SequenceNode{Nodes: nodes}
}

func Parallel(nodes ...Node) *ParallelNode {
	return &ParallelNode{Nodes: nodes}
}

// Fetches returns the fetch nodes of n in depth-first order, which is the merge order.
func Fetches(n Node) []*FetchNode {
	var out []*FetchNode
	var walk func(Node)
	walk = func(n Node) {
		switch t := n.(type) {
		case *FetchNode:
			out = append(out, t)
		case *SequenceNode:
			for _, child := range t.Nodes {
				walk(child)
			}
		case *ParallelNode:
			for _, child := range t.Nodes {
				walk(child)
			}
		}
	}
	walk(n)
	return out
}

// Error is a planning failure that is reported to the client.
type Error struct {
	Message    string
	Code       string
	StatusCode int
	// Headers are added to the response that reports the error.
	Headers map[string]string
}

const (
	CodeParseFailed      = "GRAPHQL_PARSE_FAILED"
	CodeValidationFailed = "GRAPHQL_VALIDATION_FAILED"
	CodeUnknownOperation = "GRAPHQL_UNKNOWN_OPERATION_NAME"
)

func (e *Error) Error() string {
	return e.Message
}

// HTTPStatus defaults to 400.
func (e *Error) HTTPStatus() int {
	if e.StatusCode == 0 {
		return http.StatusBadRequest
	}
	return e.StatusCode
}

// String renders the plan tree for logs and test failures.
func (p *Plan) String() string {
	if p == nil || p.Root == nil {
		return "<empty plan>"
	}
	var sb strings.Builder
	writeNode(&sb, p.Root, 0)
	return sb.String()
}

func writeNode(sb *strings.Builder, n Node, depth int) {
	indent := strings.Repeat("  ", depth)
	switch t := n.(type) {
	case *SequenceNode:
		sb.WriteString(indent + "Sequence\n")
		for _, child := range t.Nodes {
			writeNode(sb, child, depth+1)
		}
	case *ParallelNode:
		sb.WriteString(indent + "Parallel\n")
		for _, child := range t.Nodes {
			writeNode(sb, child, depth+1)
		}
	case *FetchNode:
		sb.WriteString(indent + "Fetch(" + t.SubgraphName)
		if len(t.MergePath) > 0 {
			sb.WriteString(" @ " + strings.Join(t.MergePath, "."))
		}
		sb.WriteString(")\n")
	}
}

// Package planner contains the query planners shipped with the router.
package planner

import (
	"context"
	"fmt"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/formatter"
	"github.com/vektah/gqlparser/v2/parser"

	"github.com/d3rp3tt3/router/internal/utils"
	"github.com/d3rp3tt3/router/pkg/plan"
)

const typenameField = "__typename"

// SubgraphFields lists the root fields a subgraph owns.
type SubgraphFields struct {
	Name           string
	QueryFields    []string
	MutationFields []string
}

// RootFieldPlanner splits an operation by its root fields. Every root field is owned by exactly one
// subgraph; the fields of one subgraph are sent to it as one operation. It does not plan entity
// lookups, so nested fields are always resolved by the owner of their root field.
type RootFieldPlanner struct {
	queryOwners    map[string]string
	mutationOwners map[string]string
	// defaultQuerySubgraph answers operations that only select __typename.
	defaultQuerySubgraph string
	recursionLimit       int
}

type RootFieldOption func(p *RootFieldPlanner)

// WithRecursionLimit rejects documents whose selection sets and fields nest deeper than limit.
// Zero disables the check.
func WithRecursionLimit(limit int) RootFieldOption {
	return func(p *RootFieldPlanner) {
		p.recursionLimit = limit
	}
}

func NewRootFieldPlanner(subgraphs []SubgraphFields, opts ...RootFieldOption) (*RootFieldPlanner, error) {
	p := &RootFieldPlanner{
		queryOwners:    make(map[string]string),
		mutationOwners: make(map[string]string),
	}
	for _, opt := range opts {
		opt(p)
	}
	for _, sg := range subgraphs {
		if sg.Name == "" {
			return nil, fmt.Errorf("subgraph name is required")
		}
		if err := addOwners(p.queryOwners, "Query", sg.Name, sg.QueryFields); err != nil {
			return nil, err
		}
		if err := addOwners(p.mutationOwners, "Mutation", sg.Name, sg.MutationFields); err != nil {
			return nil, err
		}
		if p.defaultQuerySubgraph == "" && len(sg.QueryFields) > 0 {
			p.defaultQuerySubgraph = sg.Name
		}
	}
	return p, nil
}

func addOwners(owners map[string]string, typeName, subgraph string, fields []string) error {
	for _, field := range fields {
		if existing, ok := owners[field]; ok && existing != subgraph {
			return fmt.Errorf("field %s.%s is owned by both %q and %q", typeName, field, existing, subgraph)
		}
		owners[field] = subgraph
	}
	return nil
}

func (p *RootFieldPlanner) Plan(_ context.Context, req plan.Request) (*plan.Plan, error) {
	doc, err := parser.ParseQuery(&ast.Source{Input: req.Query})
	if err != nil {
		return nil, &plan.Error{Message: err.Error(), Code: plan.CodeParseFailed}
	}
	if p.recursionLimit > 0 {
		if err := checkRecursionLimit(doc, p.recursionLimit); err != nil {
			return nil, err
		}
	}

	op, err := selectOperation(doc, req.OperationName)
	if err != nil {
		return nil, err
	}

	var owners map[string]string
	var typeName string
	switch op.Operation {
	case ast.Query:
		owners, typeName = p.queryOwners, "Query"
	case ast.Mutation:
		owners, typeName = p.mutationOwners, "Mutation"
	default:
		return nil, &plan.Error{
			Message: fmt.Sprintf("%s operations are not supported", op.Operation),
			Code:    plan.CodeValidationFailed,
		}
	}

	selections, err := flattenRoot(doc, op.SelectionSet, map[string]bool{})
	if err != nil {
		return nil, err
	}

	groups, err := p.group(selections, owners, typeName, op.Operation == ast.Mutation)
	if err != nil {
		return nil, err
	}

	fetches := make([]plan.Node, 0, len(groups))
	for _, g := range groups {
		fetches = append(fetches, buildFetch(doc, op, g))
	}

	qp := &plan.Plan{
		OperationType: plan.OperationType(op.Operation),
		OperationName: op.Name,
	}
	switch {
	case len(fetches) == 1:
		qp.Root = fetches[0]
	case op.Operation == ast.Mutation:
		qp.Root = plan.Sequence(fetches...)
	default:
		qp.Root = plan.Parallel(fetches...)
	}
	return qp, nil
}

func selectOperation(doc *ast.QueryDocument, name string) (*ast.OperationDefinition, error) {
	if name != "" {
		op := doc.Operations.ForName(name)
		if op == nil {
			return nil, &plan.Error{
				Message: fmt.Sprintf("Unknown operation named %q.", name),
				Code:    plan.CodeUnknownOperation,
			}
		}
		return op, nil
	}
	switch len(doc.Operations) {
	case 0:
		return nil, &plan.Error{Message: "No operation found in document.", Code: plan.CodeValidationFailed}
	case 1:
		return doc.Operations[0], nil
	}
	return nil, &plan.Error{
		Message: "Must provide operation name if query contains multiple operations.",
		Code:    plan.CodeUnknownOperation,
	}
}

// flattenRoot inlines fragments on the root type so every returned selection is a field.
func flattenRoot(doc *ast.QueryDocument, set ast.SelectionSet, visiting map[string]bool) ([]*ast.Field, error) {
	var out []*ast.Field
	for _, sel := range set {
		switch s := sel.(type) {
		case *ast.Field:
			out = append(out, s)
		case *ast.InlineFragment:
			fields, err := flattenRoot(doc, s.SelectionSet, visiting)
			if err != nil {
				return nil, err
			}
			out = append(out, fields...)
		case *ast.FragmentSpread:
			def := doc.Fragments.ForName(s.Name)
			if def == nil {
				return nil, &plan.Error{
					Message: fmt.Sprintf("Unknown fragment %q.", s.Name),
					Code:    plan.CodeValidationFailed,
				}
			}
			if visiting[s.Name] {
				return nil, &plan.Error{
					Message: fmt.Sprintf("Cannot spread fragment %q within itself.", s.Name),
					Code:    plan.CodeValidationFailed,
				}
			}
			visiting[s.Name] = true
			fields, err := flattenRoot(doc, def.SelectionSet, visiting)
			delete(visiting, s.Name)
			if err != nil {
				return nil, err
			}
			out = append(out, fields...)
		}
	}
	return out, nil
}

// checkRecursionLimit measures every definition on its own, the way a recursive descent parser
// nests: one level per selection set and one per field or inline fragment inside it. Fragment
// spreads are not followed.
func checkRecursionLimit(doc *ast.QueryDocument, limit int) error {
	deepest := 0
	for _, op := range doc.Operations {
		deepest = max(deepest, selectionSetDepth(op.SelectionSet))
	}
	for _, def := range doc.Fragments {
		deepest = max(deepest, selectionSetDepth(def.SelectionSet))
	}
	if deepest > limit {
		return &plan.Error{
			Message: fmt.Sprintf("parser limit(%d) reached", limit),
			Code:    plan.CodeParseFailed,
		}
	}
	return nil
}

func selectionSetDepth(set ast.SelectionSet) int {
	if len(set) == 0 {
		return 0
	}
	deepest := 0
	for _, sel := range set {
		switch s := sel.(type) {
		case *ast.Field:
			deepest = max(deepest, 1+selectionSetDepth(s.SelectionSet))
		case *ast.InlineFragment:
			deepest = max(deepest, 1+selectionSetDepth(s.SelectionSet))
		case *ast.FragmentSpread:
			deepest = max(deepest, 1)
		}
	}
	return 1 + deepest
}

type fieldGroup struct {
	subgraph string
	fields   ast.SelectionSet
}

// group assigns root fields to subgraphs. Queries get one group per subgraph in order of first
// appearance. Mutations keep their field order, so only consecutive fields of one subgraph share a
// group.
func (p *RootFieldPlanner) group(fields []*ast.Field, owners map[string]string, typeName string, serial bool) ([]*fieldGroup, error) {
	var groups []*fieldGroup
	index := utils.NewOrderedSet[string]()
	var typenames []*ast.Field

	for _, f := range fields {
		if f.Name == typenameField {
			typenames = append(typenames, f)
			continue
		}
		owner, ok := owners[f.Name]
		if !ok {
			return nil, &plan.Error{
				Message: fmt.Sprintf("Cannot query field %q on type %q.", f.Name, typeName),
				Code:    plan.CodeValidationFailed,
			}
		}

		if serial {
			if len(groups) == 0 || groups[len(groups)-1].subgraph != owner {
				groups = append(groups, &fieldGroup{subgraph: owner})
			}
			last := groups[len(groups)-1]
			last.fields = append(last.fields, f)
			continue
		}

		if !index.Contains(owner) {
			groups = append(groups, &fieldGroup{subgraph: owner})
		}
		g := groups[index.Add(owner)]
		g.fields = append(g.fields, f)
	}

	if len(typenames) > 0 {
		if len(groups) == 0 {
			if serial || p.defaultQuerySubgraph == "" {
				return nil, &plan.Error{
					Message: fmt.Sprintf("No subgraph can resolve %s.__typename.", typeName),
					Code:    plan.CodeValidationFailed,
				}
			}
			groups = append(groups, &fieldGroup{subgraph: p.defaultQuerySubgraph})
		}
		for _, f := range typenames {
			groups[0].fields = append(groups[0].fields, f)
		}
	}

	if len(groups) == 0 {
		return nil, &plan.Error{Message: "Operation selects no fields.", Code: plan.CodeValidationFailed}
	}
	return groups, nil
}

func buildFetch(doc *ast.QueryDocument, op *ast.OperationDefinition, g *fieldGroup) *plan.FetchNode {
	usage := &usageCollector{
		doc:       doc,
		variables: utils.NewOrderedSet[string](),
		fragments: utils.NewOrderedSet[string](),
	}
	usage.selectionSet(g.fields)

	sub := &ast.OperationDefinition{
		Operation:    op.Operation,
		Name:         op.Name,
		SelectionSet: g.fields,
	}
	var variableUsages []string
	for _, def := range op.VariableDefinitions {
		if usage.variables.Contains(def.Variable) {
			sub.VariableDefinitions = append(sub.VariableDefinitions, def)
			variableUsages = append(variableUsages, def.Variable)
		}
	}

	subDoc := &ast.QueryDocument{Operations: ast.OperationList{sub}}
	for _, def := range doc.Fragments {
		if usage.fragments.Contains(def.Name) {
			subDoc.Fragments = append(subDoc.Fragments, def)
		}
	}

	var sb strings.Builder
	formatter.NewFormatter(&sb).FormatQueryDocument(subDoc)

	return &plan.FetchNode{
		SubgraphName:   g.subgraph,
		Operation:      sb.String(),
		OperationName:  op.Name,
		VariableUsages: variableUsages,
	}
}

// usageCollector records the variables and fragments a selection set depends on.
type usageCollector struct {
	doc       *ast.QueryDocument
	variables *utils.OrderedSet[string]
	fragments *utils.OrderedSet[string]
}

func (u *usageCollector) selectionSet(set ast.SelectionSet) {
	for _, sel := range set {
		switch s := sel.(type) {
		case *ast.Field:
			u.arguments(s.Arguments)
			u.directives(s.Directives)
			u.selectionSet(s.SelectionSet)
		case *ast.InlineFragment:
			u.directives(s.Directives)
			u.selectionSet(s.SelectionSet)
		case *ast.FragmentSpread:
			u.directives(s.Directives)
			if u.fragments.Contains(s.Name) {
				continue
			}
			u.fragments.Add(s.Name)
			if def := u.doc.Fragments.ForName(s.Name); def != nil {
				u.directives(def.Directives)
				u.selectionSet(def.SelectionSet)
			}
		}
	}
}

func (u *usageCollector) directives(list ast.DirectiveList) {
	for _, d := range list {
		u.arguments(d.Arguments)
	}
}

func (u *usageCollector) arguments(list ast.ArgumentList) {
	for _, arg := range list {
		u.value(arg.Value)
	}
}

func (u *usageCollector) value(v *ast.Value) {
	if v == nil {
		return
	}
	if v.Kind == ast.Variable {
		u.variables.Add(v.Raw)
		return
	}
	for _, child := range v.Children {
		u.value(child.Value)
	}
}

package planner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"

	"github.com/d3rp3tt3/router/pkg/plan"
)

func testPlanner(t *testing.T) *RootFieldPlanner {
	t.Helper()
	p, err := NewRootFieldPlanner([]SubgraphFields{
		{Name: "products", QueryFields: []string{"topProducts", "product"}, MutationFields: []string{"addProduct"}},
		{Name: "reviews", QueryFields: []string{"reviews"}, MutationFields: []string{"addReview"}},
		{Name: "accounts", QueryFields: []string{"me"}},
	})
	require.NoError(t, err)
	return p
}

func parseOperation(t *testing.T, fetch *plan.FetchNode) (*ast.QueryDocument, *ast.OperationDefinition) {
	t.Helper()
	doc, err := parser.ParseQuery(&ast.Source{Input: fetch.Operation})
	require.NoError(t, err, fetch.Operation)
	require.Len(t, doc.Operations, 1)
	return doc, doc.Operations[0]
}

func rootFieldNames(op *ast.OperationDefinition) []string {
	var names []string
	for _, sel := range op.SelectionSet {
		if f, ok := sel.(*ast.Field); ok {
			names = append(names, f.Name)
		}
	}
	return names
}

func planError(t *testing.T, err error) *plan.Error {
	t.Helper()
	require.Error(t, err)
	var pe *plan.Error
	require.ErrorAs(t, err, &pe)
	return pe
}

func TestRootFieldPlanner(t *testing.T) {
	t.Parallel()

	t.Run("single_subgraph_query_is_one_fetch", func(t *testing.T) {
		t.Parallel()

		p := testPlanner(t)
		qp, err := p.Plan(context.Background(), plan.Request{Query: `query Top { topProducts { upc name } }`})
		require.NoError(t, err)

		fetch, ok := qp.Root.(*plan.FetchNode)
		require.True(t, ok, qp.String())
		assert.Equal(t, "products", fetch.SubgraphName)
		assert.Equal(t, "Top", fetch.OperationName)
		assert.Equal(t, plan.OperationTypeQuery, qp.OperationType)

		_, op := parseOperation(t, fetch)
		assert.Equal(t, []string{"topProducts"}, rootFieldNames(op))
	})

	t.Run("query_fields_are_grouped_per_subgraph_in_parallel", func(t *testing.T) {
		t.Parallel()

		p := testPlanner(t)
		qp, err := p.Plan(context.Background(), plan.Request{
			Query: `{ topProducts { upc } me { id } product(upc: "1") { name } }`,
		})
		require.NoError(t, err)

		par, ok := qp.Root.(*plan.ParallelNode)
		require.True(t, ok, qp.String())
		fetches := plan.Fetches(par)
		require.Len(t, fetches, 2)

		assert.Equal(t, "products", fetches[0].SubgraphName)
		_, op := parseOperation(t, fetches[0])
		assert.Equal(t, []string{"topProducts", "product"}, rootFieldNames(op))

		assert.Equal(t, "accounts", fetches[1].SubgraphName)
		_, op = parseOperation(t, fetches[1])
		assert.Equal(t, []string{"me"}, rootFieldNames(op))
	})

	t.Run("mutations_run_in_sequence_and_keep_field_order", func(t *testing.T) {
		t.Parallel()

		p := testPlanner(t)
		qp, err := p.Plan(context.Background(), plan.Request{
			Query: `mutation { a: addProduct(name: "x") { upc } addReview(body: "y") { id } b: addProduct(name: "z") { upc } }`,
		})
		require.NoError(t, err)

		seq, ok := qp.Root.(*plan.SequenceNode)
		require.True(t, ok, qp.String())
		fetches := plan.Fetches(seq)
		require.Len(t, fetches, 3)
		assert.Equal(t, "products", fetches[0].SubgraphName)
		assert.Equal(t, "reviews", fetches[1].SubgraphName)
		assert.Equal(t, "products", fetches[2].SubgraphName)
		assert.Equal(t, plan.OperationTypeMutation, qp.OperationType)
	})

	t.Run("only_used_variables_and_fragments_are_forwarded", func(t *testing.T) {
		t.Parallel()

		p := testPlanner(t)
		qp, err := p.Plan(context.Background(), plan.Request{
			Query: `
				query Q($upc: String!, $first: Int, $skipName: Boolean!) {
					product(upc: $upc) { ...ProductFields }
					reviews(first: $first) { id }
				}
				fragment ProductFields on Product { upc name @skip(if: $skipName) }
				fragment Unused on Review { id }
			`,
		})
		require.NoError(t, err)

		fetches := plan.Fetches(qp.Root)
		require.Len(t, fetches, 2)

		assert.Equal(t, []string{"upc", "skipName"}, fetches[0].VariableUsages)
		doc, op := parseOperation(t, fetches[0])
		require.Len(t, op.VariableDefinitions, 2)
		assert.Equal(t, "upc", op.VariableDefinitions[0].Variable)
		assert.Equal(t, "skipName", op.VariableDefinitions[1].Variable)
		require.Len(t, doc.Fragments, 1)
		assert.Equal(t, "ProductFields", doc.Fragments[0].Name)

		assert.Equal(t, []string{"first"}, fetches[1].VariableUsages)
		doc, op = parseOperation(t, fetches[1])
		require.Len(t, op.VariableDefinitions, 1)
		assert.Empty(t, doc.Fragments)
	})

	t.Run("root_fragments_are_inlined", func(t *testing.T) {
		t.Parallel()

		p := testPlanner(t)
		qp, err := p.Plan(context.Background(), plan.Request{
			Query: `{ ...Root ... on Query { me { id } } } fragment Root on Query { reviews { id } }`,
		})
		require.NoError(t, err)

		fetches := plan.Fetches(qp.Root)
		require.Len(t, fetches, 2)
		assert.Equal(t, "reviews", fetches[0].SubgraphName)
		assert.Equal(t, "accounts", fetches[1].SubgraphName)
		doc, _ := parseOperation(t, fetches[0])
		assert.Empty(t, doc.Fragments)
	})

	t.Run("typename_goes_to_the_first_fetch", func(t *testing.T) {
		t.Parallel()

		p := testPlanner(t)
		qp, err := p.Plan(context.Background(), plan.Request{Query: `{ me { id } __typename }`})
		require.NoError(t, err)
		fetch := qp.Root.(*plan.FetchNode)
		_, op := parseOperation(t, fetch)
		assert.Equal(t, []string{"me", "__typename"}, rootFieldNames(op))

		qp, err = p.Plan(context.Background(), plan.Request{Query: `{ __typename }`})
		require.NoError(t, err)
		assert.Equal(t, "products", qp.Root.(*plan.FetchNode).SubgraphName)
	})

	t.Run("selects_operation_by_name", func(t *testing.T) {
		t.Parallel()

		p := testPlanner(t)
		query := `query A { me { id } } query B { reviews { id } }`

		qp, err := p.Plan(context.Background(), plan.Request{Query: query, OperationName: "B"})
		require.NoError(t, err)
		assert.Equal(t, "B", qp.OperationName)
		assert.Equal(t, "reviews", qp.Root.(*plan.FetchNode).SubgraphName)

		_, err = p.Plan(context.Background(), plan.Request{Query: query})
		pe := planError(t, err)
		assert.Equal(t, plan.CodeUnknownOperation, pe.Code)

		_, err = p.Plan(context.Background(), plan.Request{Query: query, OperationName: "C"})
		pe = planError(t, err)
		assert.Equal(t, `Unknown operation named "C".`, pe.Message)
		assert.Equal(t, 400, pe.HTTPStatus())
	})

	t.Run("rejects_invalid_operations", func(t *testing.T) {
		t.Parallel()

		p := testPlanner(t)

		_, err := p.Plan(context.Background(), plan.Request{Query: `{ me { id }`})
		assert.Equal(t, plan.CodeParseFailed, planError(t, err).Code)

		_, err = p.Plan(context.Background(), plan.Request{Query: `{ unknown }`})
		pe := planError(t, err)
		assert.Equal(t, plan.CodeValidationFailed, pe.Code)
		assert.Equal(t, `Cannot query field "unknown" on type "Query".`, pe.Message)

		_, err = p.Plan(context.Background(), plan.Request{Query: `subscription { me { id } }`})
		assert.Equal(t, plan.CodeValidationFailed, planError(t, err).Code)

		_, err = p.Plan(context.Background(), plan.Request{Query: `{ ...Missing }`})
		assert.Equal(t, plan.CodeValidationFailed, planError(t, err).Code)
	})
}

func TestRootFieldPlannerRecursionLimit(t *testing.T) {
	t.Parallel()

	const nested = `{ me { reviews { author { reviews { author { name } } } } } }`
	newPlanner := func(t *testing.T, limit int) *RootFieldPlanner {
		t.Helper()
		p, err := NewRootFieldPlanner([]SubgraphFields{{Name: "accounts", QueryFields: []string{"me"}}}, WithRecursionLimit(limit))
		require.NoError(t, err)
		return p
	}

	t.Run("just_under_the_limit", func(t *testing.T) {
		t.Parallel()

		qp, err := newPlanner(t, 12).Plan(context.Background(), plan.Request{Query: nested})
		require.NoError(t, err)
		assert.Equal(t, "accounts", qp.Root.(*plan.FetchNode).SubgraphName)
	})

	t.Run("at_the_limit", func(t *testing.T) {
		t.Parallel()

		_, err := newPlanner(t, 11).Plan(context.Background(), plan.Request{Query: nested})
		pe := planError(t, err)
		assert.Equal(t, "parser limit(11) reached", pe.Message)
		assert.Equal(t, plan.CodeParseFailed, pe.Code)
	})

	t.Run("fragments_are_measured_on_their_own", func(t *testing.T) {
		t.Parallel()

		query := `{ me { ...Deep } } fragment Deep on User { reviews { author { reviews { author { name } } } } }`
		_, err := newPlanner(t, 9).Plan(context.Background(), plan.Request{Query: query})
		assert.Equal(t, "parser limit(9) reached", planError(t, err).Message)

		_, err = newPlanner(t, 10).Plan(context.Background(), plan.Request{Query: query})
		require.NoError(t, err)
	})

	t.Run("zero_disables_the_check", func(t *testing.T) {
		t.Parallel()

		_, err := newPlanner(t, 0).Plan(context.Background(), plan.Request{Query: nested})
		require.NoError(t, err)
	})
}

func TestNewRootFieldPlannerRejectsSharedFields(t *testing.T) {
	t.Parallel()

	_, err := NewRootFieldPlanner([]SubgraphFields{
		{Name: "a", QueryFields: []string{"me"}},
		{Name: "b", QueryFields: []string{"me"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Query.me")

	_, err = NewRootFieldPlanner([]SubgraphFields{{QueryFields: []string{"me"}}})
	require.Error(t, err)
}

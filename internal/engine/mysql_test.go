package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relengine/internal/aggregate"
	"relengine/internal/engineerr"
	"relengine/internal/filter"
	"relengine/internal/loader"
	"relengine/internal/mutation"
	"relengine/internal/planner"
	"relengine/internal/testutil"
	"relengine/internal/testutil/mysqltest"
)

func newMySQLEngine(t *testing.T, seed ...string) (*Engine, *mysqltest.TestDB) {
	t.Helper()
	tdb := mysqltest.NewTestDB(t)
	testutil.Exec(t, tdb.DB, seed...)
	eng := New(tdb.DB, testutil.Registry(t), Options{
		Dialect:         planner.MySQL,
		Loader:          loader.Options{MaxInClause: 2, Parallelism: 4},
		Mutation:        mutation.Options{NativeUpsert: true, MaxCascadeDepth: 8},
		ConflictRetries: 3,
	})
	return eng, tdb
}

func TestMySQLWritePath(t *testing.T) {
	eng, tdb := newMySQLEngine(t, "INSERT INTO colleges (id, name) VALUES (1, 'Tech U')")
	ctx := context.Background()
	users, err := eng.Model("User")
	require.NoError(t, err)

	created, err := users.Create(ctx, CreateArgs{
		Data: mutation.Data{
			Scalars: map[string]any{"email": "a@x.com", "age": 30},
			Relations: map[string]mutation.Nested{
				"posts": {Create: []mutation.Data{
					{Scalars: map[string]any{"title": "one"}},
					{Scalars: map[string]any{"title": "two"}},
				}},
				"college": {Connect: []mutation.Unique{{"id": 1}}},
			},
		},
		Shape: Shape{Include: loader.Tree{
			Relations: []loader.Include{{Relation: "posts", Select: []string{"title"}, OrderBy: []planner.OrderTerm{{Field: "title"}}}},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), created["collegeId"])
	assert.Equal(t, []planner.Record{{"title": "one"}, {"title": "two"}}, created["posts"])

	_, err = users.Create(ctx, CreateArgs{Data: mutation.Data{Scalars: map[string]any{"email": "a@x.com"}}})
	var cerr *engineerr.ConstraintError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, engineerr.ConstraintUnique, cerr.Kind)

	for i := 0; i < 2; i++ {
		rec, err := users.Upsert(ctx, UpsertArgs{
			Where:  mutation.Unique{"email": "b@x.com"},
			Create: map[string]any{"email": "b@x.com", "age": 20},
			Update: map[string]any{"age": 21},
			Shape:  Shape{Select: []string{"email", "age"}},
		})
		require.NoError(t, err)
		if i == 0 {
			assert.Equal(t, planner.Record{"email": "b@x.com", "age": int64(20)}, rec)
		} else {
			assert.Equal(t, planner.Record{"email": "b@x.com", "age": int64(21)}, rec)
		}
	}

	var n int
	require.NoError(t, tdb.DB.QueryRow("SELECT COUNT(*) FROM users").Scan(&n))
	assert.Equal(t, 2, n)
}

func TestMySQLReadAndAggregate(t *testing.T) {
	eng, _ := newMySQLEngine(t,
		"INSERT INTO users (id, email, age) VALUES (1, 'a@x.com', 30), (2, 'b@x.com', 40), (3, 'c@x.com', NULL)",
		"INSERT INTO posts (id, title, views, author_id) VALUES (1, 'p1', 5, 1), (2, 'p2', 7, 1), (3, 'p3', 1, 2), (4, 'p4', 3, 3)",
	)
	ctx := context.Background()
	users, err := eng.Model("User")
	require.NoError(t, err)

	recs, err := users.FindMany(ctx, FindManyArgs{
		Where:   filter.Related{Relation: "posts", Quantifier: filter.Some, Where: filter.Cmp("views", filter.OpGt, 4)},
		OrderBy: []planner.OrderTerm{{Field: "id"}},
		Shape: Shape{
			Select:  []string{"id"},
			Include: loader.Tree{Counts: []loader.Count{{Relation: "posts"}}},
		},
	})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, map[string]int64{"posts": 2}, recs[0][loader.CountKey])

	all, err := users.FindMany(ctx, FindManyArgs{
		OrderBy: []planner.OrderTerm{{Field: "id"}},
		Shape:   Shape{Include: loader.Tree{Relations: []loader.Include{{Relation: "posts"}}}},
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, ids(all))

	posts, err := eng.Model("Post")
	require.NoError(t, err)
	groups, err := posts.GroupBy(ctx, GroupByArgs{
		By:      []string{"authorId"},
		Metrics: []planner.AggregateColumn{{Func: planner.AggSum, Field: "views"}},
		Having:  aggregate.HavingCompare{Func: planner.AggSum, Field: "views", Op: filter.OpGte, Value: 3},
		OrderBy: []planner.OrderTerm{{Field: "authorId"}},
	})
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, int64(1), groups[0].Group["authorId"])
	assert.EqualValues(t, 12, groups[0].Get(planner.AggSum, "views"))
	assert.Equal(t, int64(3), groups[1].Group["authorId"])
}

func TestMySQLUpsertOnlyMatchesItsSelector(t *testing.T) {
	eng, tdb := newMySQLEngine(t, "INSERT INTO users (id, email) VALUES (3, 'b@x.com')")
	ctx := context.Background()
	users, err := eng.Model("User")
	require.NoError(t, err)

	_, err = users.Upsert(ctx, UpsertArgs{
		Where:  mutation.Unique{"id": 5},
		Create: map[string]any{"id": 5, "email": "b@x.com"},
		Update: map[string]any{"age": 99},
	})
	var cerr *engineerr.ConstraintError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, engineerr.ConstraintUnique, cerr.Kind)

	var n int
	require.NoError(t, tdb.DB.QueryRow("SELECT COUNT(*) FROM users WHERE id = 3 AND age IS NULL").Scan(&n))
	assert.Equal(t, 1, n, "the row holding the email is left alone")
	require.NoError(t, tdb.DB.QueryRow("SELECT COUNT(*) FROM users WHERE id = 5").Scan(&n))
	assert.Equal(t, 0, n)
}

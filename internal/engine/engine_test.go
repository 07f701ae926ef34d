package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relengine/internal/aggregate"
	"relengine/internal/engineerr"
	"relengine/internal/filter"
	"relengine/internal/loader"
	"relengine/internal/mutation"
	"relengine/internal/planner"
	"relengine/internal/testutil"
	"relengine/internal/txn"
)

type harness struct {
	db      *sql.DB
	eng     *Engine
	counter *testutil.CountingExecutor
}

func newHarness(t *testing.T, opts Options, seed ...string) *harness {
	t.Helper()
	db := testutil.OpenSQLite(t)
	testutil.Exec(t, db, seed...)
	opts.Dialect = planner.SQLite
	eng := New(db, testutil.Registry(t), opts)
	counter := testutil.NewCountingExecutor(eng.root.exec)
	eng.root.exec = counter
	return &harness{db: db, eng: eng, counter: counter}
}

func (h *harness) model(t *testing.T, name string) *Model {
	t.Helper()
	m, err := h.eng.Model(name)
	require.NoError(t, err)
	return m
}

func (h *harness) count(t *testing.T, query string) int {
	t.Helper()
	var n int
	require.NoError(t, h.db.QueryRow(query).Scan(&n))
	return n
}

func ids(recs []planner.Record) []int64 {
	out := make([]int64, len(recs))
	for i, rec := range recs {
		out[i] = rec["id"].(int64)
	}
	return out
}

func intPtr(v int) *int { return &v }

func TestCreateDuplicateUniqueFails(t *testing.T) {
	h := newHarness(t, Options{}, "INSERT INTO colleges (id, name) VALUES (1, 'Tech U')")
	users := h.model(t, "User")
	ctx := context.Background()

	data := mutation.Data{Scalars: map[string]any{"email": "a@x.com", "collegeId": 1}}
	first, err := users.Create(ctx, CreateArgs{Data: data})
	require.NoError(t, err)
	assert.Equal(t, int64(1), first["collegeId"])

	_, err = users.Create(ctx, CreateArgs{Data: data})
	var cerr *engineerr.ConstraintError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, engineerr.ConstraintUnique, cerr.Kind)
	assert.Equal(t, 1, h.count(t, "SELECT COUNT(*) FROM users WHERE email = 'a@x.com'"))
}

func TestBatchIsAtomic(t *testing.T) {
	h := newHarness(t, Options{})
	create := func(email string) Operation {
		return func(ctx context.Context, c *Client) (any, error) {
			users, err := c.Model("User")
			if err != nil {
				return nil, err
			}
			return users.Create(ctx, CreateArgs{Data: mutation.Data{Scalars: map[string]any{"email": email}}})
		}
	}

	_, err := h.eng.Batch(context.Background(), txn.Options{}, create("a@x.com"), create("b@x.com"), create("a@x.com"))
	require.ErrorIs(t, err, engineerr.ErrConstraint)
	assert.ErrorContains(t, err, "batch statement 2")
	assert.Zero(t, h.count(t, "SELECT COUNT(*) FROM users"))

	results, err := h.eng.Batch(context.Background(), txn.Options{}, create("a@x.com"), create("b@x.com"))
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "b@x.com", results[1].(planner.Record)["email"])
	assert.Equal(t, 2, h.count(t, "SELECT COUNT(*) FROM users"))
}

func TestCreateRoundTrip(t *testing.T) {
	h := newHarness(t, Options{})
	users := h.model(t, "User")
	ctx := context.Background()

	include := loader.Tree{Relations: []loader.Include{
		{Relation: "posts", OrderBy: []planner.OrderTerm{{Field: "title"}}},
		{Relation: "profile", Select: []string{"bio"}},
	}}
	created, err := users.Create(ctx, CreateArgs{
		Data: mutation.Data{
			Scalars: map[string]any{"email": "a@x.com", "name": "Ada"},
			Relations: map[string]mutation.Nested{
				"posts": {Create: []mutation.Data{
					{Scalars: map[string]any{"title": "second", "views": 3}},
					{Scalars: map[string]any{"title": "first"}},
				}},
				"profile": {Create: []mutation.Data{{Scalars: map[string]any{"bio": "hello"}}}},
			},
		},
		Shape: Shape{Include: include},
	})
	require.NoError(t, err)

	posts := created["posts"].([]planner.Record)
	require.Len(t, posts, 2)
	assert.Equal(t, "first", posts[0]["title"])
	assert.Equal(t, int64(3), posts[1]["views"])
	assert.Equal(t, false, posts[0]["published"])
	assert.Equal(t, planner.Record{"bio": "hello"}, created["profile"])

	found, err := users.FindUnique(ctx, FindUniqueArgs{
		Where: mutation.Unique{"email": "a@x.com"},
		Shape: Shape{Include: include},
	})
	require.NoError(t, err)
	if diff := cmp.Diff(created, found); diff != "" {
		t.Fatalf("read back differs from created (-created +found):\n%s", diff)
	}
}

func TestFindManyAndIsIntersection(t *testing.T) {
	h := newHarness(t, Options{},
		"INSERT INTO colleges (id, name) VALUES (1, 'Tech U'), (2, 'Arts U')",
		`INSERT INTO users (id, email, name, age, college_id) VALUES
			(1, 'a@x.com', 'Ada', 30, 1), (2, 'b@y.com', NULL, 40, 1), (3, 'c@x.com', 'Cy', 50, 2),
			(4, 'd@y.com', 'Di', NULL, NULL), (5, 'e@x.com', 'Ed', 25, 2)`,
		"INSERT INTO posts (id, title, author_id, published) VALUES (1, 't1', 1, 1), (2, 't2', 3, 0), (3, 't3', 5, 1)",
	)
	users := h.model(t, "User")
	ctx := context.Background()

	preds := map[string]filter.Predicate{
		"adult":     filter.Cmp("age", filter.OpGte, 30),
		"x domain":  filter.Cmp("email", filter.OpEndsWith, "@x.com"),
		"named":     filter.Not{Pred: filter.Cmp("name", filter.OpIsNull, true)},
		"published": filter.Related{Relation: "posts", Quantifier: filter.Some, Where: filter.Eq("published", true)},
		"tech":      filter.Related{Relation: "college", Quantifier: filter.Is, Where: filter.Eq("name", "Tech U")},
		"none":      filter.Or{},
	}
	find := func(t *testing.T, p filter.Predicate) map[int64]bool {
		t.Helper()
		recs, err := users.FindMany(ctx, FindManyArgs{Where: p, Shape: Shape{Select: []string{"id"}}})
		require.NoError(t, err)
		out := map[int64]bool{}
		for _, id := range ids(recs) {
			out[id] = true
		}
		return out
	}

	names := make([]string, 0, len(preds))
	for name := range preds {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, pn := range names {
		for _, qn := range names {
			t.Run(pn+" and "+qn, func(t *testing.T) {
				left, right := find(t, preds[pn]), find(t, preds[qn])
				want := map[int64]bool{}
				for id := range left {
					if right[id] {
						want[id] = true
					}
				}
				assert.Equal(t, want, find(t, filter.And{preds[pn], preds[qn]}))
			})
		}
	}
}

func TestFindManyFetchCountIndependentOfRows(t *testing.T) {
	include := Shape{Include: loader.Tree{
		Relations: []loader.Include{
			{Relation: "posts", Tree: loader.Tree{Relations: []loader.Include{{Relation: "comments"}}}},
			{Relation: "profile"},
		},
		Counts: []loader.Count{{Relation: "posts"}},
	}}

	for _, n := range []int{1, 60} {
		t.Run(fmt.Sprintf("%d users", n), func(t *testing.T) {
			var users, posts, comments []string
			for i := 1; i <= n; i++ {
				users = append(users, fmt.Sprintf("(%d, 'u%d@x.com')", i, i))
				posts = append(posts, fmt.Sprintf("(%d, 'p%d', %d)", i, i, i))
				comments = append(comments, fmt.Sprintf("('c%d', %d), ('d%d', %d)", i, i, i, i))
			}
			h := newHarness(t, Options{},
				"INSERT INTO users (id, email) VALUES "+strings.Join(users, ", "),
				"INSERT INTO posts (id, title, author_id) VALUES "+strings.Join(posts, ", "),
				"INSERT INTO comments (body, post_id) VALUES "+strings.Join(comments, ", "),
			)
			recs, err := h.model(t, "User").FindMany(context.Background(), FindManyArgs{Shape: include})
			require.NoError(t, err)
			require.Len(t, recs, n)
			last := recs[n-1]
			require.Len(t, last["posts"], 1)
			assert.Len(t, last["posts"].([]planner.Record)[0]["comments"], 2)
			assert.Nil(t, last["profile"])
			assert.Equal(t, map[string]int64{"posts": 1}, last[loader.CountKey])

			// users, posts, comments, profile, post counts
			assert.Len(t, h.counter.Queries(), 5)
		})
	}
}

func TestShapeValidationHappensBeforeAnyStatement(t *testing.T) {
	h := newHarness(t, Options{})
	users := h.model(t, "User")
	ctx := context.Background()

	_, err := users.FindMany(ctx, FindManyArgs{Shape: Shape{Select: []string{"email"}, Omit: []string{"name"}}})
	require.ErrorIs(t, err, engineerr.ErrValidation)

	_, err = users.Create(ctx, CreateArgs{
		Data:  mutation.Data{Scalars: map[string]any{"email": "a@x.com"}},
		Shape: Shape{Select: []string{"ghost"}, Omit: []string{"name"}, Include: loader.Tree{Relations: []loader.Include{{Relation: "nope"}}}},
	})
	var verr *engineerr.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Issues, 3)

	assert.Empty(t, h.counter.Queries())
	assert.Empty(t, h.counter.Execs())
	assert.Zero(t, h.count(t, "SELECT COUNT(*) FROM users"))
}

func TestFindShapes(t *testing.T) {
	h := newHarness(t, Options{},
		`INSERT INTO users (id, email, name, age) VALUES
			(1, 'a@x.com', 'Ada', 30), (2, 'b@x.com', 'Bo', 30), (3, 'c@x.com', 'Cy', 40), (4, 'd@x.com', 'Di', 40), (5, 'e@x.com', 'Ed', 50)`,
	)
	users := h.model(t, "User")
	ctx := context.Background()

	rec, err := users.FindUnique(ctx, FindUniqueArgs{Where: mutation.Unique{"id": 2}, Shape: Shape{Omit: []string{"createdAt", "score"}}})
	require.NoError(t, err)
	assert.Equal(t, planner.Record{"id": int64(2), "email": "b@x.com", "name": "Bo", "age": int64(30), "collegeId": nil}, rec)

	rec, err = users.FindUnique(ctx, FindUniqueArgs{Where: mutation.Unique{"id": 99}})
	require.NoError(t, err)
	assert.Nil(t, rec)

	_, err = users.FindUniqueOrThrow(ctx, FindUniqueArgs{Where: mutation.Unique{"email": "zz@x.com"}})
	var nerr *engineerr.NotFoundError
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, "User(email=zz@x.com)", nerr.Name)

	_, err = users.FindUnique(ctx, FindUniqueArgs{Where: mutation.Unique{"name": "Ada"}})
	assert.ErrorIs(t, err, engineerr.ErrValidation)

	rec, err = users.FindFirst(ctx, FindManyArgs{Where: filter.Eq("age", 40), Shape: Shape{Select: []string{"name"}}})
	require.NoError(t, err)
	assert.Equal(t, planner.Record{"name": "Cy"}, rec)

	rec, err = users.FindFirst(ctx, FindManyArgs{OrderBy: []planner.OrderTerm{{Field: "age"}}, Take: intPtr(-1), Shape: Shape{Select: []string{"id"}}})
	require.NoError(t, err)
	assert.Equal(t, planner.Record{"id": int64(5)}, rec)

	tests := []struct {
		name string
		args FindManyArgs
		want []int64
	}{
		{
			name: "distinct keeps first row per age",
			args: FindManyArgs{Distinct: []string{"age"}},
			want: []int64{1, 3, 5},
		},
		{
			name: "distinct pages after de-duplication",
			args: FindManyArgs{Distinct: []string{"age"}, Skip: 1, Take: intPtr(1)},
			want: []int64{3},
		},
		{
			name: "distinct with backwards take",
			args: FindManyArgs{Distinct: []string{"age"}, Take: intPtr(-2)},
			want: []int64{3, 5},
		},
		{
			name: "cursor includes its row",
			args: FindManyArgs{Cursor: map[string]any{"id": 3}, Take: intPtr(2)},
			want: []int64{3, 4},
		},
		{
			name: "backwards from cursor keeps order",
			args: FindManyArgs{Cursor: map[string]any{"id": 3}, Take: intPtr(-2)},
			want: []int64{2, 3},
		},
		{
			name: "descending order",
			args: FindManyArgs{OrderBy: []planner.OrderTerm{{Field: "age", Desc: true}}, Take: intPtr(3)},
			want: []int64{5, 3, 4},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs, err := users.FindMany(ctx, tt.args)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(recs))
		})
	}
}

func TestDefaultTake(t *testing.T) {
	h := newHarness(t, Options{DefaultTake: 2}, "INSERT INTO categories (name) VALUES ('a'), ('b'), ('c')")
	recs, err := h.model(t, "Category").FindMany(context.Background(), FindManyArgs{})
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestDeleteRequiredChild(t *testing.T) {
	h := newHarness(t, Options{},
		"INSERT INTO students (id, name) VALUES (9, 'Sam')",
		"INSERT INTO mentors (id, expertise_area, student_id) VALUES (1, 'AI', 9)",
	)
	students := h.model(t, "Student")
	ctx := context.Background()

	_, err := students.Delete(ctx, DeleteArgs{Where: mutation.Unique{"id": 9}})
	var cerr *engineerr.ConstraintError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, engineerr.ConstraintRequiredRelation, cerr.Kind)
	assert.Equal(t, 1, h.count(t, "SELECT COUNT(*) FROM students"))

	deleted, err := students.Delete(ctx, DeleteArgs{
		Where:   mutation.Unique{"id": 9},
		Cascade: true,
		Shape:   Shape{Include: loader.Tree{Relations: []loader.Include{{Relation: "mentor", Select: []string{"expertiseArea"}}}}},
	})
	require.NoError(t, err)
	assert.Equal(t, planner.Record{"id": int64(9), "name": "Sam", "mentor": planner.Record{"expertiseArea": "AI"}}, deleted)
	assert.Zero(t, h.count(t, "SELECT COUNT(*) FROM students"))
	assert.Zero(t, h.count(t, "SELECT COUNT(*) FROM mentors"))

	_, err = students.Delete(ctx, DeleteArgs{Where: mutation.Unique{"id": 9}})
	assert.ErrorIs(t, err, engineerr.ErrNotFound)
}

func TestUpdateAndUpsert(t *testing.T) {
	h := newHarness(t, Options{}, "INSERT INTO users (id, email, name, age) VALUES (1, 'a@x.com', 'Ada', 30)")
	users := h.model(t, "User")
	ctx := context.Background()

	rec, err := users.Update(ctx, UpdateArgs{
		Where: mutation.Unique{"email": "a@x.com"},
		Data:  mutation.Data{Scalars: map[string]any{"age": mutation.Increment(5)}},
		Shape: Shape{Select: []string{"age"}},
	})
	require.NoError(t, err)
	assert.Equal(t, planner.Record{"age": int64(35)}, rec)

	_, err = users.Update(ctx, UpdateArgs{Where: mutation.Unique{"id": 42}, Data: mutation.Data{Scalars: map[string]any{"age": 1}}})
	assert.ErrorIs(t, err, engineerr.ErrNotFound)

	upsert := UpsertArgs{
		Where:  mutation.Unique{"email": "b@x.com"},
		Create: map[string]any{"email": "b@x.com", "name": "Bo", "age": 20},
		Update: map[string]any{"age": 21},
		Shape:  Shape{Select: []string{"email", "name", "age"}},
	}
	first, err := users.Upsert(ctx, upsert)
	require.NoError(t, err)
	assert.Equal(t, planner.Record{"email": "b@x.com", "name": "Bo", "age": int64(20)}, first)

	for range 2 {
		again, err := users.Upsert(ctx, upsert)
		require.NoError(t, err)
		assert.Equal(t, planner.Record{"email": "b@x.com", "name": "Bo", "age": int64(21)}, again)
	}
	assert.Equal(t, 1, h.count(t, "SELECT COUNT(*) FROM users WHERE email = 'b@x.com'"))
}

func TestBatchShapedWrites(t *testing.T) {
	h := newHarness(t, Options{}, "INSERT INTO categories (id, name) VALUES (1, 'tools'), (2, 'toys')")
	items := h.model(t, "Item")
	ctx := context.Background()

	res, err := items.CreateMany(ctx, CreateManyArgs{Data: []map[string]any{
		{"name": "a", "price": 1.5, "quantity": 1, "categoryId": 1},
		{"name": "b", "price": 2.5, "quantity": 2, "categoryId": 1},
		{"name": "c", "price": 3, "quantity": 4, "categoryId": 1},
		{"name": "d", "price": 10, "quantity": 5, "categoryId": 2},
		{"name": "e", "price": 20, "quantity": 7, "categoryId": 2},
	}})
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.Count)

	groups, err := items.GroupBy(ctx, GroupByArgs{By: []string{"categoryId"}, Metrics: []planner.AggregateColumn{{Func: planner.AggCount}}})
	require.NoError(t, err)
	counts := map[int64]int64{}
	for _, g := range groups {
		counts[g.Group["categoryId"].(int64)] = g.Get(planner.AggCount, "").(int64)
	}
	assert.Equal(t, map[int64]int64{1: 3, 2: 2}, counts)

	updated, err := items.UpdateManyAndReturn(ctx, UpdateManyAndReturnArgs{
		Where: filter.Cmp("price", filter.OpLt, 3),
		Data:  map[string]any{"price": 100},
		Shape: Shape{Select: []string{"name", "price"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []planner.Record{{"name": "a", "price": 100.0}, {"name": "b", "price": 100.0}}, updated)

	res, err = items.UpdateMany(ctx, UpdateManyArgs{Where: filter.Eq("categoryId", 2), Data: map[string]any{"quantity": mutation.Multiply(2)}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Count)

	n, err := items.Count(ctx, CountArgs{Where: filter.Cmp("quantity", filter.OpGte, 10)})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	agg, err := items.Aggregate(ctx, AggregateArgs{Metrics: []planner.AggregateColumn{{Func: planner.AggSum, Field: "quantity"}, {Func: planner.AggAvg, Field: "quantity"}}})
	require.NoError(t, err)
	assert.Equal(t, int64(31), agg.Get(planner.AggSum, "quantity"))
	assert.InDelta(t, 6.2, agg.Get(planner.AggAvg, "quantity"), 1e-9)

	having, err := items.GroupBy(ctx, GroupByArgs{
		By:      []string{"categoryId"},
		Metrics: []planner.AggregateColumn{{Func: planner.AggCount}},
		Having:  aggregate.HavingCompare{Func: planner.AggCount, Op: filter.OpGt, Value: 2},
	})
	require.NoError(t, err)
	require.Len(t, having, 1)
	assert.Equal(t, int64(1), having[0].Group["categoryId"])

	res, err = items.DeleteMany(ctx, DeleteManyArgs{Where: filter.Eq("categoryId", 1)})
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Count)
	assert.Equal(t, 2, h.count(t, "SELECT COUNT(*) FROM items"))
}

func TestTransaction(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	boom := errors.New("boom")

	err := h.eng.Transaction(ctx, txn.Options{}, func(ctx context.Context, c *Client) error {
		assert.True(t, c.InTransaction())
		users, err := c.Model("User")
		if err != nil {
			return err
		}
		if _, err := users.Create(ctx, CreateArgs{Data: mutation.Data{Scalars: map[string]any{"email": "a@x.com"}}}); err != nil {
			return err
		}
		n, err := users.Count(ctx, CountArgs{})
		if err != nil {
			return err
		}
		assert.Equal(t, int64(1), n)
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Zero(t, h.count(t, "SELECT COUNT(*) FROM users"))

	err = h.eng.Transaction(ctx, txn.Options{}, func(ctx context.Context, c *Client) error {
		users, err := c.Model("User")
		if err != nil {
			return err
		}
		_, err = users.Create(ctx, CreateArgs{Data: mutation.Data{Scalars: map[string]any{"email": "a@x.com"}}})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 1, h.count(t, "SELECT COUNT(*) FROM users"))

	err = h.eng.Transaction(ctx, txn.Options{Timeout: 50 * time.Millisecond}, func(ctx context.Context, c *Client) error {
		users, err := c.Model("User")
		if err != nil {
			return err
		}
		if _, err := users.Create(ctx, CreateArgs{Data: mutation.Data{Scalars: map[string]any{"email": "late@x.com"}}}); err != nil {
			return err
		}
		time.Sleep(100 * time.Millisecond)
		return nil
	})
	require.ErrorIs(t, err, engineerr.ErrTransactionTimeout)
	assert.Equal(t, 1, h.count(t, "SELECT COUNT(*) FROM users"))
}

func TestModelUnknownEntity(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.eng.Model("Ghost")
	assert.ErrorIs(t, err, engineerr.ErrNotFound)
}

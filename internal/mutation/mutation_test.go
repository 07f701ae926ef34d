package mutation

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relengine/internal/dbexec"
	"relengine/internal/engineerr"
	"relengine/internal/filter"
	"relengine/internal/planner"
	"relengine/internal/schema"
	"relengine/internal/testutil"
)

type harness struct {
	db   *sql.DB
	reg  *schema.Registry
	m    *Planner
	exec *testutil.CountingExecutor
}

func newHarness(t *testing.T, opts Options, seed ...string) *harness {
	t.Helper()
	db := testutil.OpenSQLite(t)
	testutil.Exec(t, db, seed...)
	reg := testutil.Registry(t)
	return &harness{
		db:   db,
		reg:  reg,
		m:    New(planner.New(reg, planner.SQLite), opts),
		exec: testutil.NewCountingExecutor(dbexec.NewStandardExecutor(db)),
	}
}

func (h *harness) entity(t *testing.T, name string) *schema.Entity {
	t.Helper()
	e, err := h.reg.Resolve(name)
	require.NoError(t, err)
	return e
}

// run returns a function that executes a freshly planned mutation, so plan
// calls can be passed straight through.
func (h *harness) run(t *testing.T) func(*Plan, error) Result {
	return func(plan *Plan, err error) Result {
		t.Helper()
		require.NoError(t, err)
		res, err := h.m.Execute(context.Background(), h.exec, plan)
		require.NoError(t, err)
		return res
	}
}

func (h *harness) count(t *testing.T, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, h.db.QueryRow(query, args...).Scan(&n))
	return n
}

func issuePaths(t *testing.T, err error) []string {
	t.Helper()
	var verr *engineerr.ValidationError
	require.ErrorAs(t, err, &verr)
	paths := make([]string, len(verr.Issues))
	for i, issue := range verr.Issues {
		paths[i] = issue.Path
	}
	return paths
}

var seed = []string{
	"INSERT INTO colleges (id, name) VALUES (1, 'Tech U')",
	"INSERT INTO users (id, email, age, college_id) VALUES (1, 'a', 30, 1), (2, 'b', 40, 1), (3, 'c', 50, NULL)",
	"INSERT INTO profiles (id, bio, user_id) VALUES (1, 'bio a', 1)",
	"INSERT INTO posts (id, title, author_id) VALUES (1, 'p1', 1), (2, 'p2', 1), (3, 'p3', 2)",
	"INSERT INTO comments (id, body, post_id) VALUES (1, 'c1', 1), (2, 'c2', 1)",
	"INSERT INTO students (id, name) VALUES (1, 'sam'), (2, 'kim')",
	"INSERT INTO mentors (id, expertise_area, student_id) VALUES (1, 'math', 1)",
	"INSERT INTO categories (id, name) VALUES (1, 'tools'), (2, 'toys')",
	"INSERT INTO items (id, name, price, quantity, category_id) VALUES (1, 'saw', 10.5, 2, 1), (2, 'axe', 20, 1, 1), (3, 'ball', 3, 9, 2)",
}

func TestPlanCreateOrdersNestedWrites(t *testing.T) {
	h := newHarness(t, Options{}, seed...)
	user := h.entity(t, "User")

	plan, err := h.m.PlanCreate(user, Data{
		Scalars: map[string]any{"email": "new@example.com"},
		Relations: map[string]Nested{
			"college": {ConnectOrCreate: []ConnectOrCreate{{Where: Unique{"id": 7}, Create: map[string]any{"id": 7, "name": "Arts"}}}},
			"posts": {Create: []Data{
				{
					Scalars:   map[string]any{"title": "first"},
					Relations: map[string]Nested{"comments": {Create: []Data{{Scalars: map[string]any{"body": "hi"}}}}},
				},
				{Scalars: map[string]any{"title": "second"}},
			}},
			"profile": {Create: []Data{{Scalars: map[string]any{"bio": "hello"}}}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"branch College (data.college.connectOrCreate[0])",
		"insert User (data)",
		"insert Post (data.posts.create[0])",
		"insert Comment (data.posts.create[0].comments.create[0])",
		"insert Post (data.posts.create[1])",
		"insert Profile (data.profile.create[0])",
	}, plan.Describe())

	res := h.run(t)(plan, nil)
	id := res.Record["id"]
	assert.Equal(t, int64(4), id)
	assert.Equal(t, "new@example.com", res.Record["email"])
	assert.Equal(t, 1, h.count(t, "SELECT COUNT(*) FROM users WHERE id = ? AND college_id = 7", id))
	assert.Equal(t, 2, h.count(t, "SELECT COUNT(*) FROM posts WHERE author_id = ?", id))
	assert.Equal(t, 1, h.count(t, "SELECT COUNT(*) FROM comments c JOIN posts p ON p.id = c.post_id WHERE p.author_id = ?", id))
	assert.Equal(t, 1, h.count(t, "SELECT COUNT(*) FROM profiles WHERE user_id = ?", id))
}

func TestPlanCreateOwnedRelationRunsFirst(t *testing.T) {
	h := newHarness(t, Options{}, seed...)
	post := h.entity(t, "Post")

	plan, err := h.m.PlanCreate(post, Data{
		Scalars: map[string]any{"title": "by a new author"},
		Relations: map[string]Nested{
			"author": {Create: []Data{{Scalars: map[string]any{"email": "author@example.com"}}}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"insert User (data.author.create[0])",
		"insert Post (data)",
	}, plan.Describe())

	res := h.run(t)(plan, nil)
	assert.Equal(t, 1, h.count(t,
		"SELECT COUNT(*) FROM posts p JOIN users u ON u.id = p.author_id WHERE p.id = ? AND u.email = 'author@example.com'", res.Record["id"]))
}

func TestPlanCreateReportsEveryIssue(t *testing.T) {
	h := newHarness(t, Options{})
	user := h.entity(t, "User")
	post := h.entity(t, "Post")

	_, err := h.m.PlanCreate(user, Data{
		Scalars: map[string]any{"age": "old"},
		Relations: map[string]Nested{
			"posts": {Create: []Data{
				{Scalars: map[string]any{"title": "ok", "nope": 1}},
				{Scalars: map[string]any{"views": Increment(1)}},
			}},
			"profile": {Create: []Data{{}, {}}},
			"ghost":   {Create: []Data{{}}},
		},
	})
	assert.ElementsMatch(t, []string{
		"data.age",
		"data.email",
		"data.posts.create[0].nope",
		"data.posts.create[1].views",
		"data.posts.create[1].title",
		"data.profile.create",
		"data.ghost",
	}, issuePaths(t, err))

	_, err = h.m.PlanCreate(post, Data{
		Scalars: map[string]any{"title": "x", "authorId": 1},
		Relations: map[string]Nested{
			"author":   {Connect: []Unique{{"id": 1}}},
			"comments": {Create: []Data{{Scalars: map[string]any{"body": "b"}, Relations: map[string]Nested{"post": {Connect: []Unique{{"id": 1}}}}}}},
		},
	})
	assert.ElementsMatch(t, []string{"data.author", "data.comments.create[0].post"}, issuePaths(t, err))

	_, err = h.m.PlanCreate(user, Data{
		Scalars:   map[string]any{"email": "x"},
		Relations: map[string]Nested{"college": {Connect: []Unique{{"name": "Tech U"}}}},
	})
	assert.Equal(t, []string{"data.college.connect[0]"}, issuePaths(t, err))
	assert.Empty(t, h.exec.Execs())
}

func TestExecuteIsAtomicInsideTransaction(t *testing.T) {
	h := newHarness(t, Options{}, seed...)
	college := h.entity(t, "College")

	plan, err := h.m.PlanUpdate(college, Unique{"id": 1}, Data{
		Scalars:   map[string]any{"name": "Renamed"},
		Relations: map[string]Nested{"users": {Connect: []Unique{{"email": "nobody"}}}},
	})
	require.NoError(t, err)

	tx, err := h.db.BeginTx(context.Background(), nil)
	require.NoError(t, err)
	_, err = h.m.Execute(context.Background(), dbexec.NewTxExecutor(tx), plan)
	require.ErrorIs(t, err, engineerr.ErrNotFound)
	require.NoError(t, tx.Rollback())

	assert.Equal(t, 1, h.count(t, "SELECT COUNT(*) FROM colleges WHERE name = 'Tech U'"))
}

func TestPlanUpdateNestedWrites(t *testing.T) {
	h := newHarness(t, Options{}, seed...)
	user := h.entity(t, "User")

	res := h.run(t)(h.m.PlanUpdate(user, Unique{"email": "b"}, Data{
		Scalars: map[string]any{"name": "Bee", "age": Increment(2)},
		Relations: map[string]Nested{
			"posts": {
				Update: []NestedUpdate{{Where: Unique{"id": 3}, Scalars: map[string]any{"views": Increment(5)}}},
				Create: []Data{{Scalars: map[string]any{"title": "more"}}},
			},
			"college": {Disconnect: []Unique{{}}},
			"profile": {Create: []Data{{Scalars: map[string]any{"bio": "bio b"}}}},
		},
	}))

	assert.Equal(t, int64(2), res.Record["id"])
	assert.Equal(t, "Bee", res.Record["name"])
	assert.Equal(t, 1, h.count(t, "SELECT COUNT(*) FROM users WHERE id = 2 AND age = 42 AND college_id IS NULL"))
	assert.Equal(t, 1, h.count(t, "SELECT COUNT(*) FROM posts WHERE id = 3 AND views = 5"))
	assert.Equal(t, 2, h.count(t, "SELECT COUNT(*) FROM posts WHERE author_id = 2"))
	assert.Equal(t, 1, h.count(t, "SELECT COUNT(*) FROM profiles WHERE user_id = 2"))
}

func TestPlanUpdateNestedUpdateOutsideRelation(t *testing.T) {
	h := newHarness(t, Options{}, seed...)
	user := h.entity(t, "User")

	plan, err := h.m.PlanUpdate(user, Unique{"id": 2}, Data{Relations: map[string]Nested{
		"posts": {Update: []NestedUpdate{{Where: Unique{"id": 1}, Scalars: map[string]any{"title": "stolen"}}}},
	}})
	require.NoError(t, err)
	_, err = h.m.Execute(context.Background(), h.exec, plan)
	require.ErrorIs(t, err, engineerr.ErrNotFound)
	assert.Equal(t, 1, h.count(t, "SELECT COUNT(*) FROM posts WHERE id = 1 AND title = 'p1'"))
}

func TestPlanUpdateToOneReplace(t *testing.T) {
	h := newHarness(t, Options{}, seed...)
	user := h.entity(t, "User")

	plan, err := h.m.PlanUpdate(user, Unique{"id": 1}, Data{Relations: map[string]Nested{
		"profile": {Create: []Data{{Scalars: map[string]any{"bio": "second"}}}},
	}})
	require.NoError(t, err)
	_, err = h.m.Execute(context.Background(), h.exec, plan)
	var cerr *engineerr.ConstraintError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, engineerr.ConstraintRequiredRelation, cerr.Kind)

	h.run(t)(h.m.PlanUpdate(user, Unique{"id": 1}, Data{Relations: map[string]Nested{
		"profile": {Upsert: &NestedUpsert{Create: map[string]any{"bio": "new"}, Update: map[string]any{"bio": "edited"}}},
	}}))
	assert.Equal(t, 1, h.count(t, "SELECT COUNT(*) FROM profiles WHERE user_id = 1 AND bio = 'edited'"))
}

func TestPlanUpdateSetConnectDisconnect(t *testing.T) {
	h := newHarness(t, Options{}, seed...)
	college := h.entity(t, "College")

	h.run(t)(h.m.PlanUpdate(college, Unique{"id": 1}, Data{Relations: map[string]Nested{
		"users": {Set: []Unique{{"id": 2}, {"email": "c"}}},
	}}))
	assert.Equal(t, 0, h.count(t, "SELECT COUNT(*) FROM users WHERE id = 1 AND college_id IS NOT NULL"))
	assert.Equal(t, 2, h.count(t, "SELECT COUNT(*) FROM users WHERE id IN (2, 3) AND college_id = 1"))

	h.run(t)(h.m.PlanUpdate(college, Unique{"id": 1}, Data{Relations: map[string]Nested{
		"users": {Disconnect: []Unique{{"id": 3}}, Connect: []Unique{{"id": 1}}},
	}}))
	assert.Equal(t, 2, h.count(t, "SELECT COUNT(*) FROM users WHERE id IN (1, 2) AND college_id = 1"))
	assert.Equal(t, 1, h.count(t, "SELECT COUNT(*) FROM users WHERE id = 3 AND college_id IS NULL"))

	h.run(t)(h.m.PlanUpdate(college, Unique{"id": 1}, Data{Relations: map[string]Nested{
		"users": {Set: []Unique{}},
	}}))
	assert.Equal(t, 0, h.count(t, "SELECT COUNT(*) FROM users WHERE college_id IS NOT NULL"))
}

func TestPlanUpdateRejectsDetachingRequiredRelation(t *testing.T) {
	h := newHarness(t, Options{})
	user := h.entity(t, "User")
	post := h.entity(t, "Post")

	_, err := h.m.PlanUpdate(user, Unique{"id": 1}, Data{Relations: map[string]Nested{
		"posts": {Disconnect: []Unique{{"id": 1}}, Set: []Unique{}},
	}})
	assert.ElementsMatch(t, []string{"data.posts.disconnect[0]", "data.posts.set"}, issuePaths(t, err))

	_, err = h.m.PlanUpdate(post, Unique{"id": 1}, Data{Relations: map[string]Nested{
		"author": {Disconnect: []Unique{{}}},
	}})
	assert.Equal(t, []string{"data.author.disconnect"}, issuePaths(t, err))

	_, err = h.m.PlanUpdate(post, Unique{"id": 1}, Data{Scalars: map[string]any{"title": Multiply(2)}})
	assert.Equal(t, []string{"data.title"}, issuePaths(t, err))
}

func TestPlanDeleteRequiredRelation(t *testing.T) {
	h := newHarness(t, Options{}, seed...)
	student := h.entity(t, "Student")

	plan, err := h.m.PlanDelete(student, Unique{"id": 1}, false)
	require.NoError(t, err)
	_, err = h.m.Execute(context.Background(), h.exec, plan)
	var cerr *engineerr.ConstraintError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, engineerr.ConstraintRequiredRelation, cerr.Kind)
	assert.Equal(t, "Student", cerr.Entity)
	assert.Equal(t, "Mentor", cerr.Target)
	assert.Equal(t, 1, h.count(t, "SELECT COUNT(*) FROM students WHERE id = 1"))

	res := h.run(t)(h.m.PlanDelete(student, Unique{"id": 1}, true))
	assert.Equal(t, "sam", res.Record["name"])
	assert.Equal(t, 0, h.count(t, "SELECT COUNT(*) FROM students WHERE id = 1"))
	assert.Equal(t, 0, h.count(t, "SELECT COUNT(*) FROM mentors"))

	res = h.run(t)(h.m.PlanDelete(student, Unique{"id": 2}, false))
	assert.Equal(t, int64(2), res.Record["id"])
}

func TestPlanDeleteCascadesAndDetaches(t *testing.T) {
	h := newHarness(t, Options{}, seed...)
	user := h.entity(t, "User")
	college := h.entity(t, "College")

	h.run(t)(h.m.PlanDelete(user, Unique{"id": 1}, true))
	assert.Equal(t, 0, h.count(t, "SELECT COUNT(*) FROM users WHERE id = 1"))
	assert.Equal(t, 0, h.count(t, "SELECT COUNT(*) FROM profiles"))
	assert.Equal(t, 1, h.count(t, "SELECT COUNT(*) FROM posts"))
	assert.Equal(t, 0, h.count(t, "SELECT COUNT(*) FROM comments"))

	h.run(t)(h.m.PlanDelete(college, Unique{"id": 1}, false))
	assert.Equal(t, 0, h.count(t, "SELECT COUNT(*) FROM users WHERE college_id IS NOT NULL"))
	assert.Equal(t, 2, h.count(t, "SELECT COUNT(*) FROM users"))

	_, err := h.m.Execute(context.Background(), h.exec, mustPlan(t)(h.m.PlanDelete(college, Unique{"id": 1}, false)))
	assert.ErrorIs(t, err, engineerr.ErrNotFound)
}

func TestPlanDeleteManyIsSetOriented(t *testing.T) {
	h := newHarness(t, Options{}, seed...)
	item := h.entity(t, "Item")
	post := h.entity(t, "Post")

	res := h.run(t)(h.m.PlanDeleteMany(item, filter.Eq("categoryId", 1), false))
	assert.Equal(t, int64(2), res.Affected)
	assert.Len(t, h.exec.Execs(), 1)

	h.exec.Reset()
	res = h.run(t)(h.m.PlanDeleteMany(post, filter.Eq("authorId", 1), true))
	assert.Equal(t, int64(2), res.Affected)
	assert.Len(t, h.exec.Execs(), 2, "comments then posts")
	assert.Equal(t, 0, h.count(t, "SELECT COUNT(*) FROM comments"))

	_, err := h.m.PlanDeleteMany(post, filter.Eq("nope", 1), false)
	assert.ErrorIs(t, err, engineerr.ErrInvalidFilter)
}

func TestPlanCreateManySingleStatement(t *testing.T) {
	h := newHarness(t, Options{}, seed...)
	item := h.entity(t, "Item")
	user := h.entity(t, "User")

	res := h.run(t)(h.m.PlanCreateMany(item, []map[string]any{
		{"name": "a", "price": 1, "quantity": 1, "categoryId": 2},
		{"name": "b", "price": 2.5, "quantity": 2, "categoryId": 2},
		{"name": "c", "price": 3, "quantity": 3, "categoryId": 2},
	}, false))
	assert.Equal(t, int64(3), res.Affected)
	assert.Len(t, h.exec.Execs(), 1)

	_, err := h.m.PlanCreateMany(user, []map[string]any{{"email": "x"}, {"email": "y"}, {"email": "x"}}, false)
	assert.Equal(t, []string{"data[2].email"}, issuePaths(t, err))

	h.exec.Reset()
	res = h.run(t)(h.m.PlanCreateMany(user, []map[string]any{{"email": "a"}, {"email": "z"}}, true))
	assert.Equal(t, int64(1), res.Affected)
	assert.Len(t, h.exec.Execs(), 1)
}

func TestPlanUpdateMany(t *testing.T) {
	h := newHarness(t, Options{}, seed...)
	item := h.entity(t, "Item")

	res := h.run(t)(h.m.PlanUpdateMany(item, filter.Eq("categoryId", 1), map[string]any{"quantity": Increment(10)}))
	assert.Equal(t, int64(2), res.Affected)
	assert.Equal(t, 2, h.count(t, "SELECT COUNT(*) FROM items WHERE quantity > 10"))

	_, err := h.m.PlanUpdateMany(item, nil, map[string]any{"name": Increment(1)})
	assert.Equal(t, []string{"data.name"}, issuePaths(t, err))
}

func TestPlanUpsertIsIdempotent(t *testing.T) {
	for _, native := range []bool{false, true} {
		name := "branch"
		if native {
			name = "native"
		}
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, Options{NativeUpsert: native}, seed...)
			user := h.entity(t, "User")
			upsert := func() Result {
				return h.run(t)(h.m.PlanUpsert(user,
					Unique{"email": "u@example.com"},
					map[string]any{"email": "u@example.com", "age": 1},
					map[string]any{"age": Increment(1)},
				))
			}

			first := upsert()
			second := upsert()
			assert.Equal(t, first.Record["id"], second.Record["id"])
			assert.Equal(t, 1, h.count(t, "SELECT COUNT(*) FROM users WHERE email = 'u@example.com'"))
			assert.Equal(t, 1, h.count(t, "SELECT COUNT(*) FROM users WHERE email = 'u@example.com' AND age = 2"))
		})
	}
}

func TestNativeUpsertEligibility(t *testing.T) {
	reg := testutil.Registry(t)
	user, err := reg.Resolve("User")
	require.NoError(t, err)
	category, err := reg.Resolve("Category")
	require.NoError(t, err)

	sqlite := New(planner.New(reg, planner.SQLite), Options{NativeUpsert: true})
	key := map[string]any{"email": "a"}
	assert.True(t, sqlite.nativeUpsert(user, key, map[string]any{"email": "a", "age": int64(1)}, nil))
	assert.False(t, sqlite.nativeUpsert(user, key, map[string]any{"email": "b"}, nil))
	assert.False(t, sqlite.nativeUpsert(user, key, map[string]any{"age": int64(1)}, nil))
	assert.False(t, sqlite.nativeUpsert(user, key, map[string]any{"email": "a"}, []planner.Assignment{{Field: "email", Op: planner.OpSet, Value: "c"}}))
	assert.False(t, New(planner.New(reg, planner.SQLite), Options{}).nativeUpsert(user, key, map[string]any{"email": "a"}, nil))

	mysql := New(planner.New(reg, planner.MySQL), Options{NativeUpsert: true})
	byID := map[string]any{"id": int64(5)}
	assert.False(t, mysql.nativeUpsert(user, byID, map[string]any{"id": int64(5), "email": "b@x"}, nil),
		"a duplicate email would update another row")
	assert.True(t, mysql.nativeUpsert(category, byID, map[string]any{"id": int64(5), "name": "tools"}, nil))
}

func TestTopoSortDetectsCycles(t *testing.T) {
	steps := []*Step{{ID: 0, Deps: []int{1}}, {ID: 1, Deps: []int{0}}}
	_, err := topoSort(steps)
	assert.ErrorContains(t, err, "cycle")

	ordered, err := topoSort([]*Step{{ID: 0, Deps: []int{2}}, {ID: 1}, {ID: 2}})
	require.NoError(t, err)
	ids := make([]int, len(ordered))
	for i, s := range ordered {
		ids[i] = s.ID
	}
	assert.Equal(t, []int{1, 2, 0}, ids)
}

func TestExecuteStopsOnCancelledContext(t *testing.T) {
	h := newHarness(t, Options{}, seed...)
	user := h.entity(t, "User")
	plan, err := h.m.PlanCreate(user, Data{Scalars: map[string]any{"email": "late"}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = h.m.Execute(ctx, h.exec, plan)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, h.exec.Execs())
}

func mustPlan(t *testing.T) func(*Plan, error) *Plan {
	return func(p *Plan, err error) *Plan {
		t.Helper()
		require.NoError(t, err)
		return p
	}
}

func requiredMentorRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	defs := testutil.Definitions()
	for i := range defs {
		if defs[i].Name == "Student" {
			defs[i].Relations[0].Required = true
		}
	}
	reg, err := schema.Register(defs)
	require.NoError(t, err)
	return reg
}

func TestPlanCreateRequiresMandatoryRelation(t *testing.T) {
	h := newHarness(t, Options{}, seed...)
	reg := requiredMentorRegistry(t)
	m := New(planner.New(reg, planner.SQLite), Options{})
	student, err := reg.Resolve("Student")
	require.NoError(t, err)
	mentor, err := reg.Resolve("Mentor")
	require.NoError(t, err)

	_, err = m.PlanCreate(student, Data{Scalars: map[string]any{"name": "solo"}})
	assert.Equal(t, []string{"data.mentor"}, issuePaths(t, err))

	_, err = m.PlanCreateMany(student, []map[string]any{{"name": "a"}, {"name": "b"}}, false)
	assert.Equal(t, []string{"data[0].mentor", "data[1].mentor"}, issuePaths(t, err))

	_, err = m.PlanUpsert(student, Unique{"id": 9}, map[string]any{"id": 9}, nil)
	assert.Equal(t, []string{"create.mentor"}, issuePaths(t, err))
	assert.Empty(t, h.exec.Execs())
	assert.Equal(t, 2, h.count(t, "SELECT COUNT(*) FROM students"))

	res, err := m.Execute(context.Background(), h.exec, mustPlan(t)(m.PlanCreate(student, Data{
		Scalars: map[string]any{"name": "paired"},
		Relations: map[string]Nested{
			"mentor": {Create: []Data{{Scalars: map[string]any{"expertiseArea": "AI"}}}},
		},
	})))
	require.NoError(t, err)
	assert.Equal(t, 1, h.count(t, "SELECT COUNT(*) FROM mentors WHERE student_id = ?", res.Record["id"]))

	_, err = m.PlanCreate(mentor, Data{
		Scalars: map[string]any{"expertiseArea": "ML"},
		Relations: map[string]Nested{
			"student": {Create: []Data{{Scalars: map[string]any{"name": "new"}}}},
		},
	})
	require.NoError(t, err, "the parent write links the student's mentor")
}

func TestPlanCreateRejectsIntegerOverflow(t *testing.T) {
	h := newHarness(t, Options{})
	item := h.entity(t, "Item")

	_, err := h.m.PlanCreate(item, Data{Scalars: map[string]any{"name": "big", "price": 1, "quantity": 1e20, "categoryId": 1}})
	assert.Equal(t, []string{"data.quantity"}, issuePaths(t, err))
	assert.Empty(t, h.exec.Execs())
}

func TestPlanUpdateReportsToOneIssuesInOrder(t *testing.T) {
	h := newHarness(t, Options{}, seed...)
	user := h.entity(t, "User")

	for i := 0; i < 20; i++ {
		_, err := h.m.PlanUpdate(user, Unique{"id": 1}, Data{Relations: map[string]Nested{
			"profile": {
				Connect: []Unique{{"id": 1}, {"id": 2}},
				Delete:  []Unique{{}, {}},
				Update:  []NestedUpdate{{}, {}},
			},
		}})
		assert.Equal(t, []string{
			"data.profile",
			"data.profile.connect",
			"data.profile.delete",
			"data.profile.update",
		}, issuePaths(t, err))
	}
}

func TestPlanCreateRejectsDuplicatesInNestedCreate(t *testing.T) {
	h := newHarness(t, Options{}, seed...)
	college := h.entity(t, "College")

	_, err := h.m.PlanCreate(college, Data{
		Scalars: map[string]any{"name": "Arts"},
		Relations: map[string]Nested{
			"users": {Create: []Data{
				{Scalars: map[string]any{"email": "x@example.com"}},
				{Scalars: map[string]any{"email": "y@example.com"}},
				{Scalars: map[string]any{"email": "x@example.com"}},
			}},
		},
	})
	assert.Equal(t, []string{"data.users.create[2].email"}, issuePaths(t, err))
	assert.Empty(t, h.exec.Execs())
}

func TestPlanDeleteCascadesSelfReference(t *testing.T) {
	h := newHarness(t, Options{})
	testutil.Exec(t, h.db,
		"CREATE TABLE nodes (id INTEGER PRIMARY KEY AUTOINCREMENT, label TEXT NOT NULL, parent_id INTEGER NOT NULL REFERENCES nodes(id))",
		"INSERT INTO nodes (id, label, parent_id) VALUES (1, 'root', 1)",
		"INSERT INTO nodes (id, label, parent_id) VALUES (2, 'a', 1), (4, 'b', 1), (5, 'lone', 5)",
		"INSERT INTO nodes (id, label, parent_id) VALUES (3, 'a1', 2), (6, 'b1', 4)",
		"INSERT INTO nodes (id, label, parent_id) VALUES (7, 'b2', 6)",
		"INSERT INTO nodes (id, label, parent_id) VALUES (8, 'b3', 7)",
	)
	reg, err := schema.Register([]schema.EntityDef{{
		Name: "Node", Table: "nodes", PrimaryKey: []string{"id"},
		Fields: []schema.Field{
			{Name: "id", Kind: schema.KindInt, Default: schema.DefaultAutoIncrement},
			{Name: "label", Kind: schema.KindText},
			{Name: "parentId", Column: "parent_id", Kind: schema.KindInt},
		},
		Relations: []schema.RelationDef{
			{Name: "parent", Target: "Node", Cardinality: schema.ManyToOne, Fields: []string{"parentId"}},
		},
	}})
	require.NoError(t, err)
	node, err := reg.Resolve("Node")
	require.NoError(t, err)
	nodes := func() int { return h.count(t, "SELECT COUNT(*) FROM nodes") }

	shallow := New(planner.New(reg, planner.SQLite), Options{MaxCascadeDepth: 2})
	_, err = shallow.Execute(context.Background(), h.exec, mustPlan(t)(shallow.PlanDelete(node, Unique{"id": 2}, true)))
	require.NoError(t, err)
	assert.Equal(t, 0, h.count(t, "SELECT COUNT(*) FROM nodes WHERE id IN (2, 3)"))
	assert.Equal(t, 6, nodes())

	_, err = shallow.Execute(context.Background(), h.exec, mustPlan(t)(shallow.PlanDelete(node, Unique{"id": 4}, true)))
	var cerr *engineerr.ConstraintError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, engineerr.ConstraintRequiredRelation, cerr.Kind)
	assert.Equal(t, 6, nodes())

	_, err = shallow.Execute(context.Background(), h.exec, mustPlan(t)(shallow.PlanDelete(node, Unique{"id": 5}, false)))
	require.NoError(t, err, "a row referencing itself does not block its own delete")
	assert.Equal(t, 5, nodes())

	deep := New(planner.New(reg, planner.SQLite), Options{MaxCascadeDepth: 8})
	res, err := deep.Execute(context.Background(), h.exec, mustPlan(t)(deep.PlanDeleteMany(node, filter.Eq("id", 1), true)))
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Affected)
	assert.Equal(t, 0, nodes())
}

func TestPlanUpsertConflictOnAnotherUniqueKey(t *testing.T) {
	for _, native := range []bool{false, true} {
		h := newHarness(t, Options{NativeUpsert: native}, seed...)
		user := h.entity(t, "User")

		_, err := h.m.Execute(context.Background(), h.exec, mustPlan(t)(h.m.PlanUpsert(user,
			Unique{"id": 5},
			map[string]any{"id": 5, "email": "b"},
			map[string]any{"age": 99},
		)))
		var cerr *engineerr.ConstraintError
		require.ErrorAs(t, err, &cerr, "native=%v", native)
		assert.Equal(t, engineerr.ConstraintUnique, cerr.Kind)
		assert.Equal(t, 1, h.count(t, "SELECT COUNT(*) FROM users WHERE id = 2 AND age = 40"))
		assert.Equal(t, 0, h.count(t, "SELECT COUNT(*) FROM users WHERE id = 5"))
	}
}

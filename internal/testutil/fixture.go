// Package testutil provides a shared entity graph, a matching SQLite store and
// executor doubles for package tests.
package testutil

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"

	"relengine/internal/dbexec"
	"relengine/internal/logging"
	"relengine/internal/schema"
)

// Definitions returns the entity graph used across package tests:
//
//	College 1-n User 1-n Post 1-n Comment
//	User 1-1 Profile (Profile owns userId)
//	Student 1-1 Mentor (Mentor owns studentId, required)
//	Category 1-n Item
func Definitions() []schema.EntityDef {
	id := schema.Field{Name: "id", Kind: schema.KindInt, Default: schema.DefaultAutoIncrement}
	return []schema.EntityDef{
		{
			Name: "College", Table: "colleges", PrimaryKey: []string{"id"},
			Fields: []schema.Field{id, {Name: "name", Kind: schema.KindText}},
			Relations: []schema.RelationDef{
				{Name: "users", Target: "User", Cardinality: schema.OneToMany},
			},
		},
		{
			Name: "User", Table: "users", PrimaryKey: []string{"id"},
			Fields: []schema.Field{
				id,
				{Name: "email", Kind: schema.KindText},
				{Name: "name", Kind: schema.KindText, Nullable: true},
				{Name: "age", Kind: schema.KindInt, Nullable: true},
				{Name: "score", Kind: schema.KindFloat, Nullable: true},
				{Name: "collegeId", Column: "college_id", Kind: schema.KindInt, Nullable: true},
				{Name: "createdAt", Column: "created_at", Kind: schema.KindTimestamp, Default: schema.DefaultNow},
			},
			Uniques: [][]string{{"email"}},
			Relations: []schema.RelationDef{
				{Name: "college", Target: "College", Cardinality: schema.ManyToOne, Fields: []string{"collegeId"}},
				{Name: "posts", Target: "Post", Cardinality: schema.OneToMany},
				{Name: "profile", Target: "Profile", Cardinality: schema.OneToOne},
			},
		},
		{
			Name: "Profile", Table: "profiles", PrimaryKey: []string{"id"},
			Fields: []schema.Field{
				id,
				{Name: "bio", Kind: schema.KindText, Nullable: true},
				{Name: "userId", Column: "user_id", Kind: schema.KindInt},
			},
			Uniques: [][]string{{"userId"}},
			Relations: []schema.RelationDef{
				{Name: "user", Target: "User", Cardinality: schema.OneToOne, Fields: []string{"userId"}},
			},
		},
		{
			Name: "Post", Table: "posts", PrimaryKey: []string{"id"},
			Fields: []schema.Field{
				id,
				{Name: "title", Kind: schema.KindText},
				{Name: "published", Kind: schema.KindBool, Default: schema.DefaultLiteral, DefaultValue: false},
				{Name: "views", Kind: schema.KindInt, Default: schema.DefaultLiteral, DefaultValue: 0},
				{Name: "authorId", Column: "author_id", Kind: schema.KindInt},
			},
			Relations: []schema.RelationDef{
				{Name: "author", Target: "User", Cardinality: schema.ManyToOne, Fields: []string{"authorId"}},
				{Name: "comments", Target: "Comment", Cardinality: schema.OneToMany},
			},
		},
		{
			Name: "Comment", Table: "comments", PrimaryKey: []string{"id"},
			Fields: []schema.Field{
				id,
				{Name: "body", Kind: schema.KindText},
				{Name: "postId", Column: "post_id", Kind: schema.KindInt},
			},
			Relations: []schema.RelationDef{
				{Name: "post", Target: "Post", Cardinality: schema.ManyToOne, Fields: []string{"postId"}},
			},
		},
		{
			Name: "Student", Table: "students", PrimaryKey: []string{"id"},
			Fields: []schema.Field{id, {Name: "name", Kind: schema.KindText, Nullable: true}},
			Relations: []schema.RelationDef{
				{Name: "mentor", Target: "Mentor", Cardinality: schema.OneToOne},
			},
		},
		{
			Name: "Mentor", Table: "mentors", PrimaryKey: []string{"id"},
			Fields: []schema.Field{
				id,
				{Name: "expertiseArea", Column: "expertise_area", Kind: schema.KindText},
				{Name: "studentId", Column: "student_id", Kind: schema.KindInt},
			},
			Uniques: [][]string{{"studentId"}},
			Relations: []schema.RelationDef{
				{Name: "student", Target: "Student", Cardinality: schema.OneToOne, Fields: []string{"studentId"}},
			},
		},
		{
			Name: "Category", Table: "categories", PrimaryKey: []string{"id"},
			Fields: []schema.Field{id, {Name: "name", Kind: schema.KindText}},
			Relations: []schema.RelationDef{
				{Name: "items", Target: "Item", Cardinality: schema.OneToMany},
			},
		},
		{
			Name: "Item", Table: "items", PrimaryKey: []string{"id"},
			Fields: []schema.Field{
				id,
				{Name: "name", Kind: schema.KindText},
				{Name: "price", Kind: schema.KindFloat},
				{Name: "quantity", Kind: schema.KindInt},
				{Name: "categoryId", Column: "category_id", Kind: schema.KindInt},
			},
			Relations: []schema.RelationDef{
				{Name: "category", Target: "Category", Cardinality: schema.ManyToOne, Fields: []string{"categoryId"}},
			},
		},
	}
}

// DDL creates the tables matching Definitions in SQLite.
const DDL = `
CREATE TABLE colleges (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL
);
CREATE TABLE users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	email TEXT NOT NULL UNIQUE,
	name TEXT,
	age INTEGER,
	score REAL,
	college_id INTEGER REFERENCES colleges(id),
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE profiles (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	bio TEXT,
	user_id INTEGER NOT NULL UNIQUE REFERENCES users(id)
);
CREATE TABLE posts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	title TEXT NOT NULL,
	published BOOLEAN NOT NULL DEFAULT 0,
	views INTEGER NOT NULL DEFAULT 0,
	author_id INTEGER NOT NULL REFERENCES users(id)
);
CREATE TABLE comments (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	body TEXT NOT NULL,
	post_id INTEGER NOT NULL REFERENCES posts(id)
);
CREATE TABLE students (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT
);
CREATE TABLE mentors (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	expertise_area TEXT NOT NULL,
	student_id INTEGER NOT NULL UNIQUE REFERENCES students(id)
);
CREATE TABLE categories (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL
);
CREATE TABLE items (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	price REAL NOT NULL,
	quantity INTEGER NOT NULL,
	category_id INTEGER NOT NULL REFERENCES categories(id)
);
`

// Registry registers Definitions or fails the test.
func Registry(t testing.TB) *schema.Registry {
	t.Helper()
	reg, err := schema.Register(Definitions())
	if err != nil {
		t.Fatalf("register fixture schema: %v", err)
	}
	return reg
}

// OpenSQLite creates a fresh file-backed SQLite store in a temp dir with the
// fixture tables. The handle is closed when the test ends.
func OpenSQLite(t testing.TB) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.db")
	db, err := dbexec.Open(context.Background(), dbexec.OpenConfig{
		Driver:  dbexec.DriverSQLite,
		DSN:     path,
		MaxOpen: 1,
	}, logging.Discard())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := db.Exec(DDL); err != nil {
		t.Fatalf("apply fixture DDL: %v", err)
	}
	return db
}

// Exec runs seed statements or fails the test.
func Exec(t testing.TB, db *sql.DB, statements ...string) {
	t.Helper()
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("exec %q: %v", stmt, err)
		}
	}
}

// CountingExecutor records every statement that passes through it.
type CountingExecutor struct {
	dbexec.QueryExecutor

	mu      sync.Mutex
	queries []string
	execs   []string
}

// NewCountingExecutor wraps next.
func NewCountingExecutor(next dbexec.QueryExecutor) *CountingExecutor {
	return &CountingExecutor{QueryExecutor: next}
}

func (c *CountingExecutor) QueryContext(ctx context.Context, query string, args ...any) (dbexec.Rows, error) {
	c.mu.Lock()
	c.queries = append(c.queries, query)
	c.mu.Unlock()
	return c.QueryExecutor.QueryContext(ctx, query, args...)
}

func (c *CountingExecutor) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	c.mu.Lock()
	c.execs = append(c.execs, query)
	c.mu.Unlock()
	return c.QueryExecutor.ExecContext(ctx, query, args...)
}

// Queries returns the read statements seen so far.
func (c *CountingExecutor) Queries() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.queries...)
}

// Execs returns the write statements seen so far.
func (c *CountingExecutor) Execs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.execs...)
}

// Reset clears the recorded statements.
func (c *CountingExecutor) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries = nil
	c.execs = nil
}

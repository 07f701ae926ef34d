// Package mysqltest provisions throwaway MySQL databases holding the
// testutil fixture tables. Tests using it are skipped unless
// RELENGINE_TEST_MYSQL_HOST and RELENGINE_TEST_MYSQL_USER are set.
package mysqltest

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"

	"relengine/internal/dbexec"
	"relengine/internal/logging"
	"relengine/internal/sqlutil"
)

// TestDB is an isolated database dropped when the test ends.
type TestDB struct {
	DB           *sql.DB
	DatabaseName string
	DSN          string
}

// Config holds the server coordinates read from the environment.
type Config struct {
	Host     string
	Port     string
	User     string
	Password string
	TLSMode  string
}

// DDL creates the tables matching testutil.Definitions in MySQL.
const DDL = `
CREATE TABLE colleges (
	id INT AUTO_INCREMENT PRIMARY KEY,
	name VARCHAR(255) NOT NULL
);
CREATE TABLE users (
	id INT AUTO_INCREMENT PRIMARY KEY,
	email VARCHAR(255) NOT NULL UNIQUE,
	name VARCHAR(255),
	age INT,
	score DOUBLE,
	college_id INT,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	FOREIGN KEY (college_id) REFERENCES colleges(id)
);
CREATE TABLE profiles (
	id INT AUTO_INCREMENT PRIMARY KEY,
	bio TEXT,
	user_id INT NOT NULL UNIQUE,
	FOREIGN KEY (user_id) REFERENCES users(id)
);
CREATE TABLE posts (
	id INT AUTO_INCREMENT PRIMARY KEY,
	title VARCHAR(255) NOT NULL,
	published BOOLEAN NOT NULL DEFAULT FALSE,
	views INT NOT NULL DEFAULT 0,
	author_id INT NOT NULL,
	FOREIGN KEY (author_id) REFERENCES users(id)
);
CREATE TABLE comments (
	id INT AUTO_INCREMENT PRIMARY KEY,
	body TEXT NOT NULL,
	post_id INT NOT NULL,
	FOREIGN KEY (post_id) REFERENCES posts(id)
);
CREATE TABLE students (
	id INT AUTO_INCREMENT PRIMARY KEY,
	name VARCHAR(255)
);
CREATE TABLE mentors (
	id INT AUTO_INCREMENT PRIMARY KEY,
	expertise_area VARCHAR(255) NOT NULL,
	student_id INT NOT NULL UNIQUE,
	FOREIGN KEY (student_id) REFERENCES students(id)
);
CREATE TABLE categories (
	id INT AUTO_INCREMENT PRIMARY KEY,
	name VARCHAR(255) NOT NULL
);
CREATE TABLE items (
	id INT AUTO_INCREMENT PRIMARY KEY,
	name VARCHAR(255) NOT NULL,
	price DOUBLE NOT NULL,
	quantity INT NOT NULL,
	category_id INT NOT NULL,
	FOREIGN KEY (category_id) REFERENCES categories(id)
)
`

// NewTestDB creates a uniquely named database, applies DDL and returns a
// pool connected to it. The database is dropped on cleanup.
func NewTestDB(t *testing.T) *TestDB {
	t.Helper()
	cfg := getTestConfig(t)

	dbName := fmt.Sprintf("relengine_%s_%d", sanitizeName(t.Name()), time.Now().UnixMilli())
	if !isValidDatabaseName(dbName) {
		t.Fatalf("invalid database name generated: %s", dbName)
	}

	admin, err := sql.Open("mysql", buildDSN(cfg, ""))
	if err != nil {
		t.Fatalf("failed to connect to MySQL: %v", err)
	}
	defer admin.Close()
	if _, err := admin.Exec("CREATE DATABASE " + sqlutil.QuoteIdentifier(dbName)); err != nil {
		t.Fatalf("failed to create test database %s: %v", dbName, err)
	}

	dsn := buildDSN(cfg, dbName)
	db, err := dbexec.Open(context.Background(), dbexec.OpenConfig{
		Driver:      dbexec.DriverMySQL,
		DSN:         dsn,
		MaxOpen:     5,
		MaxIdle:     2,
		MaxLifetime: 5 * time.Minute,
	}, logging.Discard())
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	tdb := &TestDB{DB: db, DatabaseName: dbName, DSN: dsn}
	t.Cleanup(func() { tdb.Teardown(t, cfg) })

	for i, stmt := range splitSQL(DDL) {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("failed to execute DDL statement %d: %v\nStatement: %s", i+1, err, stmt)
		}
	}
	return tdb
}

// Teardown drops the test database and closes the pool.
func (tdb *TestDB) Teardown(t *testing.T, cfg Config) {
	t.Helper()
	if tdb.DB != nil {
		if err := tdb.DB.Close(); err != nil {
			t.Logf("warning: failed to close test database connection: %v", err)
		}
	}
	admin, err := sql.Open("mysql", buildDSN(cfg, ""))
	if err != nil {
		t.Logf("warning: failed to reconnect for teardown: %v", err)
		return
	}
	defer admin.Close()
	if _, err := admin.Exec("DROP DATABASE IF EXISTS " + sqlutil.QuoteIdentifier(tdb.DatabaseName)); err != nil {
		t.Logf("warning: failed to drop test database %s: %v", tdb.DatabaseName, err)
	}
}

func getTestConfig(t *testing.T) Config {
	t.Helper()
	cfg := Config{
		Host:     os.Getenv("RELENGINE_TEST_MYSQL_HOST"),
		Port:     os.Getenv("RELENGINE_TEST_MYSQL_PORT"),
		User:     os.Getenv("RELENGINE_TEST_MYSQL_USER"),
		Password: os.Getenv("RELENGINE_TEST_MYSQL_PASSWORD"),
		TLSMode:  os.Getenv("RELENGINE_TEST_MYSQL_TLS"),
	}
	if cfg.Host == "" || cfg.User == "" {
		t.Skip("MySQL not configured. Set RELENGINE_TEST_MYSQL_HOST and RELENGINE_TEST_MYSQL_USER to run MySQL tests")
	}
	if cfg.Port == "" {
		cfg.Port = "3306"
	}
	return cfg
}

func buildDSN(cfg Config, database string) string {
	c := mysql.NewConfig()
	c.User = cfg.User
	c.Passwd = cfg.Password
	c.Net = "tcp"
	c.Addr = net.JoinHostPort(cfg.Host, cfg.Port)
	c.DBName = database
	c.ParseTime = true
	c.TLSConfig = cfg.TLSMode
	return c.FormatDSN()
}

// sanitizeName makes a test name safe for use in a database name.
func sanitizeName(name string) string {
	var b strings.Builder
	for _, ch := range strings.ToLower(name) {
		if (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') {
			b.WriteRune(ch)
		} else {
			b.WriteRune('_')
		}
	}
	s := b.String()
	if len(s) > 30 {
		s = s[:30]
	}
	return s
}

func splitSQL(text string) []string {
	parts := strings.Split(text, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isValidDatabaseName(name string) bool {
	if name == "" || len(name) > 64 {
		return false
	}
	for _, ch := range name {
		if !((ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') || ch == '_') {
			return false
		}
	}
	return true
}

package engineerr

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindsMatchSentinels(t *testing.T) {
	cases := []struct {
		name string
		err  error
		kind error
	}{
		{"schema", &SchemaError{}, ErrSchema},
		{"validation", &ValidationError{}, ErrValidation},
		{"invalid filter", &InvalidFilterError{}, ErrInvalidFilter},
		{"invalid filter is validation", &InvalidFilterError{}, ErrValidation},
		{"not found", &NotFoundError{Kind: "entity", Name: "User"}, ErrNotFound},
		{"constraint", &ConstraintError{Kind: ConstraintUnique}, ErrConstraint},
		{"consistency", &ConsistencyError{}, ErrConsistency},
		{"conflict", &SerializationConflictError{}, ErrSerializationConflict},
		{"timeout", &TransactionTimeoutError{Phase: PhaseSession, Limit: time.Second}, ErrTransactionTimeout},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wrapped := fmt.Errorf("outer: %w", tc.err)
			assert.ErrorIs(t, wrapped, tc.kind)
		})
	}
}

func TestCode(t *testing.T) {
	assert.Equal(t, "CONSTRAINT", Code(fmt.Errorf("create: %w", &ConstraintError{Kind: ConstraintUnique})))
	assert.Equal(t, "INVALID_FILTER", Code(&InvalidFilterError{}))
	assert.Equal(t, "TRANSACTION_TIMEOUT", Code(&TransactionTimeoutError{Err: errors.New("deadline")}))
	assert.Equal(t, "INTERNAL", Code(errors.New("boom")))
}

func TestIssuesAreAllReported(t *testing.T) {
	var issues Issues
	issues.Add("User.email", "must not be null")
	issues.Add("User.age", "expected integer, got %T", "x")

	err := &ValidationError{Entity: "User", Issues: issues}
	assert.Contains(t, err.Error(), "User.email: must not be null")
	assert.Contains(t, err.Error(), "User.age: expected integer, got string")
	assert.Contains(t, err.Error(), "2 issue(s)")
}

func TestNormalizeMySQL(t *testing.T) {
	cases := []struct {
		number uint16
		kind   ConstraintKind
	}{
		{1062, ConstraintUnique},
		{1451, ConstraintForeignKey},
		{1452, ConstraintForeignKey},
		{1048, ConstraintNotNull},
		{1364, ConstraintNotNull},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprint(tc.number), func(t *testing.T) {
			err := Normalize(&mysql.MySQLError{Number: tc.number, Message: "boom"})
			var cerr *ConstraintError
			require.True(t, errors.As(err, &cerr))
			assert.Equal(t, tc.kind, cerr.Kind)
		})
	}

	t.Run("deadlock is retryable", func(t *testing.T) {
		err := Normalize(&mysql.MySQLError{Number: 1213, Message: "deadlock"})
		assert.True(t, Retryable(err))
	})

	t.Run("unknown passes through", func(t *testing.T) {
		orig := &mysql.MySQLError{Number: 1146, Message: "no table"}
		assert.Same(t, orig, Normalize(orig))
	})
}

func TestNormalizeSQLite(t *testing.T) {
	unique := sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique}
	err := Normalize(fmt.Errorf("exec: %w", unique))
	var cerr *ConstraintError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, ConstraintUnique, cerr.Kind)

	fk := sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintForeignKey}
	require.True(t, errors.As(Normalize(fk), &cerr))
	assert.Equal(t, ConstraintForeignKey, cerr.Kind)

	busy := sqlite3.Error{Code: sqlite3.ErrBusy}
	assert.ErrorIs(t, Normalize(busy), ErrSerializationConflict)

	assert.Nil(t, Normalize(nil))
}

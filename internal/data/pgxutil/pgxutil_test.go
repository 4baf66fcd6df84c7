package pgxutil

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryable(t *testing.T) {
	t.Parallel()

	assert.True(t, Retryable(fmt.Errorf("exec: %w", &pgconn.PgError{Code: pgerrcode.SerializationFailure})))
	assert.True(t, Retryable(&pgconn.PgError{Code: pgerrcode.DeadlockDetected}))
	assert.False(t, Retryable(&pgconn.PgError{Code: pgerrcode.UniqueViolation}))
	assert.False(t, Retryable(context.Canceled))
	assert.False(t, Retryable(nil))
}

func TestWithSQLTx_RequiresBody(t *testing.T) {
	t.Parallel()

	err := WithSQLTx(context.Background(), nil, SQLTxConfig{})
	require.EqualError(t, err, "transaction body is required")
}

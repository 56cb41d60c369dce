package db

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyFrom_EmptyRows(t *testing.T) {
	n, err := CopyFrom(context.TODO(), nil, "dead_letters", []string{"a", "b"}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestCopyFrom_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"dead_letters"}, []string{"run_id", "item_ref"}).WillReturnResult(3)

	rows := [][]any{{"r1", "item-1"}, {"r1", "item-2"}, {"r1", "item-3"}}
	n, err := CopyFrom(context.Background(), mock, "dead_letters", []string{"run_id", "item_ref"}, rows)
	assert.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyFrom_Error(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"dead_letters"}, []string{"run_id", "item_ref"}).WillReturnError(fmt.Errorf("copy failed"))

	rows := [][]any{{"r1", "item-1"}}
	_, err = CopyFrom(context.Background(), mock, "dead_letters", []string{"run_id", "item_ref"}, rows)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY INTO dead_letters")
	assert.NoError(t, mock.ExpectationsWereMet())
}

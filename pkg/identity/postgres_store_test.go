package identity

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresFindBinding(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"id", "user_id", "permission_level", "display_name"}).
		AddRow("bind-1", "user-42", "operator", "Ops")
	mock.ExpectQuery("SELECT id, user_id, permission_level").
		WithArgs("telegram", "tg-99").
		WillReturnRows(rows)

	store := NewPostgresBindingStore(db)
	b, err := store.FindBinding(context.Background(), PlatformTelegram, "tg-99")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, "user-42", b.InternalUserID)
	assert.Equal(t, LevelOperator, b.Level)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresFindBindingNoRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT id, user_id, permission_level").
		WithArgs("line", "line-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "permission_level", "display_name"}))

	store := NewPostgresBindingStore(db)
	b, err := store.FindBinding(context.Background(), PlatformLine, "line-1")
	require.NoError(t, err)
	assert.Nil(t, b)
}

func TestPostgresFindBindingQueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT id, user_id, permission_level").
		WillReturnError(errors.New("relation does not exist"))

	store := NewPostgresBindingStore(db)
	_, err = store.FindBinding(context.Background(), PlatformTelegram, "tg-1")
	assert.Error(t, err)
}

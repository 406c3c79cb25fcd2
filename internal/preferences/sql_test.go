package preferences

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupSQLStore(t *testing.T) *SQLStore {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	store, err := NewSQLStore(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLStore_SetGet(t *testing.T) {
	store := setupSQLStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, DarkModeKey, "true"))
	v, err := store.Get(ctx, DarkModeKey)
	require.NoError(t, err)
	assert.Equal(t, "true", v)
}

func TestSQLStore_SetOverwrites(t *testing.T) {
	store := setupSQLStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, HistoryKey, `["a"]`))
	require.NoError(t, store.Set(ctx, HistoryKey, `["b","a"]`))

	v, err := store.Get(ctx, HistoryKey)
	require.NoError(t, err)
	assert.Equal(t, `["b","a"]`, v)

	var count int64
	require.NoError(t, store.db.Model(&PreferenceModel{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestSQLStore_GetMissing(t *testing.T) {
	store := setupSQLStore(t)

	_, err := store.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLStore_Delete(t *testing.T) {
	store := setupSQLStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, HistoryKey, `["a"]`))
	require.NoError(t, store.Delete(ctx, HistoryKey))

	_, err := store.Get(ctx, HistoryKey)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, store.Delete(ctx, HistoryKey))
}

func TestPreferences_OverSQLStore(t *testing.T) {
	p := New(setupSQLStore(t))
	ctx := context.Background()

	require.NoError(t, p.SetDarkMode(ctx, true))
	_, err := p.AddToHistory(ctx, "Казань")
	require.NoError(t, err)
	_, err = p.AddToHistory(ctx, "spb")
	require.NoError(t, err)

	on, err := p.DarkMode(ctx)
	require.NoError(t, err)
	assert.True(t, on)

	history, err := p.History(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"spb", "Казань"}, history)
}

func TestOpen_Drivers(t *testing.T) {
	store, err := Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Set(context.Background(), "k", "v"))

	_, err = Open("mysql", "whatever")
	assert.Error(t, err)
}

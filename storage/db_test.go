package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemDBRoundTrip(t *testing.T) {
	db := NewMemDB()
	require.NoError(t, db.Put([]byte("a"), []byte("1")))

	value, err := db.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), value)

	ok, err := db.Has([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, db.Delete([]byte("a")))
	_, err = db.Get([]byte("a"))
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestMemDBCopiesValues(t *testing.T) {
	db := NewMemDB()
	payload := []byte("payload")
	require.NoError(t, db.Put([]byte("k"), payload))
	payload[0] = 'x'

	value, err := db.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), value)

	value[1] = 'y'
	again, err := db.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), again)
}

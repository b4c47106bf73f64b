package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStorePutGetRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put(WaitingRoomStoreKey, []byte(`{"entries":{}}`)))

	value, ok, err := s.Get(WaitingRoomStoreKey)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, `{"entries":{}}`, string(value))
}

func TestStoreGetMissingKeyIsNotAnError(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	value, ok, err := s.Get(SessionStoreKey)
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, value)
}

func TestStoreDeleteIsIdempotent(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put(AnnouncementsStoreKey, []byte("x")))
	require.NoError(t, s.Delete(AnnouncementsStoreKey))
	require.NoError(t, s.Delete(AnnouncementsStoreKey))

	_, ok, err := s.Get(AnnouncementsStoreKey)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStoreCompressesLargeValues(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	repeated := make([]byte, 64*1024)
	for i := range repeated {
		repeated[i] = 'a'
	}
	require.NoError(t, s.Put("big", repeated))

	value, ok, err := s.Get("big")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, repeated, value)
}

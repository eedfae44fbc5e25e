package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"border/pkg/dec112"
)

var received = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testMessage(id int) *dec112.Message {
	alt := 312.5
	return &dec112.Message{
		ReceivedAt: received,
		Origin:     dec112.OriginRemote,
		MessageID:  id,
		Texts:      []string{"help", "fire"},
		Locations:  []dec112.Location{{Latitude: 48.2, Longitude: 16.37, Altitude: &alt, Method: "GPS"}},
		Data:       []dec112.DataRecord{{"name": "Jane Doe", "tel": "+43123"}, {"notes": "asthma"}},
	}
}

func storeSuite(t *testing.T, open func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("open and lookup", func(t *testing.T) {
		s := open(t)
		opened, err := s.OpenCall(ctx, dec112.OriginRemote, NewCall{
			CallID:    "4711",
			CallIDAlt: "alt-1",
			DeviceID:  "abc",
			CallerURI: "sip:caller@example.com",
			CallerID:  "+4366412345",
			CalledURI: "sip:chat@border.example",
			Service:   "chat",
			IsTest:    true,
		}, "raw message", testMessage(1))
		require.NoError(t, err)
		assert.Equal(t, "4711", opened.CallID)
		assert.Positive(t, opened.StorageID)

		reply := dec112.NewTextMessage(dec112.OriginLocal, 1, "we are coming", received.Add(time.Second))
		require.NoError(t, s.StoreEntry(ctx, dec112.OriginLocal, opened.StorageID, "raw reply", reply))

		rec, err := s.GetCallByCallID(ctx, "4711", "chat")
		require.NoError(t, err)
		assert.Equal(t, "alt-1", rec.CallIDAlt)
		assert.Equal(t, "abc", rec.DeviceID)
		assert.Equal(t, "+4366412345", rec.CallerID)
		assert.Equal(t, "sip:caller@example.com", rec.CallerURI)
		assert.True(t, rec.IsTest)
		require.Equal(t, 2, rec.Length)
		require.Len(t, rec.Chat, 2)

		first := rec.Chat[0]
		assert.Equal(t, dec112.OriginRemote, first.Origin)
		assert.Equal(t, 1, first.MessageID)
		assert.Equal(t, []string{"help", "fire"}, first.Texts)
		require.Len(t, first.Locations, 1)
		assert.InDelta(t, 48.2, first.Locations[0].Latitude, 1e-9)
		require.NotNil(t, first.Locations[0].Altitude)
		assert.InDelta(t, 312.5, *first.Locations[0].Altitude, 1e-9)
		assert.Nil(t, first.Locations[0].Radius)
		assert.Equal(t, []dec112.DataRecord{{"name": "Jane Doe", "tel": "+43123"}, {"notes": "asthma"}}, first.Data)
		assert.True(t, first.CreatedAt.Equal(received))

		second := rec.Chat[1]
		assert.Equal(t, dec112.OriginLocal, second.Origin)
		assert.Equal(t, []string{"we are coming"}, second.Texts)
		assert.Empty(t, second.Locations)

		byAlt, err := s.GetCallByAltID(ctx, "alt-1", "chat")
		require.NoError(t, err)
		assert.Equal(t, "4711", byAlt.CallID)
	})

	t.Run("service scoping", func(t *testing.T) {
		s := open(t)
		_, err := s.OpenCall(ctx, dec112.OriginRemote, NewCall{CallID: "4711", Service: "chat"}, "", testMessage(1))
		require.NoError(t, err)

		_, err = s.GetCallByCallID(ctx, "4711", "other")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetCallByCallID(ctx, "unknown", "chat")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetCallByAltID(ctx, "", "chat")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("latest call wins", func(t *testing.T) {
		s := open(t)
		_, err := s.OpenCall(ctx, dec112.OriginRemote, NewCall{CallID: "4711", DeviceID: "old", Service: "chat"}, "", testMessage(1))
		require.NoError(t, err)
		_, err = s.OpenCall(ctx, dec112.OriginRemote, NewCall{CallID: "4711", DeviceID: "new", Service: "chat"}, "", testMessage(1))
		require.NoError(t, err)

		rec, err := s.GetCallByCallID(ctx, "4711", "chat")
		require.NoError(t, err)
		assert.Equal(t, "new", rec.DeviceID)
		assert.Len(t, rec.Chat, 1)
	})

	t.Run("nil message and empty id", func(t *testing.T) {
		s := open(t)
		_, err := s.OpenCall(ctx, dec112.OriginRemote, NewCall{Service: "chat"}, "", nil)
		assert.ErrorIs(t, err, ErrInvalidKey)

		opened, err := s.OpenCall(ctx, dec112.OriginRemote, NewCall{CallID: "4712", Service: "chat"}, "", nil)
		require.NoError(t, err)
		rec, err := s.GetCallByCallID(ctx, "4712", "chat")
		require.NoError(t, err)
		require.Len(t, rec.Chat, 1)
		assert.Empty(t, rec.Chat[0].Texts)
		assert.NoError(t, s.Ping(ctx))
		assert.Equal(t, opened.StorageID, rec.StorageID)
	})
}

func TestMemoryStorage(t *testing.T) {
	storeSuite(t, func(t *testing.T) Store {
		s, err := NewMemoryStorage(MemoryConfig{}, zaptest.NewLogger(t))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestSQLiteStorage(t *testing.T) {
	storeSuite(t, func(t *testing.T) Store {
		s, err := OpenSQL(context.Background(), SQLConfig{
			Driver: DriverSQLite,
			DSN:    filepath.Join(t.TempDir(), "border.db"),
		}, zaptest.NewLogger(t))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestOpenSQLRejectsUnknownDriver(t *testing.T) {
	_, err := OpenSQL(context.Background(), SQLConfig{Driver: "oracle", DSN: "x"}, zaptest.NewLogger(t))
	assert.Error(t, err)
	_, err = OpenSQL(context.Background(), SQLConfig{Driver: DriverSQLite}, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestRebind(t *testing.T) {
	pg := &SQLStore{driver: DriverPostgres}
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2", pg.rebind("SELECT a FROM t WHERE x = ? AND y = ?"))
	lite := &SQLStore{driver: DriverSQLite}
	assert.Equal(t, "x = ?", lite.rebind("x = ?"))
}

func TestMemorySnapshot(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "snapshot", "calls.json")

	s, err := NewMemoryStorage(MemoryConfig{PersistPath: path}, zaptest.NewLogger(t))
	require.NoError(t, err)
	_, err = s.OpenCall(ctx, dec112.OriginRemote, NewCall{CallID: "a", CallIDAlt: "alt-a", Service: "chat"}, "raw", testMessage(1))
	require.NoError(t, err)
	_, err = s.OpenCall(ctx, dec112.OriginRemote, NewCall{CallID: "b", Service: "chat"}, "raw", testMessage(1))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Ping(ctx), ErrClosed)
	_, err = s.OpenCall(ctx, dec112.OriginRemote, NewCall{CallID: "c", Service: "chat"}, "", nil)
	assert.ErrorIs(t, err, ErrClosed)

	restored, err := NewMemoryStorage(MemoryConfig{PersistPath: path}, zaptest.NewLogger(t))
	require.NoError(t, err)
	rec, err := restored.GetCallByAltID(ctx, "alt-a", "chat")
	require.NoError(t, err)
	assert.Equal(t, "a", rec.CallID)
	assert.Equal(t, []string{"help", "fire"}, rec.Chat[0].Texts)

	opened, err := restored.OpenCall(ctx, dec112.OriginRemote, NewCall{CallID: "c", Service: "chat"}, "", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), opened.StorageID)
}

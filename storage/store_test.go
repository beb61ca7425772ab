package storage_test

import (
  "testing"
  "time"

  "github.com/robertof/go-gattkit/storage"
  "github.com/stretchr/testify/assert"
  "github.com/stretchr/testify/require"
)

const testMac = "AA:BB:CC:00:01:02"

func openStore(t *testing.T) *storage.Store {
  t.Helper()

  store, err := storage.Open(":memory:")
  require.NoError(t, err)

  t.Cleanup(func() {
    store.Close()
  })

  return store
}

func TestDisconnectIntentRoundTrip(t *testing.T) {
  store := openStore(t)

  intent, err := store.LoadLastDisconnect(testMac)
  require.NoError(t, err)
  assert.Equal(t, "", intent)

  require.NoError(t, store.SaveLastDisconnect(testMac, "Unintentional"))
  require.NoError(t, store.SaveLastDisconnect(testMac, "Intentional"))

  intent, err = store.LoadLastDisconnect(testMac)
  require.NoError(t, err)
  assert.Equal(t, "Intentional", intent)
}

func TestNameOverrideRoundTrip(t *testing.T) {
  store := openStore(t)

  require.NoError(t, store.SaveName(testMac, "kitchen-sensor"))

  name, err := store.LoadName(testMac)
  require.NoError(t, err)
  assert.Equal(t, "kitchen-sensor", name)

  // name override and disconnect intent share a row without clobbering each
  // other.
  require.NoError(t, store.SaveLastDisconnect(testMac, "Intentional"))

  name, err = store.LoadName(testMac)
  require.NoError(t, err)
  assert.Equal(t, "kitchen-sensor", name)
}

func TestHistoricalDataAppendAndCursor(t *testing.T) {
  store := openStore(t)

  base := time.Unix(1700000000, 0)
  char := "0000fff2-0000-1000-8000-00805f9b34fb"

  for i := 0; i < 5; i += 1 {
    require.NoError(t, store.AppendHistoricalData(
      testMac, char, base.Add(time.Duration(i) * time.Second), []byte{byte(i)}))
  }

  store.Flush()

  cursor, err := store.HistoricalData(testMac, char)
  require.NoError(t, err)

  defer cursor.Close()

  var got []byte

  for cursor.Next() {
    ts, value := cursor.Value()

    require.Len(t, value, 1)
    assert.Equal(t, base.Add(time.Duration(value[0]) * time.Second).UnixNano(), ts.UnixNano())

    got = append(got, value[0])
  }

  require.NoError(t, cursor.Err())
  assert.Equal(t, []byte{0, 1, 2, 3, 4}, got)
}

type sliceCursor struct {
  entries [][]byte
  base time.Time
  pos int
}

func (c *sliceCursor) Next() bool {
  c.pos += 1

  return c.pos <= len(c.entries)
}

func (c *sliceCursor) Value() (time.Time, []byte) {
  return c.base.Add(time.Duration(c.pos) * time.Second), c.entries[c.pos-1]
}

func (c *sliceCursor) Err() error { return nil }
func (c *sliceCursor) Close() error { return nil }

func TestBulkAddStreamsCursor(t *testing.T) {
  store := openStore(t)

  char := "fff1"
  src := &sliceCursor{
    entries: [][]byte{{0x01}, {0x02}, {0x03}},
    base: time.Unix(1700000000, 0),
  }

  count, err := store.BulkAddHistoricalData(testMac, char, src)
  require.NoError(t, err)
  assert.Equal(t, 3, count)

  cursor, err := store.HistoricalData(testMac, char)
  require.NoError(t, err)

  defer cursor.Close()

  read := 0

  for cursor.Next() {
    read += 1
  }

  assert.Equal(t, 3, read)
}

func TestHistoricalDataIsolatedPerTarget(t *testing.T) {
  store := openStore(t)

  require.NoError(t, store.AppendHistoricalData(testMac, "fff1", time.Now(), []byte{1}))
  require.NoError(t, store.AppendHistoricalData(testMac, "fff2", time.Now(), []byte{2}))
  require.NoError(t, store.AppendHistoricalData("AA:BB:CC:00:01:03", "fff1", time.Now(), []byte{3}))

  store.Flush()

  cursor, err := store.HistoricalData(testMac, "fff1")
  require.NoError(t, err)

  defer cursor.Close()

  count := 0

  for cursor.Next() {
    _, value := cursor.Value()
    assert.Equal(t, []byte{1}, value)
    count += 1
  }

  assert.Equal(t, 1, count)
}

func TestAppendAfterCloseFails(t *testing.T) {
  store, err := storage.Open(":memory:")
  require.NoError(t, err)
  require.NoError(t, store.Close())

  err = store.AppendHistoricalData(testMac, "fff1", time.Now(), []byte{1})
  assert.ErrorIs(t, err, storage.ErrClosed)
}

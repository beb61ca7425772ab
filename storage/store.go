// Package storage is the sqlite-backed persistence capability: per-device
// metadata (last disconnect intent, name overrides) and historical
// characteristic data keyed by (mac, char_uuid).
//
// Appends are batched on a background writer so the BLE update worker never
// waits on disk; reads open cursors that stream rows without materialising
// the whole history.
package storage

import (
  "database/sql"
  "sync"
  "time"

  _ "github.com/mattn/go-sqlite3"
  "github.com/pkg/errors"
  "github.com/robertof/go-gattkit/central"
  "github.com/rs/zerolog/log"
  "golang.org/x/sync/errgroup"
)

const (
  appendQueueSize = 256
  flushBatchSize = 64
  flushInterval = 250 * time.Millisecond
)

var ErrClosed = errors.New("store is closed")

const schema = `
CREATE TABLE IF NOT EXISTS device_meta (
  mac TEXT PRIMARY KEY,
  last_disconnect_intent TEXT NOT NULL DEFAULT '',
  override_name TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS historical_data (
  mac TEXT NOT NULL,
  char_uuid TEXT NOT NULL,
  ts INTEGER NOT NULL,
  value BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS historical_data_by_target
  ON historical_data (mac, char_uuid, ts);
`

type appendEntry struct {
  mac string
  charUuid string
  ts time.Time
  value []byte
}

type Store struct {
  db *sql.DB

  mu sync.Mutex
  closed bool

  appendCh chan appendEntry
  flushCh chan chan struct{}
  eg errgroup.Group
}

// Open opens (and migrates) the sqlite database at path. ":memory:" works for
// tests.
func Open(path string) (*Store, error) {
  db, err := sql.Open("sqlite3", path)

  if err != nil {
    return nil, errors.Wrap(err, "failed to open database")
  }

  // the sqlite driver serialises writes per connection; a single connection
  // avoids SQLITE_BUSY between the writer and cursors.
  db.SetMaxOpenConns(1)

  if _, err := db.Exec(schema); err != nil {
    db.Close()
    return nil, errors.Wrap(err, "failed to apply schema")
  }

  s := &Store{
    db: db,
    appendCh: make(chan appendEntry, appendQueueSize),
    flushCh: make(chan chan struct{}),
  }

  s.eg.Go(s.writerLoop)

  return s, nil
}

// Close flushes pending appends and closes the database.
func (s *Store) Close() error {
  s.mu.Lock()
  if s.closed {
    s.mu.Unlock()
    return nil
  }

  s.closed = true
  s.mu.Unlock()

  close(s.appendCh)

  err := s.eg.Wait()

  if dbErr := s.db.Close(); err == nil {
    err = dbErr
  }

  return err
}

// writerLoop drains the append queue, committing batches either when they
// fill up or when the flush interval elapses.
func (s *Store) writerLoop() error {
  batch := make([]appendEntry, 0, flushBatchSize)
  ticker := time.NewTicker(flushInterval)
  defer ticker.Stop()

  flush := func() {
    if len(batch) == 0 {
      return
    }

    if err := s.commitBatch(batch); err != nil {
      log.Error().Err(err).Int("Entries", len(batch)).
        Msg("storage: failed to flush historical data batch")
    }

    batch = batch[:0]
  }

  for {
    select {
    case entry, ok := <-s.appendCh:
      if !ok {
        flush()
        return nil
      }

      batch = append(batch, entry)

      if len(batch) >= flushBatchSize {
        flush()
      }
    case reply := <-s.flushCh:
      // drain whatever is already queued before acknowledging.
      for {
        select {
        case entry, ok := <-s.appendCh:
          if ok {
            batch = append(batch, entry)
            continue
          }
        default:
        }

        break
      }

      flush()
      close(reply)
    case <-ticker.C:
      flush()
    }
  }
}

func (s *Store) commitBatch(batch []appendEntry) error {
  tx, err := s.db.Begin()

  if err != nil {
    return errors.Wrap(err, "failed to begin batch transaction")
  }

  stmt, err := tx.Prepare(
    "INSERT INTO historical_data (mac, char_uuid, ts, value) VALUES (?, ?, ?, ?)")

  if err != nil {
    tx.Rollback()
    return errors.Wrap(err, "failed to prepare insert")
  }

  for _, entry := range batch {
    if _, err := stmt.Exec(entry.mac, entry.charUuid,
        entry.ts.UnixNano(), entry.value); err != nil {
      stmt.Close()
      tx.Rollback()
      return errors.Wrap(err, "failed to insert entry")
    }
  }

  stmt.Close()

  return errors.Wrap(tx.Commit(), "failed to commit batch")
}

// Flush blocks until everything appended so far is committed.
func (s *Store) Flush() {
  s.mu.Lock()
  closed := s.closed
  s.mu.Unlock()

  if closed {
    return
  }

  reply := make(chan struct{})
  s.flushCh <- reply
  <-reply
}

// --- device metadata ---------------------------------------------------------

func (s *Store) SaveLastDisconnect(mac string, intent string) error {
  _, err := s.db.Exec(`
    INSERT INTO device_meta (mac, last_disconnect_intent) VALUES (?, ?)
    ON CONFLICT (mac) DO UPDATE SET last_disconnect_intent = excluded.last_disconnect_intent`,
    mac, intent)

  return errors.Wrap(err, "failed to save disconnect intent")
}

func (s *Store) LoadLastDisconnect(mac string) (string, error) {
  var intent string

  err := s.db.QueryRow(
    "SELECT last_disconnect_intent FROM device_meta WHERE mac = ?", mac).Scan(&intent)

  if err == sql.ErrNoRows {
    return "", nil
  }

  return intent, errors.Wrap(err, "failed to load disconnect intent")
}

func (s *Store) SaveName(mac string, name string) error {
  _, err := s.db.Exec(`
    INSERT INTO device_meta (mac, override_name) VALUES (?, ?)
    ON CONFLICT (mac) DO UPDATE SET override_name = excluded.override_name`,
    mac, name)

  return errors.Wrap(err, "failed to save name override")
}

func (s *Store) LoadName(mac string) (string, error) {
  var name string

  err := s.db.QueryRow(
    "SELECT override_name FROM device_meta WHERE mac = ?", mac).Scan(&name)

  if err == sql.ErrNoRows {
    return "", nil
  }

  return name, errors.Wrap(err, "failed to load name override")
}

// --- historical data ---------------------------------------------------------

// AppendHistoricalData enqueues one entry for the background writer.
func (s *Store) AppendHistoricalData(mac string, charUuid string,
    ts time.Time, value []byte) error {
  s.mu.Lock()
  closed := s.closed
  s.mu.Unlock()

  if closed {
    return ErrClosed
  }

  if value == nil {
    value = []byte{}
  }

  s.appendCh <- appendEntry{
    mac: mac,
    charUuid: charUuid,
    ts: ts,
    value: value,
  }

  return nil
}

// BulkAddHistoricalData streams the cursor into one transaction. Returns the
// number of entries written.
func (s *Store) BulkAddHistoricalData(mac string, charUuid string,
    cursor central.HistoricalCursor) (int, error) {
  tx, err := s.db.Begin()

  if err != nil {
    return 0, errors.Wrap(err, "failed to begin bulk transaction")
  }

  stmt, err := tx.Prepare(
    "INSERT INTO historical_data (mac, char_uuid, ts, value) VALUES (?, ?, ?, ?)")

  if err != nil {
    tx.Rollback()
    return 0, errors.Wrap(err, "failed to prepare bulk insert")
  }

  defer stmt.Close()

  count := 0

  for cursor.Next() {
    ts, value := cursor.Value()

    if _, err := stmt.Exec(mac, charUuid, ts.UnixNano(), value); err != nil {
      tx.Rollback()
      return count, errors.Wrap(err, "failed to insert bulk entry")
    }

    count += 1
  }

  if err := cursor.Err(); err != nil {
    tx.Rollback()
    return count, errors.Wrap(err, "cursor failed during bulk add")
  }

  return count, errors.Wrap(tx.Commit(), "failed to commit bulk add")
}

// HistoricalData opens a cursor over the persisted history for the target,
// oldest first.
func (s *Store) HistoricalData(mac string, charUuid string) (central.HistoricalCursor, error) {
  rows, err := s.db.Query(`
    SELECT ts, value FROM historical_data
    WHERE mac = ? AND char_uuid = ?
    ORDER BY ts ASC`, mac, charUuid)

  if err != nil {
    return nil, errors.Wrap(err, "failed to query historical data")
  }

  return &rowCursor{rows: rows}, nil
}

type rowCursor struct {
  rows *sql.Rows
  ts int64
  value []byte
  err error
}

func (c *rowCursor) Next() bool {
  if !c.rows.Next() {
    return false
  }

  if err := c.rows.Scan(&c.ts, &c.value); err != nil {
    c.err = err
    return false
  }

  return true
}

func (c *rowCursor) Value() (time.Time, []byte) {
  return time.Unix(0, c.ts), c.value
}

func (c *rowCursor) Err() error {
  if c.err != nil {
    return c.err
  }

  return c.rows.Err()
}

func (c *rowCursor) Close() error {
  return c.rows.Close()
}

var _ central.DiskStore = (*Store)(nil)

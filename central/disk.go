package central

import "time"

// HistoricalCursor walks persisted characteristic history without
// materialising the whole set.
type HistoricalCursor interface {
  Next() bool
  Value() (ts time.Time, data []byte)
  Err() error
  Close() error
}

// DiskStore is the persistence capability the core consumes, keyed by MAC.
// It is optional; without one, manage_last_disconnect_on_disk and friends are
// inert. Implementations may perform I/O on their own executors but must not
// call back into the core.
type DiskStore interface {
  SaveLastDisconnect(mac string, intent string) error
  LoadLastDisconnect(mac string) (intent string, err error)

  SaveName(mac string, name string) error
  LoadName(mac string) (name string, err error)

  AppendHistoricalData(mac string, charUuid string, ts time.Time, data []byte) error
  // BulkAddHistoricalData streams entries from the cursor into the store.
  BulkAddHistoricalData(mac string, charUuid string, cursor HistoricalCursor) (int, error)
  HistoricalData(mac string, charUuid string) (HistoricalCursor, error)
}

// Package adv decodes raw BLE advertising payloads (AD structures per the
// Supplement to the Bluetooth Core Specification, Part A) into a ScanRecord.
// The decoder is pure and does not depend on any transport.
package adv

import (
  "encoding/binary"

  "github.com/go-ble/ble"
  "github.com/pkg/errors"
)

var ErrMalformed = errors.New("malformed advertising data")

// AD structure types we care about.
const (
  typeFlags = 0x01
  typeSomeUUID16 = 0x02
  typeAllUUID16 = 0x03
  typeSomeUUID32 = 0x04
  typeAllUUID32 = 0x05
  typeSomeUUID128 = 0x06
  typeAllUUID128 = 0x07
  typeShortName = 0x08
  typeCompleteName = 0x09
  typeTxPower = 0x0a
  typeServiceData16 = 0x16
  typeServiceData32 = 0x20
  typeServiceData128 = 0x21
  typeManufacturerData = 0xff
)

type ServiceData struct {
  UUID ble.UUID
  Data []byte
}

// ScanRecord is the parsed form of a raw advertising payload plus the raw
// bytes it was parsed from.
type ScanRecord struct {
  Raw []byte

  Flags byte
  HasFlags bool

  LocalName string
  ShortName bool

  TxPower int
  HasTxPower bool

  Services []ble.UUID

  ManufacturerId uint16
  ManufacturerData []byte
  HasManufacturerData bool

  ServiceData []ServiceData
}

// Parse decodes a raw advertising payload. Unknown AD types are skipped.
// A structure that overruns the payload aborts the parse with ErrMalformed;
// everything decoded up to that point is still returned.
func Parse(raw []byte) (ScanRecord, error) {
  record := ScanRecord{
    Raw: raw,
  }

  b := raw

  for len(b) > 0 {
    length := int(b[0])

    if length == 0 {
      // early terminator, the remainder is padding.
      break
    }

    if len(b) < 1 + length {
      return record, errors.Wrapf(ErrMalformed,
        "AD structure of length %d overruns payload (%d bytes left)", length, len(b) - 1)
    }

    typ := b[1]
    data := b[2 : 1 + length]

    if err := record.parseField(typ, data); err != nil {
      return record, err
    }

    b = b[1 + length:]
  }

  return record, nil
}

func (r *ScanRecord) parseField(typ byte, data []byte) error {
  switch typ {
  case typeFlags:
    if len(data) < 1 {
      return errors.Wrap(ErrMalformed, "empty flags structure")
    }

    r.Flags = data[0]
    r.HasFlags = true
  case typeShortName:
    // a complete name wins over a shortened one.
    if r.LocalName == "" || r.ShortName {
      r.LocalName = string(data)
      r.ShortName = true
    }
  case typeCompleteName:
    r.LocalName = string(data)
    r.ShortName = false
  case typeTxPower:
    if len(data) < 1 {
      return errors.Wrap(ErrMalformed, "empty tx power structure")
    }

    r.TxPower = int(int8(data[0]))
    r.HasTxPower = true
  case typeSomeUUID16, typeAllUUID16:
    return r.parseUuidList(data, 2)
  case typeSomeUUID32, typeAllUUID32:
    return r.parseUuidList(data, 4)
  case typeSomeUUID128, typeAllUUID128:
    return r.parseUuidList(data, 16)
  case typeServiceData16:
    return r.parseServiceData(data, 2)
  case typeServiceData32:
    return r.parseServiceData(data, 4)
  case typeServiceData128:
    return r.parseServiceData(data, 16)
  case typeManufacturerData:
    if len(data) < 2 {
      return errors.Wrap(ErrMalformed, "manufacturer data misses company identifier")
    }

    r.ManufacturerId = binary.LittleEndian.Uint16(data)
    r.ManufacturerData = data[2:]
    r.HasManufacturerData = true
  }

  return nil
}

func (r *ScanRecord) parseUuidList(data []byte, width int) error {
  if len(data) % width != 0 {
    return errors.Wrapf(ErrMalformed,
      "uuid list length %d is not a multiple of %d", len(data), width)
  }

  for i := 0; i < len(data); i += width {
    r.Services = append(r.Services, ble.UUID(data[i : i + width]))
  }

  return nil
}

func (r *ScanRecord) parseServiceData(data []byte, width int) error {
  if len(data) < width {
    return errors.Wrapf(ErrMalformed,
      "service data structure shorter than its %d-byte uuid", width)
  }

  r.ServiceData = append(r.ServiceData, ServiceData{
    UUID: ble.UUID(data[:width]),
    Data: data[width:],
  })

  return nil
}

// AdvertisesService reports whether the record advertises the given service.
func (r *ScanRecord) AdvertisesService(u ble.UUID) bool {
  for _, svc := range r.Services {
    if svc.Equal(u) {
      return true
    }
  }

  return false
}

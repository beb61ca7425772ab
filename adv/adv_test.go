package adv_test

import (
  "testing"

  "github.com/go-ble/ble"
  "github.com/robertof/go-gattkit/adv"
  "github.com/stretchr/testify/assert"
  "github.com/stretchr/testify/require"
)

func TestParseTypicalAdvertisement(t *testing.T) {
  raw := []byte{
    0x02, 0x01, 0x06, // flags: LE general discoverable, no BR/EDR
    0x03, 0x03, 0x0f, 0x18, // complete 16-bit uuids: 0x180f (battery)
    0x09, 0x09, 'g', 'a', 't', 't', 'k', 'i', 't', '0', // complete name
    0x02, 0x0a, 0xf4, // tx power: -12 dBm
  }

  record, err := adv.Parse(raw)

  require.NoError(t, err)

  assert.True(t, record.HasFlags)
  assert.EqualValues(t, 0x06, record.Flags)

  assert.Equal(t, "gattkit0", record.LocalName)
  assert.False(t, record.ShortName)

  require.True(t, record.HasTxPower)
  assert.Equal(t, -12, record.TxPower)

  require.Len(t, record.Services, 1)
  assert.True(t, record.Services[0].Equal(ble.UUID16(0x180f)))
  assert.True(t, record.AdvertisesService(ble.UUID16(0x180f)))
  assert.False(t, record.AdvertisesService(ble.UUID16(0x180d)))

  assert.Equal(t, raw, record.Raw)
}

func TestParseManufacturerData(t *testing.T) {
  raw := []byte{
    0x06, 0xff, 0x4c, 0x00, 0xca, 0xfe, 0x01, // mfg data, company 0x004c
  }

  record, err := adv.Parse(raw)

  require.NoError(t, err)

  require.True(t, record.HasManufacturerData)
  assert.EqualValues(t, 0x004c, record.ManufacturerId)
  assert.Equal(t, []byte{0xca, 0xfe, 0x01}, record.ManufacturerData)
}

func TestParseServiceData(t *testing.T) {
  raw := []byte{
    0x05, 0x16, 0x0f, 0x18, 0x64, 0x00, // service data for 0x180f: 100%, pad
  }

  record, err := adv.Parse(raw)

  require.NoError(t, err)
  require.Len(t, record.ServiceData, 1)

  assert.True(t, record.ServiceData[0].UUID.Equal(ble.UUID16(0x180f)))
  assert.Equal(t, []byte{0x64, 0x00}, record.ServiceData[0].Data)
}

func TestParseShortNameYieldsToCompleteName(t *testing.T) {
  raw := []byte{
    0x04, 0x08, 'g', 'k', '0', // shortened name
    0x09, 0x09, 'g', 'a', 't', 't', 'k', 'i', 't', '0', // complete name
  }

  record, err := adv.Parse(raw)

  require.NoError(t, err)
  assert.Equal(t, "gattkit0", record.LocalName)
  assert.False(t, record.ShortName)

  // and in the opposite order, the complete name still wins.
  raw = []byte{
    0x09, 0x09, 'g', 'a', 't', 't', 'k', 'i', 't', '0',
    0x04, 0x08, 'g', 'k', '0',
  }

  record, err = adv.Parse(raw)

  require.NoError(t, err)
  assert.Equal(t, "gattkit0", record.LocalName)
}

func TestParse128BitServiceUuid(t *testing.T) {
  raw := []byte{
    0x11, 0x07,
    0xfb, 0x34, 0x9b, 0x5f, 0x80, 0x00, 0x00, 0x80,
    0x00, 0x10, 0x00, 0x00, 0x0d, 0x18, 0x00, 0x00,
  }

  record, err := adv.Parse(raw)

  require.NoError(t, err)
  require.Len(t, record.Services, 1)
  assert.Len(t, record.Services[0], 16)
}

func TestParseZeroLengthTerminator(t *testing.T) {
  raw := []byte{
    0x02, 0x01, 0x06,
    0x00, // terminator; everything after is padding
    0xde, 0xad, 0xbe, 0xef,
  }

  record, err := adv.Parse(raw)

  require.NoError(t, err)
  assert.True(t, record.HasFlags)
}

func TestParseTruncatedStructure(t *testing.T) {
  raw := []byte{
    0x02, 0x01, 0x06,
    0x10, 0x09, 'x', // claims 16 bytes, delivers 2
  }

  record, err := adv.Parse(raw)

  require.ErrorIs(t, err, adv.ErrMalformed)

  // everything decoded before the bad structure is preserved.
  assert.True(t, record.HasFlags)
}

func TestParseEmptyPayload(t *testing.T) {
  record, err := adv.Parse(nil)

  require.NoError(t, err)
  assert.False(t, record.HasFlags)
  assert.Empty(t, record.Services)
}

//go:build linux

package stack

import (
  "context"
  "encoding/binary"
  "strings"
  "sync"

  "github.com/go-ble/ble"
  "github.com/go-ble/ble/linux"
  "github.com/go-ble/ble/linux/hci/cmd"
  "github.com/pkg/errors"
  "github.com/robertof/go-gattkit/adv"
  "github.com/robertof/go-gattkit/utils"
  "github.com/rs/zerolog/log"
)

// GobleAdapter implements Adapter over the go-ble HCI transport. Every
// asynchronous call runs the blocking go-ble primitive on its own goroutine
// and resolves through the sink; bonding, adapter power and crash-resolver
// flushes are delegated to the optional BlueZ support (the raw HCI socket has
// no SMP surface).
type GobleAdapter struct {
  dev *linux.Device
  bluez *BluezSupport

  mu sync.Mutex
  sink Sink
  state AdapterState
  scanCancel context.CancelFunc

  clients map[Mac]*gobleClient
}

type gobleClient struct {
  client ble.Client
  profile *ble.Profile
  // resolved characteristic handles by Target.Key.
  chars map[string]*ble.Characteristic
  descs map[string]*ble.Descriptor
}

type GobleOptions struct {
  // HCI device id (hci0 = 0).
  DeviceId int
  ActiveScan bool
  // Bluez enables bonding/power/crash-resolver support over D-Bus.
  Bluez *BluezSupport
}

func NewGobleAdapter(opts GobleOptions) (*GobleAdapter, error) {
  scanType := uint8(0x00)

  if opts.ActiveScan {
    scanType = 0x01
  }

  log.Debug().
    Int("DeviceID", opts.DeviceId).
    Bool("ActiveScan", opts.ActiveScan).
    Msg("stack: initializing go-ble adapter")

  dev, err := linux.NewDevice(
    ble.OptDeviceID(opts.DeviceId),
    ble.OptScanParams(cmd.LESetScanParameters{
      LEScanType:           scanType, // 0x00: passive, 0x01: active
      LEScanInterval:       0x0004,   // 0x0004 - 0x4000; N * 0.625msec
      LEScanWindow:         0x0004,   // 0x0004 - 0x4000; N * 0.625msec
      OwnAddressType:       0x00,     // public
      ScanningFilterPolicy: 0x00,     // accept all; allow-listing is done per scan
    }),
  )

  if err != nil {
    return nil, errors.Wrap(err, "failed to init bluetooth device")
  }

  ble.SetDefaultDevice(dev)

  return &GobleAdapter{
    dev: dev,
    bluez: opts.Bluez,
    state: AdapterOn,
    clients: make(map[Mac]*gobleClient),
  }, nil
}

func (a *GobleAdapter) SetSink(s Sink) {
  a.mu.Lock()
  defer a.mu.Unlock()

  a.sink = s
}

func (a *GobleAdapter) emit(e Event) {
  a.mu.Lock()
  sink := a.sink
  a.mu.Unlock()

  if sink != nil {
    sink.OnStackEvent(e)
  }
}

func (a *GobleAdapter) State() AdapterState {
  a.mu.Lock()
  defer a.mu.Unlock()

  return a.state
}

func (a *GobleAdapter) SetPower(on bool) {
  go func() {
    var err error

    if a.bluez != nil {
      err = a.bluez.SetPowered(on)
    } else if !on {
      err = a.dev.Stop()
    }

    if err != nil {
      log.Error().Err(err).Bool("On", on).Msg("stack: failed to toggle adapter power")
      return
    }

    next := AdapterOff

    if on {
      next = AdapterOn
    }

    a.mu.Lock()
    a.state = next
    a.mu.Unlock()

    a.emit(Event{Kind: EvtAdapterState, Adapter: next})
  }()
}

// --- scanning ----------------------------------------------------------------

func (a *GobleAdapter) StartScan(p ScanParams) error {
  a.mu.Lock()

  if a.scanCancel != nil {
    // idempotent: a scan is already running.
    a.mu.Unlock()
    return nil
  }

  ctx, cancel := context.WithCancel(context.Background())

  if p.Duration > 0 {
    ctx, cancel = context.WithTimeout(context.Background(), p.Duration)
  }

  a.scanCancel = cancel
  a.mu.Unlock()

  allow := make(map[Mac]bool, len(p.AllowList))

  for _, mac := range p.AllowList {
    allow[mac] = true
  }

  go func() {
    err := a.dev.Scan(ctx, true, func(ad ble.Advertisement) {
      mac, err := ParseMac(ad.Addr().String())

      if err != nil {
        return
      }

      if len(allow) > 0 && !allow[mac] {
        return
      }

      a.emit(Event{
        Kind: EvtAdvertisement,
        Mac: mac,
        Record: recordFromAdvertisement(ad),
        Rssi: ad.RSSI(),
      })
    })

    if err != nil && !errors.Is(err, context.Canceled) &&
        !errors.Is(err, context.DeadlineExceeded) {
      log.Error().Err(err).Msg("stack: scan terminated with error")
    }

    a.mu.Lock()
    a.scanCancel = nil
    a.mu.Unlock()
  }()

  return nil
}

func (a *GobleAdapter) StopScan() {
  a.mu.Lock()
  cancel := a.scanCancel
  a.scanCancel = nil
  a.mu.Unlock()

  if cancel != nil {
    cancel()
  }
}

// recordFromAdvertisement reassembles a ScanRecord from the fields go-ble
// already parsed out of the air.
func recordFromAdvertisement(ad ble.Advertisement) *adv.ScanRecord {
  record := &adv.ScanRecord{
    LocalName: ad.LocalName(),
    Services: ad.Services(),
  }

  if mfg := ad.ManufacturerData(); len(mfg) >= 2 {
    record.ManufacturerId = binary.LittleEndian.Uint16(mfg)
    record.ManufacturerData = mfg[2:]
    record.HasManufacturerData = true
  }

  if tx := ad.TxPowerLevel(); tx != 0 {
    record.TxPower = tx
    record.HasTxPower = true
  }

  for _, sd := range ad.ServiceData() {
    record.ServiceData = append(record.ServiceData, adv.ServiceData{
      UUID: sd.UUID,
      Data: sd.Data,
    })
  }

  return record
}

// --- connections -------------------------------------------------------------

func (a *GobleAdapter) Connect(mac Mac, autoConnect bool) {
  go func() {
    // auto-connect has no direct analogue on a raw HCI socket; a dial without
    // deadline comes closest (the central keeps trying until the task layer
    // gives up).
    client, err := ble.Dial(context.Background(), ble.NewAddr(strings.ToLower(string(mac))))

    if err != nil {
      log.Debug().Err(err).Stringer("Mac", mac).Msg("stack: connect failed")

      a.emit(Event{Kind: EvtConnectFailed, Mac: mac, Status: GattError133})
      return
    }

    a.mu.Lock()
    a.clients[mac] = &gobleClient{
      client: client,
      chars: make(map[string]*ble.Characteristic),
      descs: make(map[string]*ble.Descriptor),
    }
    a.mu.Unlock()

    // watchdog translating the transport-level close into a disconnect event.
    go func() {
      <-client.Disconnected()

      a.mu.Lock()
      delete(a.clients, mac)
      a.mu.Unlock()

      a.emit(Event{Kind: EvtDisconnected, Mac: mac})
    }()

    a.emit(Event{Kind: EvtConnected, Mac: mac})
  }()
}

func (a *GobleAdapter) Disconnect(mac Mac) {
  a.mu.Lock()
  c := a.clients[mac]
  a.mu.Unlock()

  if c == nil {
    // nothing to tear down; report the link as already gone.
    a.emit(Event{Kind: EvtDisconnected, Mac: mac})
    return
  }

  go func() {
    if err := c.client.CancelConnection(); err != nil {
      log.Warn().Err(err).Stringer("Mac", mac).Msg("stack: disconnect failed")
    }
    // the Disconnected() watchdog emits the event.
  }()
}

func (a *GobleAdapter) client(mac Mac) *gobleClient {
  a.mu.Lock()
  defer a.mu.Unlock()

  return a.clients[mac]
}

func (a *GobleAdapter) DiscoverServices(mac Mac) {
  c := a.client(mac)

  if c == nil {
    a.emit(Event{Kind: EvtServicesDiscovered, Mac: mac, Status: GattError133})
    return
  }

  go func() {
    profile, err := c.client.DiscoverProfile(true)

    if err != nil {
      log.Debug().Err(err).Stringer("Mac", mac).Msg("stack: service discovery failed")

      a.emit(Event{Kind: EvtServicesDiscovered, Mac: mac, Status: GattError133})
      return
    }

    a.mu.Lock()
    c.profile = profile
    c.chars = make(map[string]*ble.Characteristic)
    c.descs = make(map[string]*ble.Descriptor)

    var services []Service

    for _, svc := range profile.Services {
      out := Service{UUID: svc.UUID}

      for _, char := range svc.Characteristics {
        outChar := Characteristic{
          UUID: char.UUID,
          Properties: Property(char.Property),
        }

        for _, desc := range char.Descriptors {
          outChar.Descriptors = append(outChar.Descriptors, Descriptor{UUID: desc.UUID})

          key := Target{Service: svc.UUID, Char: char.UUID, Descriptor: desc.UUID}.Key()
          c.descs[key] = desc
        }

        key := Target{Service: svc.UUID, Char: char.UUID}.Key()
        c.chars[key] = char

        out.Characteristics = append(out.Characteristics, outChar)
      }

      services = append(services, out)
    }
    a.mu.Unlock()

    a.emit(Event{Kind: EvtServicesDiscovered, Mac: mac, Services: services})
  }()
}

// findChar resolves a target against the discovered profile, tolerating a
// missing service component.
func (c *gobleClient) findChar(a *GobleAdapter, t Target) *ble.Characteristic {
  a.mu.Lock()
  defer a.mu.Unlock()

  if char, ok := c.chars[Target{Service: t.Service, Char: t.Char}.Key()]; ok {
    return char
  }

  if c.profile == nil {
    return nil
  }

  for _, svc := range c.profile.Services {
    for _, char := range svc.Characteristics {
      if char.UUID.Equal(t.Char) {
        return char
      }
    }
  }

  return nil
}

func (c *gobleClient) findDesc(a *GobleAdapter, t Target) *ble.Descriptor {
  a.mu.Lock()
  defer a.mu.Unlock()

  if desc, ok := c.descs[t.Key()]; ok {
    return desc
  }

  if c.profile == nil {
    return nil
  }

  for _, svc := range c.profile.Services {
    for _, char := range svc.Characteristics {
      if !char.UUID.Equal(t.Char) {
        continue
      }

      for _, desc := range char.Descriptors {
        if desc.UUID.Equal(t.Descriptor) {
          return desc
        }
      }
    }
  }

  return nil
}

// runGatt wraps the common shape of every GATT call: resolve the client, run
// the blocking primitive off-thread, emit exactly one completion.
func (a *GobleAdapter) runGatt(mac Mac, kind EventKind, t Target,
    fn func(c *gobleClient) (Event, error)) {
  c := a.client(mac)

  if c == nil {
    a.emit(Event{Kind: kind, Mac: mac, Target: t, Status: GattError133})
    return
  }

  go func() {
    e, err := fn(c)

    e.Kind = kind
    e.Mac = mac
    e.Target = t

    if err != nil {
      log.Debug().
        Err(err).
        Stringer("Mac", mac).
        Stringer("Kind", kind).
        Msg("stack: gatt call failed")

      if e.Status == GattSuccess {
        e.Status = GattError133
      }
    }

    a.emit(e)
  }()
}

func (a *GobleAdapter) ReadCharacteristic(mac Mac, t Target) {
  a.runGatt(mac, EvtCharacteristicRead, t, func(c *gobleClient) (Event, error) {
    char := c.findChar(a, t)

    if char == nil {
      return Event{Status: GattError133}, errors.New("characteristic not found")
    }

    value, err := c.client.ReadCharacteristic(char)

    return Event{Value: value}, err
  })
}

func (a *GobleAdapter) WriteCharacteristic(mac Mac, t Target, value []byte, wt WriteType) {
  a.runGatt(mac, EvtCharacteristicWritten, t, func(c *gobleClient) (Event, error) {
    char := c.findChar(a, t)

    if char == nil {
      return Event{Status: GattError133}, errors.New("characteristic not found")
    }

    return Event{}, c.client.WriteCharacteristic(char, value, wt == WriteWithoutResponse)
  })
}

func (a *GobleAdapter) ReadDescriptor(mac Mac, t Target) {
  a.runGatt(mac, EvtDescriptorRead, t, func(c *gobleClient) (Event, error) {
    desc := c.findDesc(a, t)

    if desc == nil {
      return Event{Status: GattError133}, errors.New("descriptor not found")
    }

    value, err := c.client.ReadDescriptor(desc)

    return Event{Value: value}, err
  })
}

func (a *GobleAdapter) WriteDescriptor(mac Mac, t Target, value []byte) {
  a.runGatt(mac, EvtDescriptorWritten, t, func(c *gobleClient) (Event, error) {
    desc := c.findDesc(a, t)

    if desc == nil {
      return Event{Status: GattError133}, errors.New("descriptor not found")
    }

    return Event{}, c.client.WriteDescriptor(desc, value)
  })
}

func (a *GobleAdapter) SetNotify(mac Mac, t Target, enabled bool) {
  a.runGatt(mac, EvtNotifyState, t, func(c *gobleClient) (Event, error) {
    char := c.findChar(a, t)

    if char == nil {
      return Event{Status: GattError133}, errors.New("characteristic not found")
    }

    indication := Property(char.Property) & PropertyIndicate != 0 &&
      Property(char.Property) & PropertyNotify == 0

    if !enabled {
      return Event{NotifyEnabled: false}, c.client.Unsubscribe(char, indication)
    }

    kind := EvtNotification

    if indication {
      kind = EvtIndication
    }

    err := c.client.Subscribe(char, indication, func(data []byte) {
      value := make([]byte, len(data))
      copy(value, data)

      a.emit(Event{Kind: kind, Mac: mac, Target: t, Value: value})
    })

    return Event{NotifyEnabled: true}, err
  })
}

func (a *GobleAdapter) ReadRssi(mac Mac) {
  a.runGatt(mac, EvtRssi, Target{}, func(c *gobleClient) (Event, error) {
    return Event{Rssi: c.client.ReadRSSI()}, nil
  })
}

func (a *GobleAdapter) RequestMtu(mac Mac, mtu int) {
  a.runGatt(mac, EvtMtu, Target{}, func(c *gobleClient) (Event, error) {
    negotiated, err := c.client.ExchangeMTU(mtu)

    return Event{Mtu: negotiated}, err
  })
}

func (a *GobleAdapter) RequestConnectionPriority(mac Mac, p ConnectionPriority) {
  // the raw HCI transport exposes no connection-parameter update from the
  // host side; report the request as unsupported.
  a.emit(Event{Kind: EvtConnectionPriority, Mac: mac, Status: GattStatus(1)})
}

func (a *GobleAdapter) SetPhy(mac Mac, tx, rx Phy, opts PhyOptions) {
  a.emit(Event{Kind: EvtPhy, Mac: mac, Status: GattStatus(1)})
}

func (a *GobleAdapter) ReadPhy(mac Mac) {
  // Bluetooth 4.x HCI socket: always 1M.
  a.emit(Event{Kind: EvtPhy, Mac: mac, TxPhy: Phy1M, RxPhy: Phy1M})
}

func (a *GobleAdapter) BeginReliableWrite(mac Mac) {
  a.emit(Event{Kind: EvtReliableWriteBegun, Mac: mac, Status: GattStatus(1)})
}

func (a *GobleAdapter) ExecuteReliableWrite(mac Mac) {
  a.emit(Event{Kind: EvtReliableWriteExecuted, Mac: mac, Status: GattStatus(1)})
}

func (a *GobleAdapter) AbortReliableWrite(mac Mac) {
  a.emit(Event{Kind: EvtReliableWriteAborted, Mac: mac, Status: GattStatus(1)})
}

// --- bonding & crash recovery (BlueZ) ---------------------------------------

func (a *GobleAdapter) CreateBond(mac Mac) {
  if a.bluez == nil {
    a.emit(Event{Kind: EvtBondState, Mac: mac, Bond: BondNone, Status: GattStatus(1)})
    return
  }

  go func() {
    a.emit(Event{Kind: EvtBondState, Mac: mac, Bond: Bonding})

    if err := a.bluez.Pair(mac); err != nil {
      if utils.ErrorIsAnyOf(err, ErrAlreadyBonded) {
        a.emit(Event{Kind: EvtBondState, Mac: mac, Bond: Bonded})
        return
      }

      log.Warn().Err(err).Stringer("Mac", mac).Msg("stack: pairing failed")

      a.emit(Event{Kind: EvtBondState, Mac: mac, Bond: BondNone, Status: GattStatus(1)})
      return
    }

    a.emit(Event{Kind: EvtBondState, Mac: mac, Bond: Bonded})
  }()
}

func (a *GobleAdapter) RemoveBond(mac Mac) {
  if a.bluez == nil {
    a.emit(Event{Kind: EvtBondState, Mac: mac, Bond: BondNone})
    return
  }

  go func() {
    if err := a.bluez.RemoveDevice(mac); err != nil {
      log.Warn().Err(err).Stringer("Mac", mac).Msg("stack: unbond failed")
    }

    a.emit(Event{Kind: EvtBondState, Mac: mac, Bond: BondNone})
  }()
}

func (a *GobleAdapter) ForceCrashResolverFlush() {
  go func() {
    if a.bluez != nil {
      if err := a.bluez.PowerCycle(); err != nil {
        log.Error().Err(err).Msg("stack: crash resolver flush failed")
      }
    }

    a.emit(Event{Kind: EvtCrashResolved})
  }()
}

// Stop tears the HCI device down.
func (a *GobleAdapter) Stop() {
  a.StopScan()
  a.dev.Stop()
}

var _ Adapter = (*GobleAdapter)(nil)

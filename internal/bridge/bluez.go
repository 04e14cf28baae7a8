package bridge

import (
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/prop"
	"go.uber.org/zap"

	"github.com/fieldbeacon/fieldbeacon/internal/meshtastic"
)

// Meshtastic GATT UUIDs, fixed by the protocol. Stock client apps look
// these up verbatim.
const (
	MeshtasticServiceUUID   = "6ba1b218-15a8-461f-9fa8-5dcae273eafd"
	MeshtasticToRadioUUID   = "f75c76d2-129e-4dad-a1dd-7866124401e7" // write
	MeshtasticFromRadioUUID = "2c55e69e-4993-11ed-b878-0242ac120002" // read (polled)
	MeshtasticFromNumUUID   = "ed9da18c-a800-4f66-a670-aa7547e34453" // notify counter
)

// BlueZ DBus constants.
const (
	bluezBus            = "org.bluez"
	bluezGattManager    = "org.bluez.GattManager1"
	bluezGattService    = "org.bluez.GattService1"
	bluezGattChar       = "org.bluez.GattCharacteristic1"
	bluezAdvManager     = "org.bluez.LEAdvertisingManager1"
	bluezAdvertisement  = "org.bluez.LEAdvertisement1"
	dbusProperties      = "org.freedesktop.DBus.Properties"
	dbusObjectManager   = "org.freedesktop.DBus.ObjectManager"
	appRootPath         = dbus.ObjectPath("/com/fieldbeacon/bridge")
	advPath             = dbus.ObjectPath("/com/fieldbeacon/bridge/advertisement0")
)

// gattChar is one exported characteristic. notifying is atomic because
// StartNotify/StopNotify run on the D-Bus goroutine while the device
// loop reads it when pushing notifications.
type gattChar struct {
	path    dbus.ObjectPath
	uuid    string
	service dbus.ObjectPath
	flags   []string
	read    func(connID string) []byte
	write   func(connID string, data []byte) error

	server    *BlueZServer
	notifying atomic.Bool
}

// BlueZServer exposes the bridge service and the Meshtastic emulation
// service as a GATT peripheral via BlueZ.
type BlueZServer struct {
	conn    *dbus.Conn
	adapter string
	name    string
	svc     *Service
	session *meshtastic.Session
	log     *zap.Logger

	chars    map[dbus.ObjectPath]*gattChar
	services map[dbus.ObjectPath]string // path → UUID

	mu   sync.Mutex
	seen map[string]bool // device paths already registered with the service
}

// NewBlueZServer builds the peripheral. Call Start to register with the
// adapter.
func NewBlueZServer(adapter, name string, svc *Service, session *meshtastic.Session, log *zap.Logger) *BlueZServer {
	return &BlueZServer{
		adapter:  adapter,
		name:     name,
		svc:      svc,
		session:  session,
		log:      log,
		chars:    make(map[dbus.ObjectPath]*gattChar),
		services: make(map[dbus.ObjectPath]string),
		seen:     make(map[string]bool),
	}
}

// Start connects to the system bus, exports the GATT tree, registers
// the application, and begins advertising.
func (b *BlueZServer) Start() error {
	adapter, err := sanitizeAdapterName(b.adapter)
	if err != nil {
		return err
	}
	b.adapter = adapter

	conn, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("bridge: system dbus: %w", err)
	}
	b.conn = conn

	b.buildTree()
	if err := b.export(); err != nil {
		return err
	}

	adapterPath := dbus.ObjectPath("/org/bluez/" + b.adapter)
	mgr := conn.Object(bluezBus, adapterPath)
	call := mgr.Call(bluezGattManager+".RegisterApplication", 0, appRootPath, map[string]dbus.Variant{})
	if call.Err != nil {
		return fmt.Errorf("bridge: register application: %w", call.Err)
	}

	if err := b.advertise(adapterPath); err != nil {
		// Advertising failure degrades discovery, not the service.
		b.log.Warn("bridge: advertising unavailable", zap.Error(err))
	}

	b.log.Info("bridge: GATT services registered",
		zap.String("adapter", b.adapter),
		zap.Int("characteristics", len(b.chars)),
	)
	return nil
}

// Stop unregisters the application.
func (b *BlueZServer) Stop() {
	if b.conn == nil {
		return
	}
	adapterPath := dbus.ObjectPath("/org/bluez/" + b.adapter)
	mgr := b.conn.Object(bluezBus, adapterPath)
	mgr.Call(bluezGattManager+".UnregisterApplication", 0, appRootPath)
	mgr.Call(bluezAdvManager+".UnregisterAdvertisement", 0, advPath)
	// The system bus connection is shared; never close it.
	b.conn = nil
}

// NotifyFromNum pushes the Meshtastic counter characteristic. Wired as
// the session's from-num handler.
func (b *BlueZServer) NotifyFromNum(n uint32) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, n)
	b.notifyChar(MeshtasticFromNumUUID, buf)
}

// Notify pushes a value change on a bridge characteristic. Wired as the
// Service's Notifier for every connection.
func (b *BlueZServer) Notify(charUUID string, data []byte) {
	b.notifyChar(charUUID, data)
}

// ── tree construction ─────────────────────────────────────────────────────

func (b *BlueZServer) buildTree() {
	bridgeSvc := appRootPath + "/service0"
	b.services[bridgeSvc] = ServiceUUID
	b.addChar(bridgeSvc, 0, IncidentTxUUID, []string{"write"}, nil, b.svc.WriteIncident)
	b.addChar(bridgeSvc, 1, MeshRxUUID, []string{"notify"}, nil, nil)
	b.addChar(bridgeSvc, 2, StatusUUID, []string{"read", "notify"},
		func(string) []byte { return b.svc.ReadStatus() }, nil)
	b.addChar(bridgeSvc, 3, ConfigUUID, []string{"read", "write"},
		func(string) []byte { return b.svc.ReadConfig() },
		func(_ string, data []byte) error { return b.svc.WriteConfig(data) })
	b.addChar(bridgeSvc, 4, MediaUUID, []string{"write"}, nil, b.svc.WriteMedia)

	meshSvc := appRootPath + "/service1"
	b.services[meshSvc] = MeshtasticServiceUUID
	b.addChar(meshSvc, 0, MeshtasticToRadioUUID, []string{"write"},
		nil, func(_ string, data []byte) error { return b.session.HandleWrite(data) })
	b.addChar(meshSvc, 1, MeshtasticFromRadioUUID, []string{"read"},
		func(string) []byte { return b.session.NextRead() }, nil)
	b.addChar(meshSvc, 2, MeshtasticFromNumUUID, []string{"read", "notify"},
		func(string) []byte {
			buf := make([]byte, 4)
			binary.LittleEndian.PutUint32(buf, b.session.FromNum())
			return buf
		}, nil)
}

func (b *BlueZServer) addChar(
	service dbus.ObjectPath,
	index int,
	uuid string,
	flags []string,
	read func(connID string) []byte,
	write func(connID string, data []byte) error,
) {
	path := dbus.ObjectPath(fmt.Sprintf("%s/char%d", service, index))
	b.chars[path] = &gattChar{
		path:    path,
		uuid:    uuid,
		service: service,
		flags:   flags,
		read:    read,
		write:   write,
		server:  b,
	}
}

// ── DBus export ───────────────────────────────────────────────────────────

func (b *BlueZServer) export() error {
	if err := b.conn.Export(b, appRootPath, dbusObjectManager); err != nil {
		return fmt.Errorf("bridge: export object manager: %w", err)
	}

	for path, uuid := range b.services {
		props := map[string]map[string]*prop.Prop{
			bluezGattService: {
				"UUID":    {Value: uuid, Emit: prop.EmitTrue},
				"Primary": {Value: true, Emit: prop.EmitTrue},
			},
		}
		if _, err := prop.Export(b.conn, path, props); err != nil {
			return fmt.Errorf("bridge: export service props: %w", err)
		}
	}

	for path, ch := range b.chars {
		if err := b.conn.Export(ch, path, bluezGattChar); err != nil {
			return fmt.Errorf("bridge: export characteristic: %w", err)
		}
		props := map[string]map[string]*prop.Prop{
			bluezGattChar: {
				"UUID":    {Value: ch.uuid, Emit: prop.EmitTrue},
				"Service": {Value: ch.service, Emit: prop.EmitTrue},
				"Flags":   {Value: ch.flags, Emit: prop.EmitTrue},
				"Value":   {Value: []byte{}, Emit: prop.EmitTrue, Writable: true},
			},
		}
		if _, err := prop.Export(b.conn, path, props); err != nil {
			return fmt.Errorf("bridge: export characteristic props: %w", err)
		}
	}
	return nil
}

// GetManagedObjects implements org.freedesktop.DBus.ObjectManager for
// BlueZ's application walk.
func (b *BlueZServer) GetManagedObjects() (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, *dbus.Error) {
	out := make(map[dbus.ObjectPath]map[string]map[string]dbus.Variant)
	for path, uuid := range b.services {
		out[path] = map[string]map[string]dbus.Variant{
			bluezGattService: {
				"UUID":    dbus.MakeVariant(uuid),
				"Primary": dbus.MakeVariant(true),
			},
		}
	}
	for path, ch := range b.chars {
		out[path] = map[string]map[string]dbus.Variant{
			bluezGattChar: {
				"UUID":    dbus.MakeVariant(ch.uuid),
				"Service": dbus.MakeVariant(ch.service),
				"Flags":   dbus.MakeVariant(ch.flags),
			},
		}
	}
	return out, nil
}

// ensureConn registers a client with the bridge service the first time
// a write arrives from its device path. BlueZ exposes no reliable
// connect callback for GATT servers, so the first write is the signal.
func (b *BlueZServer) ensureConn(connID string) {
	b.mu.Lock()
	known := b.seen[connID]
	if !known {
		b.seen[connID] = true
	}
	b.mu.Unlock()
	if known {
		return
	}
	b.svc.Connect(connID, func(charUUID string, data []byte) {
		b.Notify(charUUID, data)
	})
	// Service-level subscriptions follow the connection; actual emission
	// is still gated by the GATT notify flag.
	b.svc.Subscribe(connID, MeshRxUUID)
	b.svc.Subscribe(connID, StatusUUID)
}

func (b *BlueZServer) notifyChar(uuid string, data []byte) {
	if b.conn == nil {
		return
	}
	for path, ch := range b.chars {
		if ch.uuid != uuid || !ch.notifying.Load() {
			continue
		}
		err := b.conn.Emit(path, dbusProperties+".PropertiesChanged",
			bluezGattChar,
			map[string]dbus.Variant{"Value": dbus.MakeVariant(data)},
			[]string{},
		)
		if err != nil {
			b.log.Debug("bridge: notify emit", zap.Error(err))
		}
	}
}

// ── org.bluez.GattCharacteristic1 methods ─────────────────────────────────

// ReadValue serves a client read.
func (c *gattChar) ReadValue(options map[string]dbus.Variant) ([]byte, *dbus.Error) {
	if c.read == nil {
		return nil, dbus.MakeFailedError(fmt.Errorf("not readable"))
	}
	return c.read(connIDFromOptions(options)), nil
}

// WriteValue serves a client write. Errors reset the offending session
// or are surfaced to the client; they never take down the service.
func (c *gattChar) WriteValue(data []byte, options map[string]dbus.Variant) *dbus.Error {
	if c.write == nil {
		return dbus.MakeFailedError(fmt.Errorf("not writable"))
	}
	connID := connIDFromOptions(options)
	c.server.ensureConn(connID)
	if err := c.write(connID, data); err != nil {
		c.server.log.Debug("bridge: write rejected",
			zap.String("char", c.uuid), zap.Error(err))
		return dbus.MakeFailedError(err)
	}
	return nil
}

// StartNotify marks the characteristic as subscribed.
func (c *gattChar) StartNotify() *dbus.Error {
	c.notifying.Store(true)
	return nil
}

// StopNotify clears the subscription.
func (c *gattChar) StopNotify() *dbus.Error {
	c.notifying.Store(false)
	return nil
}

// connIDFromOptions extracts the client device path BlueZ attaches to
// reads/writes, giving a stable per-connection key.
func connIDFromOptions(options map[string]dbus.Variant) string {
	if v, ok := options["device"]; ok {
		if p, ok := v.Value().(dbus.ObjectPath); ok {
			return string(p)
		}
	}
	return "unknown"
}

// ── advertising ───────────────────────────────────────────────────────────

// advertisement implements org.bluez.LEAdvertisement1.
type advertisement struct {
	name string
}

func (a *advertisement) Release() *dbus.Error { return nil }

func (b *BlueZServer) advertise(adapterPath dbus.ObjectPath) error {
	adv := &advertisement{name: b.name}
	if err := b.conn.Export(adv, advPath, bluezAdvertisement); err != nil {
		return fmt.Errorf("bridge: export advertisement: %w", err)
	}
	props := map[string]map[string]*prop.Prop{
		bluezAdvertisement: {
			"Type":         {Value: "peripheral", Emit: prop.EmitTrue},
			"ServiceUUIDs": {Value: []string{ServiceUUID, MeshtasticServiceUUID}, Emit: prop.EmitTrue},
			"LocalName":    {Value: b.name, Emit: prop.EmitTrue},
		},
	}
	if _, err := prop.Export(b.conn, advPath, props); err != nil {
		return fmt.Errorf("bridge: export advertisement props: %w", err)
	}

	mgr := b.conn.Object(bluezBus, adapterPath)
	call := mgr.Call(bluezAdvManager+".RegisterAdvertisement", 0, advPath, map[string]dbus.Variant{})
	if call.Err != nil {
		return fmt.Errorf("bridge: register advertisement: %w", call.Err)
	}
	return nil
}

// sanitizeAdapterName validates the adapter string used in DBus paths.
func sanitizeAdapterName(adapter string) (string, error) {
	if adapter == "" {
		return "hci0", nil
	}
	for _, c := range adapter {
		if !((c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '_') {
			return "", fmt.Errorf("bridge: invalid adapter name %q", adapter)
		}
	}
	if !strings.HasPrefix(adapter, "hci") {
		return "", fmt.Errorf("bridge: adapter %q does not look like hciN", adapter)
	}
	return adapter, nil
}

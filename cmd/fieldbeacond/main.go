// fieldbeacond is the field-device daemon: mesh engine, offline queue,
// transport manager, phone bridge, and Meshtastic emulation over one
// packet radio.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fieldbeacon/fieldbeacon/internal/api"
	"github.com/fieldbeacon/fieldbeacon/internal/bridge"
	"github.com/fieldbeacon/fieldbeacon/internal/config"
	"github.com/fieldbeacon/fieldbeacon/internal/device"
	"github.com/fieldbeacon/fieldbeacon/internal/gateway"
	"github.com/fieldbeacon/fieldbeacon/internal/mesh"
	"github.com/fieldbeacon/fieldbeacon/internal/meshtastic"
	"github.com/fieldbeacon/fieldbeacon/internal/queue"
	"github.com/fieldbeacon/fieldbeacon/internal/radio"
	"github.com/fieldbeacon/fieldbeacon/internal/store"
	"github.com/fieldbeacon/fieldbeacon/internal/transport"
	"github.com/fieldbeacon/fieldbeacon/internal/uplink"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fieldbeacond:", err)
		os.Exit(1)
	}
}

func run() error {
	log, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Device.DataDir, 0o755); err != nil {
		return fmt.Errorf("data dir: %w", err)
	}
	db, err := store.Open(filepath.Join(cfg.Device.DataDir, "fieldbeacon.db"))
	if err != nil {
		return err
	}
	defer db.Close()
	if err := store.Migrate(db); err != nil {
		return err
	}

	hardwareID := cfg.Device.HardwareID
	if hardwareID == "" {
		host, _ := os.Hostname()
		hardwareID = host
	}

	// Radio stack: TCP modem link wrapped by the dual-protocol adapter.
	modem := radio.NewModemRadio(cfg.Radio.ModemAddr, log)
	if err := modem.Connect(); err != nil {
		return err
	}

	ident, err := db.LoadOrCreateIdentity(hardwareID)
	if err != nil {
		return err
	}
	adapter := meshtastic.NewAdapter(modem,
		cfg.Radio.NativeSync, cfg.Radio.MeshtasticSync, ident.NodeID, log)

	bus := gateway.NewEventBus()

	engine, err := mesh.NewEngine(adapter, db, hardwareID, mesh.Options{
		MaxHops:           cfg.Mesh.MaxHops,
		TTL:               cfg.Mesh.TTL,
		HeartbeatInterval: cfg.Mesh.HeartbeatInterval,
		CleanupInterval:   cfg.Mesh.CleanupInterval,
		StalenessWindow:   cfg.Mesh.StalenessWindow,
		SyncWord:          cfg.Radio.NativeSync,
	}, bus, log)
	if err != nil {
		return err
	}

	q := queue.New(db, cfg.Queue.Capacity, log)
	direct := uplink.NewClient(cfg.Uplink.BaseURL, cfg.Uplink.HTTPTimeout, log)
	tm := transport.NewManager(direct, engine, q, transport.Options{
		DrainInterval:    cfg.Queue.DrainInterval,
		DrainMaxInterval: cfg.Queue.DrainMaxInterval,
	}, log)

	var telemetry *uplink.TelemetryPublisher
	if cfg.Uplink.MQTTBroker != "" {
		telemetry, err = uplink.NewTelemetryPublisher(
			cfg.Uplink.MQTTBroker, cfg.Uplink.MQTTClientID, engine.NodeID(), log)
		if err != nil {
			// Telemetry is additive; run without it.
			log.Warn("telemetry disabled", zap.Error(err))
			telemetry = nil
		} else {
			defer telemetry.Close()
		}
	}

	dev := device.New(device.Deps{
		Radio:     adapter,
		Engine:    engine,
		Transport: tm,
		Session:   nil, // set below, after the session exists
		Bus:       bus,
		Direct:    direct,
		Queue:     q,
		Telemetry: telemetry,
		Log:       log,
	})

	session := meshtastic.NewSession(meshtastic.NodeIdentity{
		NodeNum:   engine.NodeID(),
		LongName:  cfg.Bridge.DeviceName,
		ShortName: shortName(cfg.Bridge.DeviceName),
		HwModel:   255, // PRIVATE_HW
	}, dev.HandleMeshtasticPacket, log)
	dev.Session = session

	br := bridge.New(device.NewSender(tm), dev.Position, configHandler{cfg: cfg, adapter: adapter},
		dev.StatusJSON, engine.NodeID(), log)
	dev.Bridge = br

	ble := bridge.NewBlueZServer(cfg.Bridge.Adapter, cfg.Bridge.DeviceName, br, session, log)
	session.SetFromNumHandler(ble.NotifyFromNum)
	if err := ble.Start(); err != nil {
		// Headless bench setups have no BlueZ; keep running without the
		// phone bridge.
		log.Warn("bridge disabled", zap.Error(err))
	} else {
		defer ble.Stop()
	}

	router := api.NewRouter(engine, q, db, func() interface{} { return dev.Status() },
		func() (<-chan interface{}, func()) {
			ch, unsub := bus.Subscribe()
			out := make(chan interface{}, 64)
			go func() {
				defer close(out)
				for e := range ch {
					out <- e
				}
			}()
			return out, unsub
		}, log)
	gw := gateway.New(cfg.Diagnostics.ListenAddr, bus, router, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return gw.Start(ctx) })
	g.Go(func() error { return dev.Run(ctx) })

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	_ = adapter.Close()
	return err
}

// configHandler backs the bridge's config characteristic: phones read
// the active settings and may switch the protocol mode at runtime.
type configHandler struct {
	cfg     *config.Config
	adapter *meshtastic.Adapter
}

type bridgeConfig struct {
	Mode     string `json:"mode"`
	MaxHops  int    `json:"max_hops"`
	Name     string `json:"name"`
	QueueCap int    `json:"queue_capacity"`
}

func (h configHandler) ReadConfig() []byte {
	body, _ := json.Marshal(bridgeConfig{
		Mode:     h.adapter.Mode().String(),
		MaxHops:  h.cfg.Mesh.MaxHops,
		Name:     h.cfg.Bridge.DeviceName,
		QueueCap: h.cfg.Queue.Capacity,
	})
	return body
}

func (h configHandler) WriteConfig(data []byte) error {
	var w struct {
		Mode string `json:"mode"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("config write: %w", err)
	}
	switch w.Mode {
	case "native":
		h.adapter.SetMode(meshtastic.ModeNative)
	case "meshtastic":
		h.adapter.SetMode(meshtastic.ModeMeshtastic)
	case "hybrid":
		h.adapter.SetMode(meshtastic.ModeHybrid)
	case "bridge":
		h.adapter.SetMode(meshtastic.ModeBridge)
	case "":
	default:
		return fmt.Errorf("config write: unknown mode %q", w.Mode)
	}
	return nil
}

// shortName derives the 4-character Meshtastic short name.
func shortName(name string) string {
	if len(name) > 4 {
		return name[:4]
	}
	return name
}

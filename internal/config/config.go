// Package config loads daemon configuration from the environment.
// A .env file in the working directory is honoured when present.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full daemon configuration, grouped by subsystem.
type Config struct {
	Device      DeviceConfig
	Radio       RadioConfig
	Mesh        MeshConfig
	Queue       QueueConfig
	Uplink      UplinkConfig
	Bridge      BridgeConfig
	Diagnostics DiagnosticsConfig
}

// DeviceConfig identifies this unit.
type DeviceConfig struct {
	// HardwareID seeds the persistent node identity. Normally the
	// board serial; overridable for bench setups.
	HardwareID string
	DataDir    string
}

// RadioConfig covers the packet radio link.
type RadioConfig struct {
	ModemAddr      string // TCP address of the modem daemon
	NativeSync     byte   // sync word for the native protocol
	MeshtasticSync byte   // sync word while speaking Meshtastic
}

// MeshConfig tunes the flood-routing engine.
type MeshConfig struct {
	MaxHops           int
	TTL               time.Duration
	HeartbeatInterval time.Duration
	CleanupInterval   time.Duration
	StalenessWindow   time.Duration
}

// QueueConfig bounds the offline store-and-forward queue.
type QueueConfig struct {
	Capacity         int
	DrainInterval    time.Duration
	DrainMaxInterval time.Duration
}

// UplinkConfig covers the direct network path and optional telemetry broker.
type UplinkConfig struct {
	BaseURL      string
	HTTPTimeout  time.Duration
	MQTTBroker   string // empty disables telemetry publishing
	MQTTClientID string
}

// BridgeConfig covers the local wireless bridge.
type BridgeConfig struct {
	Adapter    string // BlueZ adapter, e.g. hci0
	DeviceName string // advertised name
}

// DiagnosticsConfig covers the local HTTP status surface.
type DiagnosticsConfig struct {
	ListenAddr string
}

// Load reads configuration from the environment. Missing keys fall back
// to field defaults suitable for a bench device.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		// A present-but-broken .env is a real configuration error.
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	cfg := &Config{
		Device: DeviceConfig{
			HardwareID: getEnv("FB_HARDWARE_ID", ""),
			DataDir:    getEnv("FB_DATA_DIR", "/var/lib/fieldbeacon"),
		},
		Radio: RadioConfig{
			ModemAddr:      getEnv("FB_RADIO_ADDR", "127.0.0.1:7322"),
			NativeSync:     byte(getEnvInt("FB_RADIO_SYNC_NATIVE", 0xAB)),
			MeshtasticSync: byte(getEnvInt("FB_RADIO_SYNC_MESHTASTIC", 0x2B)),
		},
		Mesh: MeshConfig{
			MaxHops:           getEnvInt("FB_MESH_MAX_HOPS", 5),
			TTL:               getEnvDuration("FB_MESH_TTL", 60*time.Second),
			HeartbeatInterval: getEnvDuration("FB_MESH_HEARTBEAT", 30*time.Second),
			CleanupInterval:   getEnvDuration("FB_MESH_CLEANUP", 60*time.Second),
			StalenessWindow:   getEnvDuration("FB_MESH_STALENESS", 5*time.Minute),
		},
		Queue: QueueConfig{
			Capacity:         getEnvInt("FB_QUEUE_CAPACITY", 100),
			DrainInterval:    getEnvDuration("FB_QUEUE_DRAIN", 15*time.Second),
			DrainMaxInterval: getEnvDuration("FB_QUEUE_DRAIN_MAX", 5*time.Minute),
		},
		Uplink: UplinkConfig{
			BaseURL:      getEnv("FB_UPLINK_URL", ""),
			HTTPTimeout:  getEnvDuration("FB_UPLINK_TIMEOUT", 10*time.Second),
			MQTTBroker:   getEnv("FB_MQTT_BROKER", ""),
			MQTTClientID: getEnv("FB_MQTT_CLIENT_ID", "fieldbeacon"),
		},
		Bridge: BridgeConfig{
			Adapter:    getEnv("FB_BLE_ADAPTER", "hci0"),
			DeviceName: getEnv("FB_BLE_NAME", "FieldBeacon"),
		},
		Diagnostics: DiagnosticsConfig{
			ListenAddr: getEnv("FB_DIAG_ADDR", "127.0.0.1:8090"),
		},
	}

	if cfg.Mesh.MaxHops < 1 {
		return nil, fmt.Errorf("config: FB_MESH_MAX_HOPS must be >= 1")
	}
	if cfg.Queue.Capacity < 1 {
		return nil, fmt.Errorf("config: FB_QUEUE_CAPACITY must be >= 1")
	}
	return cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel   string           `json:"log_level" yaml:"log_level"`
	Ingest     IngestConfig     `json:"ingest" yaml:"ingest"`
	Thresholds ThresholdsConfig `json:"thresholds" yaml:"thresholds"`
	Debounce   DebounceConfig   `json:"debounce" yaml:"debounce"`
	Batch      BatchConfig      `json:"batch" yaml:"batch"`
	Attendance AttendanceConfig `json:"attendance" yaml:"attendance"`
	Storage    StorageConfig    `json:"storage" yaml:"storage"`
	Redis      RedisConfig      `json:"redis" yaml:"redis"`
	Events     EventsConfig     `json:"events" yaml:"events"`
	API        APIConfig        `json:"api" yaml:"api"`
}

type IngestConfig struct {
	ChannelBuffer int          `json:"channel_buffer" yaml:"channel_buffer"`
	ScanBuffer    int          `json:"scan_buffer" yaml:"scan_buffer"`
	NATS          NATSConfig   `json:"nats" yaml:"nats"`
	Kafka         KafkaConfig  `json:"kafka" yaml:"kafka"`
	Serial        SerialConfig `json:"serial" yaml:"serial"`
	UDP           UDPConfig    `json:"udp" yaml:"udp"`
	Parser        ParserConfig `json:"parser" yaml:"parser"`
}

type NATSConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	URL           string `json:"url" yaml:"url"`
	SubjectPrefix string `json:"subject_prefix" yaml:"subject_prefix"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type SerialConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Ports   []string `json:"ports" yaml:"ports"`
}

type UDPConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type ParserConfig struct {
	Timezone string `json:"timezone" yaml:"timezone"`
}

// ThresholdsConfig holds the numeric alert boundaries. Comparisons against
// them are strict: a reading exactly at the boundary does not alert.
type ThresholdsConfig struct {
	MaxTemperature float64 `json:"max_temperature" yaml:"max_temperature"`
	MaxGasLevel    float64 `json:"max_gas_level" yaml:"max_gas_level"`
	HeartRateMin   float64 `json:"heart_rate_min" yaml:"heart_rate_min"`
	HeartRateMax   float64 `json:"heart_rate_max" yaml:"heart_rate_max"`
}

type DebounceConfig struct {
	Window time.Duration `json:"window" yaml:"window"`
}

type BatchConfig struct {
	FlushInterval time.Duration `json:"flush_interval" yaml:"flush_interval"`
}

type AttendanceConfig struct {
	LateGrace             time.Duration `json:"late_grace" yaml:"late_grace"`
	DefaultShiftStart     string        `json:"default_shift_start" yaml:"default_shift_start"`
	DefaultGeofenceRadius float64       `json:"default_geofence_radius" yaml:"default_geofence_radius"`
}

type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

type EventsConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	SubjectPrefix string `json:"subject_prefix" yaml:"subject_prefix"`
	MaxRetries    int    `json:"max_retries" yaml:"max_retries"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Ingest: IngestConfig{
			ChannelBuffer: 10000,
			ScanBuffer:    1000,
			NATS:          NATSConfig{Enabled: true, URL: "nats://localhost:4222", SubjectPrefix: "helmet"},
			Kafka:         KafkaConfig{Enabled: false},
			Serial:        SerialConfig{Enabled: false},
			UDP:           UDPConfig{Enabled: false, Addr: ":5515"},
			Parser:        ParserConfig{Timezone: "UTC"},
		},
		Thresholds: ThresholdsConfig{
			MaxTemperature: 38.5,
			MaxGasLevel:    300,
			HeartRateMin:   50,
			HeartRateMax:   120,
		},
		Debounce:   DebounceConfig{Window: 60 * time.Second},
		Batch:      BatchConfig{FlushInterval: 10 * time.Second},
		Attendance: AttendanceConfig{LateGrace: 5 * time.Minute, DefaultShiftStart: "09:00", DefaultGeofenceRadius: 100},
		Storage:    StorageConfig{Driver: "sqlite", DSN: "file:helmguard.db?_pragma=busy_timeout(5000)"},
		Redis:      RedisConfig{Enabled: false, Addr: "localhost:6379"},
		Events:     EventsConfig{Enabled: true, SubjectPrefix: "events", MaxRetries: 3},
		API:        APIConfig{Enabled: true, Addr: ":8081"},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = 10000
	}
	if cfg.Ingest.ScanBuffer <= 0 {
		cfg.Ingest.ScanBuffer = 1000
	}
	if cfg.Ingest.NATS.SubjectPrefix == "" {
		cfg.Ingest.NATS.SubjectPrefix = "helmet"
	}
	if cfg.Ingest.Parser.Timezone == "" {
		cfg.Ingest.Parser.Timezone = "UTC"
	}
	if cfg.Debounce.Window <= 0 {
		cfg.Debounce.Window = 60 * time.Second
	}
	if cfg.Batch.FlushInterval <= 0 {
		cfg.Batch.FlushInterval = 10 * time.Second
	}
	if cfg.Attendance.DefaultGeofenceRadius <= 0 {
		cfg.Attendance.DefaultGeofenceRadius = 100
	}
	if cfg.Attendance.DefaultShiftStart == "" {
		cfg.Attendance.DefaultShiftStart = "09:00"
	}
	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = "events"
	}
	if cfg.Events.MaxRetries <= 0 {
		cfg.Events.MaxRetries = 3
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.NATS.Enabled && cfg.Ingest.NATS.URL == "" {
		return errors.New("ingest.nats.url required when ingest.nats.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Ingest.Serial.Enabled && len(cfg.Ingest.Serial.Ports) == 0 {
		return errors.New("ingest.serial.ports required when ingest.serial.enabled is true")
	}
	if cfg.Ingest.UDP.Enabled && cfg.Ingest.UDP.Addr == "" {
		return errors.New("ingest.udp.addr required when ingest.udp.enabled is true")
	}
	if cfg.Redis.Enabled && cfg.Redis.Addr == "" {
		return errors.New("redis.addr required when redis.enabled is true")
	}
	if cfg.Thresholds.MaxGasLevel <= 0 {
		return errors.New("thresholds.max_gas_level must be > 0")
	}
	if cfg.Thresholds.MaxTemperature <= 0 {
		return errors.New("thresholds.max_temperature must be > 0")
	}
	if cfg.Thresholds.HeartRateMin >= cfg.Thresholds.HeartRateMax {
		return fmt.Errorf("thresholds.heart_rate_min (%v) must be below heart_rate_max (%v)",
			cfg.Thresholds.HeartRateMin, cfg.Thresholds.HeartRateMax)
	}
	return nil
}

// Manager hands out the current config snapshot. Evaluation paths call Get on
// every message so threshold and geofence changes take effect without restart.
type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager wraps a fixed config, for tests and embedded use.
func NewStaticManager(cfg *Config) *Manager {
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if m.path != "" {
		if err := Save(m.path, cfg); err != nil {
			return err
		}
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return nil
}

func (m *Manager) NeedsReload() (bool, error) {
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}

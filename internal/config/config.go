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

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"newsguard/internal/model"
)

const (
	envWebhookURL = "NEWSGUARD_WEBHOOK_URL"
	envStorageDSN = "NEWSGUARD_STORAGE_DSN"
)

type Config struct {
	LogLevel      string              `json:"log_level" yaml:"log_level"`
	Ingest        IngestConfig        `json:"ingest" yaml:"ingest"`
	Admission     AdmissionConfig     `json:"admission" yaml:"admission"`
	Classifier    ClassifierConfig    `json:"classifier" yaml:"classifier"`
	Corroboration CorroborationConfig `json:"corroboration" yaml:"corroboration"`
	Throttle      ThrottleConfig      `json:"throttle" yaml:"throttle"`
	Dispatch      DispatchConfig      `json:"dispatch" yaml:"dispatch"`
	Entities      []model.Entity      `json:"entities,omitempty" yaml:"entities"`
	API           APIConfig           `json:"api" yaml:"api"`
	Storage       StorageConfig       `json:"storage" yaml:"storage"`
	Metrics       MetricsConfig       `json:"metrics" yaml:"metrics"`
	Alerts        AlertsConfig        `json:"alerts" yaml:"alerts"`
}

type IngestConfig struct {
	ChannelBuffer   int             `json:"channel_buffer" yaml:"channel_buffer"`
	Workers         int             `json:"workers" yaml:"workers"`
	DefaultSourceID string          `json:"default_source_id" yaml:"default_source_id"`
	Timezone        string          `json:"timezone" yaml:"timezone"`
	REST            RESTConfig      `json:"rest" yaml:"rest"`
	TCPStream       TCPStreamConfig `json:"tcp_stream" yaml:"tcp_stream"`
	FileTail        FileTailConfig  `json:"file_tail" yaml:"file_tail"`
	Kafka           KafkaConfig     `json:"kafka" yaml:"kafka"`
}

type RESTConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type TCPStreamConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type FileTailConfig struct {
	Enabled    bool     `json:"enabled" yaml:"enabled"`
	StartAtEnd bool     `json:"start_at_end" yaml:"start_at_end"`
	Files      []string `json:"files" yaml:"files"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

// AdmissionConfig holds the operator-curated generic finance terms. Entity
// keywords are added to the gate automatically. Blocklist terms reject an
// item before any admission term is consulted.
type AdmissionConfig struct {
	Keywords  []string `json:"keywords" yaml:"keywords"`
	Blocklist []string `json:"blocklist" yaml:"blocklist"`
}

type ClassifierConfig struct {
	DangerWords  []string `json:"danger_words" yaml:"danger_words"`
	SuccessWords []string `json:"success_words" yaml:"success_words"`
	NeutralWords []string `json:"neutral_words" yaml:"neutral_words"`
}

type CorroborationConfig struct {
	Enabled          bool          `json:"enabled" yaml:"enabled"`
	TTL              time.Duration `json:"ttl" yaml:"ttl"`
	MaxPerSource     int           `json:"max_per_source" yaml:"max_per_source"`
	MinSharedSignals int           `json:"min_shared_signals" yaml:"min_shared_signals"`
}

type ThrottleConfig struct {
	SilenceWindow time.Duration `json:"silence_window" yaml:"silence_window"`
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
	// SummaryMin is the smallest pending batch that earns a summary alert.
	SummaryMin int `json:"summary_min" yaml:"summary_min"`
	// MaxPending caps the silenced records held per entity; the oldest are
	// folded into a dropped count beyond it.
	MaxPending int `json:"max_pending" yaml:"max_pending"`
	// SummaryAttempts is how many sweeps may fail to deliver a batch before
	// its records are marked failed and released.
	SummaryAttempts int `json:"summary_attempts" yaml:"summary_attempts"`
}

type DispatchConfig struct {
	WebhookURL string        `json:"webhook_url" yaml:"webhook_url"`
	Timeout    time.Duration `json:"timeout" yaml:"timeout"`
	RatePerSec float64       `json:"rate_per_sec" yaml:"rate_per_sec"`
	Timezone   string        `json:"timezone" yaml:"timezone"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
}

type MetricsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

type AlertsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

var (
	defaultAdmissionKeywords = []string{
		"英伟达", "NVIDIA", "低空经济", "人工智能", "AI",
		"美联储", "降息", "加息", "央行", "利率",
		"立案", "调查", "退市", "暴雷", "爆仓",
		"重组", "并购", "涨停", "注资", "回购",
	}
	defaultBlocklist = []string{
		"娱乐", "明星", "八卦", "综艺", "网红", "直播带货",
		"限时优惠", "立即购买", "点击领取", "APP下载", "免费领", "扫码",
		"震惊", "速看", "必看", "求转发",
		"天气", "美食", "旅游", "健身", "减肥",
	}
	defaultDangerWords  = []string{"立案", "调查", "退市", "闪崩", "跌停", "暴跌", "违规", "处罚", "警示", "ST", "暂停上市", "破产", "清算"}
	defaultSuccessWords = []string{"重组", "并购", "中标", "涨停", "回购", "增持", "战略合作", "业绩预增", "超预期", "突破", "发布"}
	defaultNeutralWords = []string{"减持", "异动", "说明会", "业绩会", "股东大会", "解禁", "增发", "配股"}
)

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Ingest: IngestConfig{
			ChannelBuffer:   10000,
			Workers:         4,
			DefaultSourceID: "unknown",
			Timezone:        "Asia/Shanghai",
			REST:            RESTConfig{Enabled: true, Addr: ":8080"},
			TCPStream:       TCPStreamConfig{Enabled: false, Addr: ":9000"},
			FileTail:        FileTailConfig{Enabled: false, StartAtEnd: true},
			Kafka:           KafkaConfig{Enabled: false},
		},
		Admission: AdmissionConfig{
			Keywords:  append([]string(nil), defaultAdmissionKeywords...),
			Blocklist: append([]string(nil), defaultBlocklist...),
		},
		Classifier: ClassifierConfig{
			DangerWords:  append([]string(nil), defaultDangerWords...),
			SuccessWords: append([]string(nil), defaultSuccessWords...),
			NeutralWords: append([]string(nil), defaultNeutralWords...),
		},
		Corroboration: CorroborationConfig{
			Enabled:          true,
			TTL:              5 * time.Minute,
			MaxPerSource:     256,
			MinSharedSignals: 2,
		},
		Throttle: ThrottleConfig{
			SilenceWindow:   5 * time.Minute,
			SweepInterval:   1 * time.Minute,
			SummaryMin:      1,
			MaxPending:      200,
			SummaryAttempts: 5,
		},
		Dispatch: DispatchConfig{
			Timeout:    15 * time.Second,
			RatePerSec: 2,
			Timezone:   "Asia/Shanghai",
		},
		API:     APIConfig{Enabled: true, Addr: ":8081"},
		Storage: StorageConfig{Driver: "sqlite", DSN: "file:newsguard.db?_pragma=busy_timeout(5000)"},
		Metrics: MetricsConfig{StoreLimit: 5000},
		Alerts:  AlertsConfig{StoreLimit: 1000},
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
	cfg, err := Parse(content)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML or JSON (comments allowed) on top of DefaultConfig,
// applies environment overrides and validates the result.
func Parse(content []byte) (*Config, error) {
	cfg := DefaultConfig()
	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal(jsonc.ToJSON([]byte(trimmed)), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyEnv(cfg)
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
	if ext == ".json" || ext == ".jsonc" {
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
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if ch == '{' || ch == '[' {
			return true
		}
		if ch == '/' && i+1 < len(s) && (s[i+1] == '/' || s[i+1] == '*') {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(envWebhookURL)); v != "" {
		cfg.Dispatch.WebhookURL = v
	}
	if v := strings.TrimSpace(os.Getenv(envStorageDSN)); v != "" {
		cfg.Storage.DSN = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Metrics.StoreLimit <= 0 {
		cfg.Metrics.StoreLimit = 5000
	}
	if cfg.Alerts.StoreLimit <= 0 {
		cfg.Alerts.StoreLimit = 1000
	}
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = 10000
	}
	if cfg.Ingest.Workers <= 0 {
		cfg.Ingest.Workers = 4
	}
	if cfg.Ingest.Timezone == "" {
		cfg.Ingest.Timezone = "Asia/Shanghai"
	}
	if cfg.Ingest.DefaultSourceID == "" {
		cfg.Ingest.DefaultSourceID = "unknown"
	}
	if cfg.Corroboration.MaxPerSource <= 0 {
		cfg.Corroboration.MaxPerSource = 256
	}
	if cfg.Corroboration.MinSharedSignals <= 0 {
		cfg.Corroboration.MinSharedSignals = 2
	}
	if cfg.Throttle.SweepInterval <= 0 {
		cfg.Throttle.SweepInterval = time.Minute
	}
	if cfg.Throttle.SummaryMin <= 0 {
		cfg.Throttle.SummaryMin = 1
	}
	if cfg.Throttle.MaxPending <= 0 {
		cfg.Throttle.MaxPending = 200
	}
	if cfg.Throttle.SummaryAttempts <= 0 {
		cfg.Throttle.SummaryAttempts = 5
	}
	if cfg.Dispatch.Timezone == "" {
		cfg.Dispatch.Timezone = "Asia/Shanghai"
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return errors.New("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.Ingest.TCPStream.Enabled && cfg.Ingest.TCPStream.Addr == "" {
		return errors.New("ingest.tcp_stream.addr required when ingest.tcp_stream.enabled is true")
	}
	if cfg.Ingest.FileTail.Enabled && len(cfg.Ingest.FileTail.Files) == 0 {
		return errors.New("ingest.file_tail.files required when ingest.file_tail.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Throttle.SilenceWindow <= 0 {
		return fmt.Errorf("throttle.silence_window must be > 0, got %s", cfg.Throttle.SilenceWindow)
	}
	if cfg.Corroboration.TTL <= 0 {
		return fmt.Errorf("corroboration.ttl must be > 0, got %s", cfg.Corroboration.TTL)
	}
	if cfg.Dispatch.Timeout <= 0 {
		return fmt.Errorf("dispatch.timeout must be > 0, got %s", cfg.Dispatch.Timeout)
	}
	if cfg.Dispatch.RatePerSec < 0 {
		return errors.New("dispatch.rate_per_sec must be >= 0")
	}
	switch strings.ToLower(cfg.Storage.Driver) {
	case "memory", "sqlite", "postgres", "postgresql":
	default:
		return fmt.Errorf("storage.driver %q unsupported", cfg.Storage.Driver)
	}
	seen := make(map[string]struct{}, len(cfg.Entities))
	for _, ent := range cfg.Entities {
		id := strings.TrimSpace(ent.ID)
		if id == "" {
			return errors.New("entities: id required")
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("entities: duplicate id %q", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

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

// NewStaticManager wraps an in-memory config; Update does not persist and
// Watch never fires.
func NewStaticManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
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
	if m.path == "" {
		return m.Get(), nil
	}
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
	if err := Validate(cfg); err != nil {
		return err
	}
	if m.path != "" {
		if err := Save(m.path, cfg); err != nil {
			return err
		}
	}
	m.cfg.Store(cfg)
	if m.path != "" {
		if info, err := os.Stat(m.path); err == nil {
			m.modTime = info.ModTime()
		}
	}
	return nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
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

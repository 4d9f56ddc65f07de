package config

import (
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// SysConfig system settings
type SysConfig struct {
	Appid    string `yaml:"appid"`
	Location string `yaml:"location"`
	Workdir  string `yaml:"workdir"`
	Debug    bool   `yaml:"debug"`
}

// WebConfig admin api settings
type WebConfig struct {
	Host              string   `yaml:"host"`
	Port              int      `yaml:"port"`
	Secret            string   `yaml:"secret"`
	AllowedOrigins    []string `yaml:"allowed_origins"`
	// TrustedProxies are the addresses or CIDRs whose X-Forwarded-For is
	// believed. Empty means the peer address is the client address.
	TrustedProxies    []string `yaml:"trusted_proxies"`
	RequestsPerSecond float64  `yaml:"requests_per_second"`
	Burst             int      `yaml:"burst"`
}

// DBConfig database settings. Type is postgres, sqlite or none.
type DBConfig struct {
	Type     string `yaml:"type"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Passwd   string `yaml:"passwd"`
	MaxConn  int    `yaml:"max_conn"`
	IdleConn int    `yaml:"idle_conn"`
	Debug    bool   `yaml:"debug"`
}

// LogConfig logging settings
type LogConfig struct {
	Mode       string `yaml:"mode"`
	FileEnable bool   `yaml:"file_enable"`
	Filename   string `yaml:"filename"`
}

// WhatsAppConfig session coordinator settings
type WhatsAppConfig struct {
	// Driver selects the device driver: whatsmeow or simulator.
	Driver string `yaml:"driver"`
	// ConnectQuota is the number of charged connect attempts per tenant per QuotaWindow.
	ConnectQuota int `yaml:"connect_quota"`
	// IPQuota is the number of charged connect attempts per client network per QuotaWindow.
	IPQuota          int           `yaml:"ip_quota"`
	QuotaWindow      time.Duration `yaml:"quota_window"`
	SessionTTL       time.Duration `yaml:"session_ttl"`
	PairingTimeout   time.Duration `yaml:"pairing_timeout"`
	OpenWorkers      int           `yaml:"open_workers"`
	SubscriberBuffer int           `yaml:"subscriber_buffer"`
	// StateStore is database, bolt or memory.
	StateStore   string        `yaml:"state_store"`
	BoltPath     string        `yaml:"bolt_path"`
	AutoResume   bool          `yaml:"auto_resume"`
	ReapInterval time.Duration `yaml:"reap_interval"`
	// HistoryDays is how long transition history is kept.
	HistoryDays int `yaml:"history_days"`
}

type AppConfig struct {
	System   SysConfig      `yaml:"system"`
	Web      WebConfig      `yaml:"web"`
	Database DBConfig       `yaml:"database"`
	Logger   LogConfig      `yaml:"logger"`
	WhatsApp WhatsAppConfig `yaml:"whatsapp"`
}

func (c *AppConfig) GetLogDir() string {
	return path.Join(c.System.Workdir, "logs")
}

func (c *AppConfig) GetDataDir() string {
	return path.Join(c.System.Workdir, "data")
}

func (c *AppConfig) GetBackupDir() string {
	return path.Join(c.System.Workdir, "backup")
}

// GetBoltPath resolves the bbolt state file, relative paths live under the data dir.
func (c *AppConfig) GetBoltPath() string {
	p := c.WhatsApp.BoltPath
	if p == "" {
		p = "wasession.db"
	}
	if path.IsAbs(p) {
		return p
	}
	return path.Join(c.GetDataDir(), p)
}

// GetSqlitePath is used when the database type is sqlite.
func (c *AppConfig) GetSqlitePath() string {
	name := c.Database.Name
	if name == "" {
		name = "wasession.sqlite"
	}
	if path.IsAbs(name) {
		return name
	}
	return path.Join(c.GetDataDir(), name)
}

// GetPostgresDSN builds the gorm postgres dsn.
func (c *AppConfig) GetPostgresDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.Database.Host, c.Database.Port, c.Database.User, c.Database.Passwd, c.Database.Name)
}

func (c *AppConfig) initDirs() {
	_ = os.MkdirAll(c.GetLogDir(), 0o700)
	_ = os.MkdirAll(c.GetDataDir(), 0o700)
	_ = os.MkdirAll(c.GetBackupDir(), 0o700)
}

// DefaultAppConfig development defaults, simulator driver and sqlite storage.
var DefaultAppConfig = &AppConfig{
	System: SysConfig{
		Appid:    "WaSession",
		Location: "Asia/Shanghai",
		Workdir:  "/var/wasession",
		Debug:    true,
	},
	Web: WebConfig{
		Host:              "0.0.0.0",
		Port:              1826,
		Secret:            "9b6de5cc-0731-4bf1-xxxx-0f568ac9da37",
		RequestsPerSecond: 20,
		Burst:             40,
	},
	Database: DBConfig{
		Type:     "sqlite",
		Host:     "127.0.0.1",
		Port:     5432,
		Name:     "wasession.sqlite",
		User:     "postgres",
		Passwd:   "myroot",
		MaxConn:  100,
		IdleConn: 10,
		Debug:    false,
	},
	Logger: LogConfig{
		Mode:       "development",
		FileEnable: true,
		Filename:   "/var/wasession/logs/wasession.log",
	},
	WhatsApp: WhatsAppConfig{
		Driver:           "simulator",
		ConnectQuota:     3,
		IPQuota:          10,
		QuotaWindow:      time.Hour,
		SessionTTL:       30 * time.Minute,
		PairingTimeout:   2 * time.Minute,
		OpenWorkers:      16,
		SubscriberBuffer: 16,
		StateStore:       "database",
		BoltPath:         "wasession.db",
		AutoResume:       true,
		ReapInterval:     time.Minute,
		HistoryDays:      30,
	},
}

// LoadConfig reads the yaml file when it exists, falls back to the defaults
// otherwise, then applies WASESSION_* environment overrides.
func LoadConfig(cfile string) (*AppConfig, error) {
	cfg := *DefaultAppConfig
	if cfile != "" {
		data, err := os.ReadFile(cfile)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", cfile, err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("read config %s: %w", cfile, err)
		}
	}
	applyEnv(&cfg)
	cfg.normalize()
	cfg.initDirs()
	return &cfg, nil
}

func (c *AppConfig) normalize() {
	wa := &c.WhatsApp
	def := DefaultAppConfig.WhatsApp
	if wa.ConnectQuota <= 0 {
		wa.ConnectQuota = def.ConnectQuota
	}
	if wa.IPQuota <= 0 {
		wa.IPQuota = def.IPQuota
	}
	if wa.QuotaWindow <= 0 {
		wa.QuotaWindow = def.QuotaWindow
	}
	if wa.SessionTTL <= 0 {
		wa.SessionTTL = def.SessionTTL
	}
	if wa.PairingTimeout <= 0 {
		wa.PairingTimeout = def.PairingTimeout
	}
	if wa.OpenWorkers <= 0 {
		wa.OpenWorkers = def.OpenWorkers
	}
	if wa.SubscriberBuffer <= 0 {
		wa.SubscriberBuffer = def.SubscriberBuffer
	}
	if wa.ReapInterval <= 0 {
		wa.ReapInterval = def.ReapInterval
	}
	if wa.HistoryDays <= 0 {
		wa.HistoryDays = def.HistoryDays
	}
	wa.Driver = strings.ToLower(strings.TrimSpace(wa.Driver))
	wa.StateStore = strings.ToLower(strings.TrimSpace(wa.StateStore))
	c.Database.Type = strings.ToLower(strings.TrimSpace(c.Database.Type))
}

func setEnvValue(name string, val *string) {
	if v := os.Getenv(name); v != "" {
		*val = v
	}
}

func setEnvBoolValue(name string, val *bool) {
	if v := os.Getenv(name); v != "" {
		*val = cast.ToBool(v)
	}
}

func setEnvIntValue(name string, val *int) {
	if v := os.Getenv(name); v != "" {
		*val = cast.ToInt(v)
	}
}

func setEnvFloatValue(name string, val *float64) {
	if v := os.Getenv(name); v != "" {
		*val = cast.ToFloat64(v)
	}
}

func setEnvDurationValue(name string, val *time.Duration) {
	if v := os.Getenv(name); v != "" {
		*val = cast.ToDuration(v)
	}
}

func applyEnv(cfg *AppConfig) {
	setEnvValue("WASESSION_SYSTEM_WORKER_DIR", &cfg.System.Workdir)
	setEnvValue("WASESSION_SYSTEM_LOCATION", &cfg.System.Location)
	setEnvBoolValue("WASESSION_SYSTEM_DEBUG", &cfg.System.Debug)

	setEnvValue("WASESSION_WEB_HOST", &cfg.Web.Host)
	setEnvIntValue("WASESSION_WEB_PORT", &cfg.Web.Port)
	setEnvValue("WASESSION_WEB_SECRET", &cfg.Web.Secret)
	setEnvFloatValue("WASESSION_WEB_RPS", &cfg.Web.RequestsPerSecond)
	setEnvIntValue("WASESSION_WEB_BURST", &cfg.Web.Burst)
	if v := os.Getenv("WASESSION_WEB_TRUSTED_PROXIES"); v != "" {
		cfg.Web.TrustedProxies = strings.Split(v, ",")
	}
	if v := os.Getenv("WASESSION_WEB_ALLOWED_ORIGINS"); v != "" {
		cfg.Web.AllowedOrigins = strings.Split(v, ",")
	}

	setEnvValue("WASESSION_DB_TYPE", &cfg.Database.Type)
	setEnvValue("WASESSION_DB_HOST", &cfg.Database.Host)
	setEnvIntValue("WASESSION_DB_PORT", &cfg.Database.Port)
	setEnvValue("WASESSION_DB_NAME", &cfg.Database.Name)
	setEnvValue("WASESSION_DB_USER", &cfg.Database.User)
	setEnvValue("WASESSION_DB_PWD", &cfg.Database.Passwd)
	setEnvBoolValue("WASESSION_DB_DEBUG", &cfg.Database.Debug)

	setEnvValue("WASESSION_LOGGER_MODE", &cfg.Logger.Mode)
	setEnvBoolValue("WASESSION_LOGGER_FILE_ENABLE", &cfg.Logger.FileEnable)

	setEnvValue("WASESSION_WHATSAPP_DRIVER", &cfg.WhatsApp.Driver)
	setEnvIntValue("WASESSION_WHATSAPP_CONNECT_QUOTA", &cfg.WhatsApp.ConnectQuota)
	setEnvIntValue("WASESSION_WHATSAPP_IP_QUOTA", &cfg.WhatsApp.IPQuota)
	setEnvDurationValue("WASESSION_WHATSAPP_QUOTA_WINDOW", &cfg.WhatsApp.QuotaWindow)
	setEnvDurationValue("WASESSION_WHATSAPP_SESSION_TTL", &cfg.WhatsApp.SessionTTL)
	setEnvDurationValue("WASESSION_WHATSAPP_PAIRING_TIMEOUT", &cfg.WhatsApp.PairingTimeout)
	setEnvIntValue("WASESSION_WHATSAPP_OPEN_WORKERS", &cfg.WhatsApp.OpenWorkers)
	setEnvValue("WASESSION_WHATSAPP_STATE_STORE", &cfg.WhatsApp.StateStore)
	setEnvValue("WASESSION_WHATSAPP_BOLT_PATH", &cfg.WhatsApp.BoltPath)
	setEnvBoolValue("WASESSION_WHATSAPP_AUTO_RESUME", &cfg.WhatsApp.AutoResume)
	setEnvIntValue("WASESSION_WHATSAPP_HISTORY_DAYS", &cfg.WhatsApp.HistoryDays)
}

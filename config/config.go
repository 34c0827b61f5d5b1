package config

import (
	"os"
	"path"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// DBConfig database config
type DBConfig struct {
	Type     string `yaml:"type" json:"type"` // postgres or sqlite
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Name     string `yaml:"name" json:"name"`
	User     string `yaml:"user" json:"user"`
	Passwd   string `yaml:"passwd" json:"passwd"`
	MaxConn  int    `yaml:"max_conn" json:"max_conn"`
	IdleConn int    `yaml:"idle_conn" json:"idle_conn"`
	Debug    bool   `yaml:"debug" json:"debug"`
}

// SysConfig system config
type SysConfig struct {
	Appid    string `yaml:"appid" json:"appid"`
	Location string `yaml:"location" json:"location"`
	Workdir  string `yaml:"workdir" json:"workdir"`
	Debug    bool   `yaml:"debug" json:"debug"`
}

// WebConfig admin API server config. An empty Secret disables JWT
// authentication and every request acts as Gateway.DefaultOwner.
type WebConfig struct {
	Host   string `yaml:"host" json:"host"`
	Port   int    `yaml:"port" json:"port"`
	Secret string `yaml:"secret" json:"secret"`
}

// GatewayConfig default connection settings of the WhatsApp gateway.
// Operators may override them with a wa_gateway_config row.
type GatewayConfig struct {
	ApiUrl        string `yaml:"api_url" json:"api_url"`
	ApiKey        string `yaml:"api_key" json:"api_key"`
	WebhookUrl    string `yaml:"webhook_url" json:"webhook_url"`
	Timeout       int    `yaml:"timeout" json:"timeout"`               // seconds, per request
	SettleDelay   int    `yaml:"settle_delay" json:"settle_delay"`     // milliseconds before post-pairing reconcile
	QRTTL         int    `yaml:"qr_ttl" json:"qr_ttl"`                 // seconds an image handle stays valid
	ReconcileSpec string `yaml:"reconcile_spec" json:"reconcile_spec"` // cron spec of the background pass
	DefaultOwner  string `yaml:"default_owner" json:"default_owner"`
}

type LogConfig struct {
	Mode       string `yaml:"mode" json:"mode"`
	FileEnable bool   `yaml:"file_enable" json:"file_enable"`
	Filename   string `yaml:"filename" json:"filename"`
}

type AppConfig struct {
	System   SysConfig     `yaml:"system" json:"system"`
	Web      WebConfig     `yaml:"web" json:"web"`
	Database DBConfig      `yaml:"database" json:"database"`
	Gateway  GatewayConfig `yaml:"gateway" json:"gateway"`
	Logger   LogConfig     `yaml:"logger" json:"logger"`
}

func (c *AppConfig) GetLogDir() string {
	return path.Join(c.System.Workdir, "logs")
}

func (c *AppConfig) GetDataDir() string {
	return path.Join(c.System.Workdir, "data")
}

func (c *AppConfig) initDirs() {
	_ = os.MkdirAll(c.GetLogDir(), 0o700)
	_ = os.MkdirAll(c.GetDataDir(), 0o700)
}

var DefaultAppConfig = &AppConfig{
	System: SysConfig{
		Appid:    "WhatsDash",
		Location: "America/Bogota",
		Workdir:  "/var/whatsdash",
		Debug:    true,
	},
	Web: WebConfig{
		Host: "0.0.0.0",
		Port: 1816,
	},
	Database: DBConfig{
		Type:     "sqlite",
		Host:     "127.0.0.1",
		Port:     5432,
		Name:     "whatsdash.db",
		User:     "postgres",
		Passwd:   "",
		MaxConn:  50,
		IdleConn: 10,
	},
	Gateway: GatewayConfig{
		ApiUrl:        "http://127.0.0.1:3000",
		Timeout:       15,
		SettleDelay:   2000,
		QRTTL:         120,
		ReconcileSpec: "@every 60s",
		DefaultOwner:  "admin",
	},
	Logger: LogConfig{
		Mode:       "development",
		FileEnable: true,
		Filename:   "/var/whatsdash/logs/whatsdash.log",
	},
}

// LoadConfig reads the yaml file (when present), then a .env file next to
// the working directory, then WHATSDASH_* environment overrides.
func LoadConfig(cfile string) *AppConfig {
	cfg := *DefaultAppConfig
	if cfile != "" {
		if data, err := os.ReadFile(cfile); err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				panic(err)
			}
		} else if !os.IsNotExist(err) {
			panic(err)
		}
	}

	_ = godotenv.Load() // a missing .env is fine

	setEnvValue("WHATSDASH_SYSTEM_WORKER_DIR", &cfg.System.Workdir)
	setEnvValue("WHATSDASH_SYSTEM_LOCATION", &cfg.System.Location)
	setEnvBoolValue("WHATSDASH_SYSTEM_DEBUG", &cfg.System.Debug)

	setEnvValue("WHATSDASH_WEB_HOST", &cfg.Web.Host)
	setEnvIntValue("WHATSDASH_WEB_PORT", &cfg.Web.Port)
	setEnvValue("WHATSDASH_WEB_SECRET", &cfg.Web.Secret)

	setEnvValue("WHATSDASH_DB_TYPE", &cfg.Database.Type)
	setEnvValue("WHATSDASH_DB_HOST", &cfg.Database.Host)
	setEnvIntValue("WHATSDASH_DB_PORT", &cfg.Database.Port)
	setEnvValue("WHATSDASH_DB_NAME", &cfg.Database.Name)
	setEnvValue("WHATSDASH_DB_USER", &cfg.Database.User)
	setEnvValue("WHATSDASH_DB_PWD", &cfg.Database.Passwd)
	setEnvBoolValue("WHATSDASH_DB_DEBUG", &cfg.Database.Debug)

	setEnvValue("WHATSDASH_GATEWAY_URL", &cfg.Gateway.ApiUrl)
	setEnvValue("WHATSDASH_GATEWAY_KEY", &cfg.Gateway.ApiKey)
	setEnvValue("WHATSDASH_GATEWAY_WEBHOOK", &cfg.Gateway.WebhookUrl)
	setEnvIntValue("WHATSDASH_GATEWAY_TIMEOUT", &cfg.Gateway.Timeout)
	setEnvIntValue("WHATSDASH_GATEWAY_SETTLE_DELAY", &cfg.Gateway.SettleDelay)
	setEnvValue("WHATSDASH_GATEWAY_RECONCILE_SPEC", &cfg.Gateway.ReconcileSpec)
	setEnvValue("WHATSDASH_GATEWAY_DEFAULT_OWNER", &cfg.Gateway.DefaultOwner)

	setEnvValue("WHATSDASH_LOGGER_MODE", &cfg.Logger.Mode)
	setEnvBoolValue("WHATSDASH_LOGGER_FILE_ENABLE", &cfg.Logger.FileEnable)

	cfg.initDirs()
	return &cfg
}

func setEnvValue(name string, val *string) {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		*val = v
	}
}

func setEnvBoolValue(name string, val *bool) {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		*val = cast.ToBool(v)
	}
}

func setEnvIntValue(name string, val *int) {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		*val = cast.ToInt(v)
	}
}

package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config application configuration structure
type Config struct {
	Proxy   ProxyConfig   `yaml:"proxy" mapstructure:"proxy"`
	TLS     TLSConfig     `yaml:"tls" mapstructure:"tls"`
	Control ControlConfig `yaml:"control" mapstructure:"control"`
	Store   StoreConfig   `yaml:"store" mapstructure:"store"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
	Output  OutputConfig  `yaml:"output" mapstructure:"output"`
}

// ProxyConfig forward proxy listener configuration
type ProxyConfig struct {
	Host string `yaml:"host" mapstructure:"host"`
	Port int    `yaml:"port" mapstructure:"port"`
	// Mode is the initial operating mode: recording or interception
	Mode string `yaml:"mode" mapstructure:"mode"`
	// Domain is the initial domain filter (empty = every host)
	Domain    string `yaml:"domain" mapstructure:"domain"`
	AutoStart bool   `yaml:"auto_start" mapstructure:"auto_start"`
	// MaxBodyBytes limits the size of captured request bodies (0 = unlimited)
	MaxBodyBytes  int64          `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
	ShutdownGrace time.Duration  `yaml:"shutdown_grace" mapstructure:"shutdown_grace"`
	Upstream      UpstreamConfig `yaml:"upstream" mapstructure:"upstream"`
}

// UpstreamConfig outbound transport tuning, values in seconds
type UpstreamConfig struct {
	DialTimeout           int  `yaml:"dial_timeout" mapstructure:"dial_timeout"`
	MaxIdleConns          int  `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	MaxIdleConnsPerHost   int  `yaml:"max_idle_conns_per_host" mapstructure:"max_idle_conns_per_host"`
	MaxConnsPerHost       int  `yaml:"max_conns_per_host" mapstructure:"max_conns_per_host"`
	IdleConnTimeout       int  `yaml:"idle_conn_timeout" mapstructure:"idle_conn_timeout"`
	ResponseHeaderTimeout int  `yaml:"response_header_timeout" mapstructure:"response_header_timeout"`
	TLSHandshakeTimeout   int  `yaml:"tls_handshake_timeout" mapstructure:"tls_handshake_timeout"`
	ExpectContinueTimeout int  `yaml:"expect_continue_timeout" mapstructure:"expect_continue_timeout"`
	TLSInsecureSkipVerify bool `yaml:"tls_insecure_skip_verify" mapstructure:"tls_insecure_skip_verify"`
}

// TLSConfig interception trust material
type TLSConfig struct {
	Enable         bool          `yaml:"enable" mapstructure:"enable"`
	CACert         string        `yaml:"ca_cert" mapstructure:"ca_cert"`
	CAKey          string        `yaml:"ca_key" mapstructure:"ca_key"`
	CacheLeafCerts bool          `yaml:"cache_leaf_certs" mapstructure:"cache_leaf_certs"`
	LeafValidity   time.Duration `yaml:"leaf_validity" mapstructure:"leaf_validity"`
}

// ControlConfig control API configuration
type ControlConfig struct {
	Host          string            `yaml:"host" mapstructure:"host"`
	Port          int               `yaml:"port" mapstructure:"port"`
	Auth          ControlAuthConfig `yaml:"auth" mapstructure:"auth"`
	CORSOrigins   []string          `yaml:"cors_origins" mapstructure:"cors_origins"`
	ExportFormats []string          `yaml:"export_formats" mapstructure:"export_formats"`
}

// ControlAuthConfig bearer token protection for the control API
type ControlAuthConfig struct {
	Token string `yaml:"token" mapstructure:"token"`
}

// StoreConfig recorded request store parameters
type StoreConfig struct {
	Driver     string `yaml:"driver" mapstructure:"driver"`
	MaxRecords int    `yaml:"max_records" mapstructure:"max_records"`
}

// LogConfig log configuration
type LogConfig struct {
	Level       string        `yaml:"level" mapstructure:"level"`
	FileLogging FileLogConfig `yaml:"file_logging" mapstructure:"file_logging"`
}

// FileLogConfig file log configuration
type FileLogConfig struct {
	Enable     bool   `yaml:"enable" mapstructure:"enable"`
	Path       string `yaml:"path" mapstructure:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `yaml:"compress" mapstructure:"compress"`
}

// OutputConfig controls CLI output style
type OutputConfig struct {
	Mode    string `yaml:"mode" mapstructure:"mode"`
	Silence bool   `yaml:"silence" mapstructure:"silence"`
	// BodyPreviewBytes truncates bodies printed by the console printer (0 = no limit)
	BodyPreviewBytes int `yaml:"body_preview_bytes" mapstructure:"body_preview_bytes"`
}

// LoadConfig load configuration
// If v is nil, a new viper instance will be created
func LoadConfig(configPath string, v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
	}

	setDefaults(v)

	v.SetEnvPrefix("MITMTAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.mitmtap")
		v.AddConfigPath("/etc/mitmtap")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("No config file found, using defaults")
		} else {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	} else {
		log.Printf("Config file loaded: %s", v.ConfigFileUsed())
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	// Unmarshal leaves zero values for keys bound to flags that were never set.
	applyDefaults(&config, v)

	return &config, nil
}

// applyDefaults apply default values to zero-value fields in the struct.
// Bool fields always come from viper so that config file values and defaults both win over zero.
func applyDefaults(cfg *Config, v *viper.Viper) {
	if cfg.Proxy.Host == "" {
		cfg.Proxy.Host = v.GetString("proxy.host")
	}
	if cfg.Proxy.Port == 0 {
		cfg.Proxy.Port = v.GetInt("proxy.port")
	}
	if cfg.Proxy.Mode == "" {
		cfg.Proxy.Mode = v.GetString("proxy.mode")
	}
	cfg.Proxy.AutoStart = v.GetBool("proxy.auto_start")
	if cfg.Proxy.MaxBodyBytes == 0 {
		cfg.Proxy.MaxBodyBytes = v.GetInt64("proxy.max_body_bytes")
	}
	if cfg.Proxy.ShutdownGrace == 0 {
		cfg.Proxy.ShutdownGrace = v.GetDuration("proxy.shutdown_grace")
	}

	up := &cfg.Proxy.Upstream
	if up.DialTimeout == 0 {
		up.DialTimeout = v.GetInt("proxy.upstream.dial_timeout")
	}
	if up.MaxIdleConns == 0 {
		up.MaxIdleConns = v.GetInt("proxy.upstream.max_idle_conns")
	}
	if up.MaxIdleConnsPerHost == 0 {
		up.MaxIdleConnsPerHost = v.GetInt("proxy.upstream.max_idle_conns_per_host")
	}
	if up.MaxConnsPerHost == 0 {
		up.MaxConnsPerHost = v.GetInt("proxy.upstream.max_conns_per_host")
	}
	if up.IdleConnTimeout == 0 {
		up.IdleConnTimeout = v.GetInt("proxy.upstream.idle_conn_timeout")
	}
	if up.ResponseHeaderTimeout == 0 {
		up.ResponseHeaderTimeout = v.GetInt("proxy.upstream.response_header_timeout")
	}
	if up.TLSHandshakeTimeout == 0 {
		up.TLSHandshakeTimeout = v.GetInt("proxy.upstream.tls_handshake_timeout")
	}
	if up.ExpectContinueTimeout == 0 {
		up.ExpectContinueTimeout = v.GetInt("proxy.upstream.expect_continue_timeout")
	}
	up.TLSInsecureSkipVerify = v.GetBool("proxy.upstream.tls_insecure_skip_verify")

	cfg.TLS.Enable = v.GetBool("tls.enable")
	if cfg.TLS.CACert == "" {
		cfg.TLS.CACert = v.GetString("tls.ca_cert")
	}
	if cfg.TLS.CAKey == "" {
		cfg.TLS.CAKey = v.GetString("tls.ca_key")
	}
	cfg.TLS.CACert = expandHome(cfg.TLS.CACert)
	cfg.TLS.CAKey = expandHome(cfg.TLS.CAKey)
	cfg.TLS.CacheLeafCerts = v.GetBool("tls.cache_leaf_certs")
	if cfg.TLS.LeafValidity == 0 {
		cfg.TLS.LeafValidity = v.GetDuration("tls.leaf_validity")
	}

	if cfg.Control.Host == "" {
		cfg.Control.Host = v.GetString("control.host")
	}
	if cfg.Control.Port == 0 {
		cfg.Control.Port = v.GetInt("control.port")
	}
	if len(cfg.Control.CORSOrigins) == 0 {
		cfg.Control.CORSOrigins = v.GetStringSlice("control.cors_origins")
	}
	if len(cfg.Control.ExportFormats) == 0 {
		cfg.Control.ExportFormats = v.GetStringSlice("control.export_formats")
	}
	cfg.Control.ExportFormats = normalizeList(cfg.Control.ExportFormats)

	if cfg.Store.Driver == "" {
		cfg.Store.Driver = v.GetString("store.driver")
	}
	if cfg.Store.MaxRecords == 0 {
		cfg.Store.MaxRecords = v.GetInt("store.max_records")
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = v.GetString("log.level")
	}
	cfg.Log.FileLogging.Enable = v.GetBool("log.file_logging.enable")
	cfg.Log.FileLogging.Compress = v.GetBool("log.file_logging.compress")
	if cfg.Log.FileLogging.Path == "" {
		cfg.Log.FileLogging.Path = v.GetString("log.file_logging.path")
	}
	if cfg.Log.FileLogging.MaxSizeMB == 0 {
		cfg.Log.FileLogging.MaxSizeMB = v.GetInt("log.file_logging.max_size_mb")
	}
	if cfg.Log.FileLogging.MaxBackups == 0 {
		cfg.Log.FileLogging.MaxBackups = v.GetInt("log.file_logging.max_backups")
	}
	if cfg.Log.FileLogging.MaxAgeDays == 0 {
		cfg.Log.FileLogging.MaxAgeDays = v.GetInt("log.file_logging.max_age_days")
	}

	if cfg.Output.Mode == "" {
		cfg.Output.Mode = v.GetString("output.mode")
	}
	cfg.Output.Silence = v.GetBool("output.silence")
	if cfg.Output.BodyPreviewBytes == 0 {
		cfg.Output.BodyPreviewBytes = v.GetInt("output.body_preview_bytes")
	}
}

// setDefaults set default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("proxy.host", "0.0.0.0")
	v.SetDefault("proxy.port", 8080)
	v.SetDefault("proxy.mode", "recording")
	v.SetDefault("proxy.domain", "")
	v.SetDefault("proxy.auto_start", true)
	v.SetDefault("proxy.max_body_bytes", int64(10*1024*1024))
	v.SetDefault("proxy.shutdown_grace", "5s")

	v.SetDefault("proxy.upstream.dial_timeout", 30)
	v.SetDefault("proxy.upstream.max_idle_conns", 200)
	v.SetDefault("proxy.upstream.max_idle_conns_per_host", 50)
	v.SetDefault("proxy.upstream.max_conns_per_host", 100)
	v.SetDefault("proxy.upstream.idle_conn_timeout", 90)
	v.SetDefault("proxy.upstream.response_header_timeout", 60)
	v.SetDefault("proxy.upstream.tls_handshake_timeout", 10)
	v.SetDefault("proxy.upstream.expect_continue_timeout", 1)
	v.SetDefault("proxy.upstream.tls_insecure_skip_verify", false)

	v.SetDefault("tls.enable", true)
	v.SetDefault("tls.ca_cert", "~/.mitmtap/ca-cert.pem")
	v.SetDefault("tls.ca_key", "~/.mitmtap/ca-key.pem")
	v.SetDefault("tls.cache_leaf_certs", true)
	v.SetDefault("tls.leaf_validity", "8760h")

	v.SetDefault("control.host", "127.0.0.1")
	v.SetDefault("control.port", 5000)
	v.SetDefault("control.auth.token", "")
	v.SetDefault("control.cors_origins", []string{"*"})
	v.SetDefault("control.export_formats", []string{"json", "csv"})

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.max_records", 1000)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file_logging.enable", false)
	v.SetDefault("log.file_logging.path", "./mitmtap.log")
	v.SetDefault("log.file_logging.max_size_mb", 10)
	v.SetDefault("log.file_logging.max_backups", 5)
	v.SetDefault("log.file_logging.max_age_days", 30)
	v.SetDefault("log.file_logging.compress", true)

	v.SetDefault("output.mode", "console")
	v.SetDefault("output.silence", false)
	v.SetDefault("output.body_preview_bytes", 4096)
}

// Validate checks the configuration and normalizes enumerations in place.
func (c *Config) Validate() error {
	if c.Proxy.Port < 1 || c.Proxy.Port > 65535 {
		return fmt.Errorf("invalid proxy port: %d (must be 1-65535)", c.Proxy.Port)
	}
	if c.Control.Port < 1 || c.Control.Port > 65535 {
		return fmt.Errorf("invalid control port: %d (must be 1-65535)", c.Control.Port)
	}
	if c.Proxy.Port == c.Control.Port && c.Proxy.Host == c.Control.Host {
		return fmt.Errorf("proxy and control API cannot share %s:%d", c.Proxy.Host, c.Proxy.Port)
	}

	switch strings.ToLower(strings.TrimSpace(c.Proxy.Mode)) {
	case "", "recording":
		c.Proxy.Mode = "recording"
	case "interception":
		c.Proxy.Mode = "interception"
	default:
		return fmt.Errorf("proxy mode must be 'recording' or 'interception'")
	}
	c.Proxy.Domain = strings.TrimSpace(c.Proxy.Domain)

	if c.Proxy.MaxBodyBytes < 0 {
		return fmt.Errorf("proxy max body bytes cannot be negative")
	}
	if c.Proxy.ShutdownGrace < 0 {
		return fmt.Errorf("proxy shutdown grace cannot be negative")
	}

	up := c.Proxy.Upstream
	if up.DialTimeout < 0 || up.ResponseHeaderTimeout < 0 || up.TLSHandshakeTimeout < 0 ||
		up.IdleConnTimeout < 0 || up.ExpectContinueTimeout < 0 {
		return fmt.Errorf("proxy upstream timeouts cannot be negative")
	}
	if up.MaxIdleConns < 0 || up.MaxIdleConnsPerHost < 0 || up.MaxConnsPerHost < 0 {
		return fmt.Errorf("proxy upstream connection limits cannot be negative")
	}

	if c.TLS.Enable {
		if strings.TrimSpace(c.TLS.CACert) == "" || strings.TrimSpace(c.TLS.CAKey) == "" {
			return fmt.Errorf("tls ca_cert and ca_key are required when tls is enabled")
		}
		if c.TLS.LeafValidity <= 0 {
			return fmt.Errorf("tls leaf validity must be greater than zero")
		}
	}

	switch strings.ToLower(strings.TrimSpace(c.Store.Driver)) {
	case "", "memory":
		c.Store.Driver = "memory"
	case "sqlite", "sqlite3":
		c.Store.Driver = "sqlite"
	default:
		return fmt.Errorf("store driver must be memory or sqlite")
	}
	if c.Store.MaxRecords < 1 {
		return fmt.Errorf("store max_records must be at least 1")
	}

	for _, format := range c.Control.ExportFormats {
		switch format {
		case "json", "csv":
		default:
			return fmt.Errorf("unsupported export format: %s", format)
		}
	}

	if c.Output.BodyPreviewBytes < 0 {
		return fmt.Errorf("output body preview bytes cannot be negative")
	}

	switch strings.ToLower(c.Output.Mode) {
	case "", "console", "json":
		if c.Output.Mode == "" {
			c.Output.Mode = "console"
		}
	default:
		return fmt.Errorf("output mode must be 'console' or 'json'")
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	if c.Log.FileLogging.Enable {
		if c.Log.FileLogging.Path == "" {
			return fmt.Errorf("log file path cannot be empty when file logging is enabled")
		}
		if c.Log.FileLogging.MaxSizeMB < 1 {
			return fmt.Errorf("log file max size must be at least 1MB")
		}
		if c.Log.FileLogging.MaxBackups < 0 {
			return fmt.Errorf("log file max backups cannot be negative")
		}
		if c.Log.FileLogging.MaxAgeDays < 0 {
			return fmt.Errorf("log file max age cannot be negative")
		}
	}

	return nil
}

// ProxyAddr returns the host:port the forward proxy binds to.
func (c *Config) ProxyAddr() string {
	return fmt.Sprintf("%s:%d", c.Proxy.Host, c.Proxy.Port)
}

// ControlAddr returns the host:port the control API binds to.
func (c *Config) ControlAddr() string {
	return fmt.Sprintf("%s:%d", c.Control.Host, c.Control.Port)
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}

func normalizeList(list []string) []string {
	if len(list) == 0 {
		return list
	}
	set := make(map[string]struct{}, len(list))
	result := make([]string, 0, len(list))
	for _, item := range list {
		norm := strings.ToLower(strings.TrimSpace(item))
		if norm == "" {
			continue
		}
		if _, exists := set[norm]; exists {
			continue
		}
		set[norm] = struct{}{}
		result = append(result, norm)
	}
	return result
}

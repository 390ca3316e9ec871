package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	AppEnv   string
	LogLevel slog.Level
	HTTPAddr string

	// SQLitePath is the observation database file. The label sidecar and the
	// server side log are placed next to it.
	SQLitePath string
	// DSN overrides the DSN built from SQLitePath when set.
	DSN     string
	DBTrace bool

	// LiveDataURL is the station's live data page. Empty disables polling and
	// the live endpoint.
	LiveDataURL  string
	PollInterval time.Duration

	// MQTTBroker empty disables MQTT ingest.
	MQTTBroker   string
	MQTTPort     int
	MQTTTopic    string
	MQTTClientID string

	ConfigFile string
}

// FileConfig is the optional YAML file named by CONFIG_FILE. Its values are
// defaults; environment variables win.
type FileConfig struct {
	DatabasePath string `yaml:"database_path"`
	LiveDataURL  string `yaml:"live_data_url"`
	Port         int    `yaml:"port"`
	PollInterval string `yaml:"poll_interval"`
}

func LoadFromEnv() (Config, error) {
	return Load(nil)
}

// Load reads the environment plus positional command-line args: the first
// integer argument is the HTTP port, the first other argument the config file
// path. Args win over the environment, which wins over the config file.
func Load(args []string) (Config, error) {
	argPort, argConfigFile := splitArgs(args)
	if argPort < 0 || argPort > 65535 {
		return Config{}, fmt.Errorf("invalid port argument %d", argPort)
	}

	appEnv := strings.TrimSpace(os.Getenv("APP_ENV"))
	if appEnv == "" {
		appEnv = "dev"
	}
	switch appEnv {
	case "dev", "prod":
	default:
		return Config{}, fmt.Errorf("invalid APP_ENV %q (allowed: dev, prod)", appEnv)
	}

	logLevelStr := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if logLevelStr == "" {
		logLevelStr = "info"
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	configFile := argConfigFile
	if configFile == "" {
		configFile = strings.TrimSpace(os.Getenv("CONFIG_FILE"))
	}
	file, err := LoadFile(configFile)
	if err != nil {
		return Config{}, err
	}

	httpAddr := strings.TrimSpace(os.Getenv("HTTP_ADDR"))
	if argPort != 0 {
		httpAddr = ":" + strconv.Itoa(argPort)
	}
	if httpAddr == "" && file.Port != 0 {
		httpAddr = ":" + strconv.Itoa(file.Port)
	}
	if httpAddr == "" {
		httpAddr = ":8080"
	}

	path := strings.TrimSpace(os.Getenv("SQLITE_PATH"))
	if path == "" {
		path = file.DatabasePath
	}
	if path == "" {
		path = "aw2sqlite.db"
	}
	dsn := strings.TrimSpace(os.Getenv("DB_DSN"))

	dbTrace, err := parseBool("DB_TRACE", os.Getenv("DB_TRACE"))
	if err != nil {
		return Config{}, err
	}

	liveURL := strings.TrimSpace(os.Getenv("LIVE_DATA_URL"))
	if liveURL == "" {
		liveURL = file.LiveDataURL
	}

	pollStr := strings.TrimSpace(os.Getenv("POLL_INTERVAL"))
	if pollStr == "" {
		pollStr = file.PollInterval
	}
	if pollStr == "" {
		pollStr = "60s"
	}
	pollInterval, err := time.ParseDuration(pollStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid POLL_INTERVAL %q: %w", pollStr, err)
	}
	if pollInterval <= 0 {
		return Config{}, fmt.Errorf("invalid POLL_INTERVAL %q: must be positive", pollStr)
	}

	mqttPortStr := strings.TrimSpace(os.Getenv("MQTT_PORT"))
	if mqttPortStr == "" {
		mqttPortStr = "1883"
	}
	mqttPort, err := strconv.Atoi(mqttPortStr)
	if err != nil || mqttPort <= 0 || mqttPort > 65535 {
		return Config{}, fmt.Errorf("invalid MQTT_PORT %q", mqttPortStr)
	}

	mqttTopic := strings.TrimSpace(os.Getenv("MQTT_TOPIC"))
	if mqttTopic == "" {
		mqttTopic = "weather/observations"
	}
	mqttClientID := strings.TrimSpace(os.Getenv("MQTT_CLIENT_ID"))
	if mqttClientID == "" {
		mqttClientID = "aw2sqlite"
	}

	return Config{
		AppEnv:       appEnv,
		LogLevel:     level,
		HTTPAddr:     httpAddr,
		SQLitePath:   path,
		DSN:          dsn,
		DBTrace:      dbTrace,
		LiveDataURL:  liveURL,
		PollInterval: pollInterval,
		MQTTBroker:   strings.TrimSpace(os.Getenv("MQTT_BROKER")),
		MQTTPort:     mqttPort,
		MQTTTopic:    mqttTopic,
		MQTTClientID: mqttClientID,
		ConfigFile:   configFile,
	}, nil
}

func splitArgs(args []string) (port int, configFile string) {
	for _, arg := range args {
		if n, err := strconv.Atoi(arg); err == nil {
			if port == 0 {
				port = n
			}
			continue
		}
		if configFile == "" {
			configFile = arg
		}
	}
	return port, configFile
}

// LoadFile reads the YAML config file at path. An empty path yields a zero
// FileConfig; a named file that does not exist is an error.
func LoadFile(path string) (FileConfig, error) {
	var fc FileConfig
	if path == "" {
		return fc, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fc, fmt.Errorf("CONFIG_FILE %q does not exist", path)
		}
		return fc, fmt.Errorf("read CONFIG_FILE %q: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return fc, fmt.Errorf("parse CONFIG_FILE %q: %w", path, err)
	}
	if fc.Port < 0 || fc.Port > 65535 {
		return fc, fmt.Errorf("CONFIG_FILE %q: invalid port %d", path, fc.Port)
	}
	return fc, nil
}

func parseBool(name, s string) (bool, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", name, s, err)
	}
	return b, nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q (allowed: debug, info, warn, error)", s)
	}
}

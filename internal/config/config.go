package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	Alerting      AlertingConfig      `yaml:"alerting"`
	Live          LiveConfig          `yaml:"live"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type StorageConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

type AlertingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"`
}

type LiveConfig struct {
	PushIntervalMS int `yaml:"push_interval_ms"`
}

type ObservabilityConfig struct {
	OTel OTelConfig `yaml:"otel"`
}

type OTelConfig struct {
	Enabled                bool    `yaml:"enabled"`
	Endpoint               string  `yaml:"endpoint"`
	Insecure               bool    `yaml:"insecure"`
	ServiceName            string  `yaml:"service_name"`
	TracesEnabled          bool    `yaml:"traces_enabled"`
	MetricsEnabled         bool    `yaml:"metrics_enabled"`
	SamplingRatio          float64 `yaml:"sampling_ratio"`
	ExportTimeoutMS        int     `yaml:"export_timeout_ms"`
	MetricExportIntervalMS int     `yaml:"metric_export_interval_ms"`
}

const (
	defaultOTELEndpoint               = "localhost:4318"
	defaultOTELServiceName            = "tracelens"
	defaultOTELSamplingRatio          = 1.0
	defaultOTELExportTimeoutMS        = 3000
	defaultOTELMetricExportIntervalMS = 10000
)

const defaultAlertSchedule = "* * * * *"

func Default() Config {
	return Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   "./data/tracelens.db",
		},
		Alerting: AlertingConfig{
			Enabled:  true,
			Schedule: defaultAlertSchedule,
		},
		Live: LiveConfig{
			PushIntervalMS: 5000,
		},
		Observability: ObservabilityConfig{
			OTel: OTelConfig{
				Enabled:                false,
				Endpoint:               defaultOTELEndpoint,
				Insecure:               true,
				ServiceName:            defaultOTELServiceName,
				TracesEnabled:          true,
				MetricsEnabled:         true,
				SamplingRatio:          defaultOTELSamplingRatio,
				ExportTimeoutMS:        defaultOTELExportTimeoutMS,
				MetricExportIntervalMS: defaultOTELMetricExportIntervalMS,
			},
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			decoder := yaml.NewDecoder(bytes.NewReader(data))
			decoder.KnownFields(true)
			decodeErr := decoder.Decode(&cfg)
			if errors.Is(decodeErr, io.EOF) {
				decodeErr = nil
			}
			if decodeErr != nil {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, decodeErr)
			}
			// Reject multi-document configs to keep runtime configuration
			// unambiguous and avoid hidden trailing documents.
			var trailing any
			trailingErr := decoder.Decode(&trailing)
			if trailingErr != nil && !errors.Is(trailingErr, io.EOF) {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, trailingErr)
			}
			if trailing != nil {
				return Config{}, fmt.Errorf("parse yaml %q: multiple yaml documents are not supported", path)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks configuration invariants required at runtime.
func Validate(cfg Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535 (got %d)", cfg.Server.Port)
	}

	driver := strings.TrimSpace(cfg.Storage.Driver)
	switch driver {
	case "sqlite":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return errors.New("storage.path is required when storage.driver=sqlite")
		}
	case "postgres":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return errors.New("storage.dsn is required when storage.driver=postgres")
		}
	default:
		return fmt.Errorf("storage.driver must be one of sqlite, postgres (got %q)", cfg.Storage.Driver)
	}

	if cfg.Alerting.Enabled {
		schedule := strings.TrimSpace(cfg.Alerting.Schedule)
		if schedule == "" {
			return errors.New("alerting.schedule is required when alerting.enabled=true")
		}
		if _, err := cron.ParseStandard(schedule); err != nil {
			return fmt.Errorf("alerting.schedule is not a valid cron expression (got %q): %w", cfg.Alerting.Schedule, err)
		}
	}

	if cfg.Live.PushIntervalMS <= 0 {
		return fmt.Errorf("live.push_interval_ms must be > 0 (got %d)", cfg.Live.PushIntervalMS)
	}

	if err := validateOTelConfig(cfg.Observability.OTel); err != nil {
		return err
	}

	return nil
}

func validateOTelConfig(cfg OTelConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return errors.New("observability.otel.endpoint is required when observability.otel.enabled=true")
	}
	if strings.TrimSpace(cfg.ServiceName) == "" {
		return errors.New("observability.otel.service_name is required when observability.otel.enabled=true")
	}
	if !cfg.TracesEnabled && !cfg.MetricsEnabled {
		return errors.New("observability.otel requires traces_enabled and/or metrics_enabled when enabled")
	}
	if cfg.SamplingRatio < 0 || cfg.SamplingRatio > 1 {
		return fmt.Errorf("observability.otel.sampling_ratio must be between 0 and 1 (got %f)", cfg.SamplingRatio)
	}
	if cfg.ExportTimeoutMS <= 0 {
		return fmt.Errorf("observability.otel.export_timeout_ms must be > 0 (got %d)", cfg.ExportTimeoutMS)
	}
	if cfg.MetricExportIntervalMS <= 0 {
		return fmt.Errorf("observability.otel.metric_export_interval_ms must be > 0 (got %d)", cfg.MetricExportIntervalMS)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if host := os.Getenv("TRACELENS_HOST"); host != "" {
		cfg.Server.Host = host
	}

	if port := os.Getenv("TRACELENS_PORT"); port != "" {
		v, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid TRACELENS_PORT: %w", err)
		}
		cfg.Server.Port = v
	}

	if storageDriver := os.Getenv("TRACELENS_STORAGE_DRIVER"); storageDriver != "" {
		cfg.Storage.Driver = storageDriver
	}
	if storagePath := os.Getenv("TRACELENS_STORAGE_PATH"); storagePath != "" {
		cfg.Storage.Path = storagePath
	}
	if storageDSN := os.Getenv("TRACELENS_STORAGE_DSN"); storageDSN != "" {
		cfg.Storage.DSN = storageDSN
	}

	if alertingEnabled := os.Getenv("TRACELENS_ALERTING_ENABLED"); alertingEnabled != "" {
		v, err := strconv.ParseBool(alertingEnabled)
		if err != nil {
			return fmt.Errorf("invalid TRACELENS_ALERTING_ENABLED: %w", err)
		}
		cfg.Alerting.Enabled = v
	}
	if alertSchedule := os.Getenv("TRACELENS_ALERTING_SCHEDULE"); alertSchedule != "" {
		cfg.Alerting.Schedule = alertSchedule
	}

	if pushInterval := os.Getenv("TRACELENS_LIVE_PUSH_INTERVAL_MS"); pushInterval != "" {
		v, err := strconv.Atoi(pushInterval)
		if err != nil {
			return fmt.Errorf("invalid TRACELENS_LIVE_PUSH_INTERVAL_MS: %w", err)
		}
		cfg.Live.PushIntervalMS = v
	}

	otelConfigured := false
	otelSDKDisabledSet := false
	if sdkDisabled := strings.TrimSpace(os.Getenv("OTEL_SDK_DISABLED")); sdkDisabled != "" {
		v, err := strconv.ParseBool(sdkDisabled)
		if err != nil {
			return fmt.Errorf("invalid OTEL_SDK_DISABLED: %w", err)
		}
		cfg.Observability.OTel.Enabled = !v
		otelSDKDisabledSet = true
		otelConfigured = true
	}
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		cfg.Observability.OTel.Endpoint = endpoint
		otelConfigured = true
	}
	if insecure := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); insecure != "" {
		v, err := strconv.ParseBool(insecure)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_INSECURE: %w", err)
		}
		cfg.Observability.OTel.Insecure = v
		otelConfigured = true
	}
	if serviceName := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); serviceName != "" {
		cfg.Observability.OTel.ServiceName = serviceName
		otelConfigured = true
	}
	if tracesExporter := strings.TrimSpace(os.Getenv("OTEL_TRACES_EXPORTER")); tracesExporter != "" {
		enabled, err := otelExporterEnabled(tracesExporter)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_EXPORTER: %w", err)
		}
		cfg.Observability.OTel.TracesEnabled = enabled
		otelConfigured = true
	}
	if metricsExporter := strings.TrimSpace(os.Getenv("OTEL_METRICS_EXPORTER")); metricsExporter != "" {
		enabled, err := otelExporterEnabled(metricsExporter)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRICS_EXPORTER: %w", err)
		}
		cfg.Observability.OTel.MetricsEnabled = enabled
		otelConfigured = true
	}
	if samplingRatio := strings.TrimSpace(os.Getenv("OTEL_TRACES_SAMPLER_ARG")); samplingRatio != "" {
		v, err := strconv.ParseFloat(samplingRatio, 64)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_SAMPLER_ARG: %w", err)
		}
		cfg.Observability.OTel.SamplingRatio = v
		otelConfigured = true
	}
	if exportTimeout := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_TIMEOUT")); exportTimeout != "" {
		v, err := strconv.Atoi(exportTimeout)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_TIMEOUT: %w", err)
		}
		cfg.Observability.OTel.ExportTimeoutMS = v
		otelConfigured = true
	}
	if metricExportInterval := strings.TrimSpace(os.Getenv("OTEL_METRIC_EXPORT_INTERVAL")); metricExportInterval != "" {
		v, err := strconv.Atoi(metricExportInterval)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRIC_EXPORT_INTERVAL: %w", err)
		}
		cfg.Observability.OTel.MetricExportIntervalMS = v
		otelConfigured = true
	}
	if otelConfigured && !otelSDKDisabledSet {
		cfg.Observability.OTel.Enabled = true
	}

	return nil
}

func otelExporterEnabled(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "otlp":
		return true, nil
	case "none":
		return false, nil
	default:
		return false, fmt.Errorf("must be one of otlp, none (got %q)", value)
	}
}

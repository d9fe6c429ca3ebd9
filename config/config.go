/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"

	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT               = "5001"
	DEFAULT_COMMISSION_RATE    = "0.15"
	DEFAULT_HOLD_WINDOW        = 24 * time.Hour
	DEFAULT_DISPUTE_WINDOW     = 24 * time.Hour
	DEFAULT_JOB_MAX_RETRIES    = 5
	DEFAULT_JOB_BATCH_SIZE     = 50
	DEFAULT_SWEEP_INTERVAL     = time.Minute
	DEFAULT_RETRY_BASE_DELAY   = 10 * time.Second
	DEFAULT_PROVIDER_TIMEOUT   = 30 * time.Second
	DEFAULT_DISPATCH_TIMEOUT   = 10 * time.Second
	DEFAULT_SWEEP_WORKERS      = 5
	DEFAULT_JOB_QUEUE          = "escrow_jobs"
	DEFAULT_NOTIFICATION_QUEUE = "escrow_notifications"
	DEFAULT_MONITORING_PORT    = "5004"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	SSL       bool   `json:"ssl" envconfig:"ESCROW_SERVER_SSL"`
	Secure    bool   `json:"secure" envconfig:"ESCROW_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"ESCROW_SERVER_SECRET_KEY"`
	Domain    string `json:"domain" envconfig:"ESCROW_SERVER_SSL_DOMAIN"`
	Email     string `json:"ssl_email" envconfig:"ESCROW_SERVER_SSL_EMAIL"`
	Port      string `json:"port" envconfig:"ESCROW_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"ESCROW_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"ESCROW_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"ESCROW_REDIS_SKIP_TLS_VERIFY"`
}

type QueueConfig struct {
	JobQueue          string `json:"job_queue" envconfig:"ESCROW_QUEUE_JOB"`
	NotificationQueue string `json:"notification_queue" envconfig:"ESCROW_QUEUE_NOTIFICATION"`
	MonitoringPort    string `json:"monitoring_port" envconfig:"ESCROW_QUEUE_MONITORING_PORT"`
	Concurrency       int    `json:"concurrency" envconfig:"ESCROW_QUEUE_CONCURRENCY"`
}

type CommissionRateConfig struct {
	Rate          string    `json:"rate"`
	EffectiveFrom time.Time `json:"effective_from"`
}

type SettlementConfig struct {
	CommissionRate     string                 `json:"commission_rate" envconfig:"ESCROW_COMMISSION_RATE"`
	CommissionRates    []CommissionRateConfig `json:"commission_rates" ignored:"true"`
	HoldWindowHours    int                    `json:"hold_window_hours" envconfig:"ESCROW_HOLD_WINDOW_HOURS"`
	DisputeWindowHours int                    `json:"dispute_window_hours" envconfig:"ESCROW_DISPUTE_WINDOW_HOURS"`
	Currency           string                 `json:"currency" envconfig:"ESCROW_CURRENCY"`
}

type JobsConfig struct {
	MaxRetries        int `json:"max_retries" envconfig:"ESCROW_JOBS_MAX_RETRIES"`
	BatchSize         int `json:"batch_size" envconfig:"ESCROW_JOBS_BATCH_SIZE"`
	SweepIntervalSec  int `json:"sweep_interval_sec" envconfig:"ESCROW_JOBS_SWEEP_INTERVAL_SEC"`
	RetryBaseDelaySec int `json:"retry_base_delay_sec" envconfig:"ESCROW_JOBS_RETRY_BASE_DELAY_SEC"`
	MaxWorkers        int `json:"max_workers" envconfig:"ESCROW_JOBS_MAX_WORKERS"`
}

type ProviderConfig struct {
	Name       string `json:"name" envconfig:"ESCROW_PROVIDER_NAME"`
	BaseURL    string `json:"base_url" envconfig:"ESCROW_PROVIDER_BASE_URL"`
	SecretKey  string `json:"secret_key" envconfig:"ESCROW_PROVIDER_SECRET_KEY"`
	TimeoutSec int    `json:"timeout_sec" envconfig:"ESCROW_PROVIDER_TIMEOUT_SEC"`
}

type DispatchConfig struct {
	Url                  string   `json:"url" envconfig:"ESCROW_DISPATCH_URL"`
	TimeoutSec           int      `json:"timeout_sec" envconfig:"ESCROW_DISPATCH_TIMEOUT_SEC"`
	PerishableCategories []string `json:"perishable_categories" envconfig:"ESCROW_DISPATCH_PERISHABLE_CATEGORIES"`
	Headers              struct {
		Authorization string `json:"Authorization"`
	} `json:"headers"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"ESCROW_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"ESCROW_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"ESCROW_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url" envconfig:"ESCROW_SLACK_WEBHOOK_URL"`
}

type WebhookConfig struct {
	Url     string            `json:"url" envconfig:"ESCROW_WEBHOOK_URL"`
	Headers map[string]string `json:"headers"`
}

type Notification struct {
	Slack        SlackWebhook  `json:"slack"`
	Webhook      WebhookConfig `json:"webhook"`
	AdminUserIDs []string      `json:"admin_user_ids" envconfig:"ESCROW_ADMIN_USER_IDS"`
}

type TelemetryConfig struct {
	PosthogKey   string `json:"posthog_key" envconfig:"ESCROW_POSTHOG_KEY"`
	OtlpEndpoint string `json:"otlp_endpoint" envconfig:"ESCROW_OTLP_ENDPOINT"`
}

type Configuration struct {
	ProjectName     string           `json:"project_name" envconfig:"ESCROW_PROJECT_NAME"`
	Server          ServerConfig     `json:"server"`
	DataSource      DataSourceConfig `json:"data_source"`
	Redis           RedisConfig      `json:"redis"`
	Queue           QueueConfig      `json:"queue"`
	Settlement      SettlementConfig `json:"settlement"`
	Jobs            JobsConfig       `json:"jobs"`
	Provider        ProviderConfig   `json:"provider"`
	Dispatch        DispatchConfig   `json:"dispatch"`
	Notification    Notification     `json:"notification"`
	RateLimit       RateLimitConfig  `json:"rate_limit"`
	EnableTelemetry bool             `json:"enable_telemetry" envconfig:"ESCROW_ENABLE_TELEMETRY"`
	Telemetry       TelemetryConfig  `json:"telemetry"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}

	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("escrow", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called escrow.json with your config")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Escrow Server"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)

	if cnf.Redis.Dns == "" {
		log.Println("Warning: Redis DNS is empty. Locks, cache and queue wake-ups are disabled.")
	}

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	if cnf.Queue.JobQueue == "" {
		cnf.Queue.JobQueue = DEFAULT_JOB_QUEUE
	}
	if cnf.Queue.NotificationQueue == "" {
		cnf.Queue.NotificationQueue = DEFAULT_NOTIFICATION_QUEUE
	}
	if cnf.Queue.MonitoringPort == "" {
		cnf.Queue.MonitoringPort = DEFAULT_MONITORING_PORT
	}
	if cnf.Queue.Concurrency <= 0 {
		cnf.Queue.Concurrency = 1
	}

	if err := cnf.Settlement.validate(); err != nil {
		return err
	}

	if cnf.Jobs.MaxRetries <= 0 {
		cnf.Jobs.MaxRetries = DEFAULT_JOB_MAX_RETRIES
	}
	if cnf.Jobs.BatchSize <= 0 {
		cnf.Jobs.BatchSize = DEFAULT_JOB_BATCH_SIZE
	}
	if cnf.Jobs.MaxWorkers <= 0 {
		cnf.Jobs.MaxWorkers = DEFAULT_SWEEP_WORKERS
	}
	if cnf.Provider.Name == "" {
		cnf.Provider.Name = "provider"
	}

	// Rate limiting is disabled by default (when both RPS and Burst are nil)
	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		defaultBurst := 2 * int(*cnf.RateLimit.RequestsPerSecond)
		cnf.RateLimit.Burst = &defaultBurst
		log.Printf("Warning: Rate limit burst not specified. Setting default value: %d", defaultBurst)
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		defaultRPS := float64(*cnf.RateLimit.Burst) / 2
		cnf.RateLimit.RequestsPerSecond = &defaultRPS
		log.Printf("Warning: Rate limit RPS not specified. Setting default value: %.2f", defaultRPS)
	}
	if cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
	}

	return nil
}

func (s *SettlementConfig) validate() error {
	if s.CommissionRate == "" && len(s.CommissionRates) == 0 {
		s.CommissionRate = DEFAULT_COMMISSION_RATE
	}
	if s.CommissionRate != "" {
		if _, err := parseRate(s.CommissionRate); err != nil {
			return err
		}
	}
	for _, r := range s.CommissionRates {
		if _, err := parseRate(r.Rate); err != nil {
			return err
		}
	}
	return nil
}

func parseRate(raw string) (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid commission rate %q: %w", raw, err)
	}
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.Zero, fmt.Errorf("commission rate %s must be between 0 and 1", rate)
	}
	return rate, nil
}

// CommissionVersions returns the configured rate versions. The single
// commission_rate shorthand becomes a version effective since the epoch.
func (s SettlementConfig) CommissionVersions() ([]CommissionRateConfig, []decimal.Decimal, error) {
	versions := append([]CommissionRateConfig(nil), s.CommissionRates...)
	if s.CommissionRate != "" {
		versions = append(versions, CommissionRateConfig{Rate: s.CommissionRate, EffectiveFrom: time.Unix(0, 0).UTC()})
	}
	if len(versions) == 0 {
		versions = append(versions, CommissionRateConfig{Rate: DEFAULT_COMMISSION_RATE, EffectiveFrom: time.Unix(0, 0).UTC()})
	}
	rates := make([]decimal.Decimal, len(versions))
	for i, v := range versions {
		rate, err := parseRate(v.Rate)
		if err != nil {
			return nil, nil, err
		}
		rates[i] = rate
	}
	return versions, rates, nil
}

func (s SettlementConfig) HoldWindow() time.Duration {
	if s.HoldWindowHours <= 0 {
		return DEFAULT_HOLD_WINDOW
	}
	return time.Duration(s.HoldWindowHours) * time.Hour
}

func (s SettlementConfig) DisputeWindow() time.Duration {
	if s.DisputeWindowHours <= 0 {
		return DEFAULT_DISPUTE_WINDOW
	}
	return time.Duration(s.DisputeWindowHours) * time.Hour
}

func (j JobsConfig) Retries() int {
	if j.MaxRetries <= 0 {
		return DEFAULT_JOB_MAX_RETRIES
	}
	return j.MaxRetries
}

func (j JobsConfig) Batch() int {
	if j.BatchSize <= 0 {
		return DEFAULT_JOB_BATCH_SIZE
	}
	return j.BatchSize
}

func (j JobsConfig) Workers() int {
	if j.MaxWorkers <= 0 {
		return DEFAULT_SWEEP_WORKERS
	}
	return j.MaxWorkers
}

func (j JobsConfig) SweepInterval() time.Duration {
	if j.SweepIntervalSec <= 0 {
		return DEFAULT_SWEEP_INTERVAL
	}
	return time.Duration(j.SweepIntervalSec) * time.Second
}

func (j JobsConfig) RetryBaseDelay() time.Duration {
	if j.RetryBaseDelaySec <= 0 {
		return DEFAULT_RETRY_BASE_DELAY
	}
	return time.Duration(j.RetryBaseDelaySec) * time.Second
}

func (p ProviderConfig) Timeout() time.Duration {
	if p.TimeoutSec <= 0 {
		return DEFAULT_PROVIDER_TIMEOUT
	}
	return time.Duration(p.TimeoutSec) * time.Second
}

func (d DispatchConfig) Timeout() time.Duration {
	if d.TimeoutSec <= 0 {
		return DEFAULT_DISPATCH_TIMEOUT
	}
	return time.Duration(d.TimeoutSec) * time.Second
}

// IsPerishable reports whether orders in the category need immediate dispatch.
func (d DispatchConfig) IsPerishable(category string) bool {
	for _, c := range d.PerishableCategories {
		if strings.EqualFold(strings.TrimSpace(c), category) {
			return true
		}
	}
	return false
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}

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
	"log"
	"math"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT = "5001"

	LockBackendPostgres = "postgres"
	LockBackendRedis    = "redis"
)

// lockTTLMargin is added on top of the worst case gateway retry envelope.
const lockTTLMargin = time.Minute

var ConfigStore atomic.Value

type ServerConfig struct {
	SSL       bool   `json:"ssl" envconfig:"DISBURSE_SERVER_SSL"`
	Secure    bool   `json:"secure" envconfig:"DISBURSE_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"DISBURSE_SERVER_SECRET_KEY"`
	Domain    string `json:"domain" envconfig:"DISBURSE_SERVER_SSL_DOMAIN"`
	Email     string `json:"ssl_email" envconfig:"DISBURSE_SERVER_SSL_EMAIL"`
	Port      string `json:"port" envconfig:"DISBURSE_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"DISBURSE_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"DISBURSE_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"DISBURSE_REDIS_SKIP_TLS_VERIFY"`
}

type QueueConfig struct {
	ReconcileQueue   string `json:"reconcile_queue" envconfig:"DISBURSE_QUEUE_RECONCILE"`
	SweepQueue       string `json:"sweep_queue" envconfig:"DISBURSE_QUEUE_SWEEP"`
	WebhookQueue     string `json:"webhook_queue" envconfig:"DISBURSE_QUEUE_WEBHOOK"`
	SweepInterval    string `json:"sweep_interval" envconfig:"DISBURSE_QUEUE_SWEEP_INTERVAL"`
	SweepBatchSize   int    `json:"sweep_batch_size" envconfig:"DISBURSE_QUEUE_SWEEP_BATCH_SIZE"`
	MonitoringPort   string `json:"monitoring_port" envconfig:"DISBURSE_QUEUE_MONITORING_PORT"`
	WorkerConcurrent int    `json:"worker_concurrency" envconfig:"DISBURSE_QUEUE_WORKER_CONCURRENCY"`
}

type GatewayConfig struct {
	BaseURL        string `json:"base_url" envconfig:"DISBURSE_GATEWAY_BASE_URL"`
	ClientID       string `json:"client_id" envconfig:"DISBURSE_GATEWAY_CLIENT_ID"`
	ClientSecret   string `json:"client_secret" envconfig:"DISBURSE_GATEWAY_CLIENT_SECRET"`
	TimeoutSeconds int    `json:"timeout_seconds" envconfig:"DISBURSE_GATEWAY_TIMEOUT_SECONDS"`
	Currency       string `json:"currency" envconfig:"DISBURSE_GATEWAY_CURRENCY"`
	EmailSubject   string `json:"email_subject" envconfig:"DISBURSE_GATEWAY_EMAIL_SUBJECT"`
	EmailMessage   string `json:"email_message" envconfig:"DISBURSE_GATEWAY_EMAIL_MESSAGE"`
	WebhookID      string `json:"webhook_id" envconfig:"DISBURSE_GATEWAY_WEBHOOK_ID"`
}

func (g GatewayConfig) Timeout() time.Duration {
	return time.Duration(g.TimeoutSeconds) * time.Second
}

type RetryConfig struct {
	MaxRetries        *int     `json:"max_retries" envconfig:"DISBURSE_RETRY_MAX_RETRIES"`
	BaseDelayMs       int      `json:"base_delay_ms" envconfig:"DISBURSE_RETRY_BASE_DELAY_MS"`
	MaxDelayMs        int      `json:"max_delay_ms" envconfig:"DISBURSE_RETRY_MAX_DELAY_MS"`
	BackoffMultiplier float64  `json:"backoff_multiplier" envconfig:"DISBURSE_RETRY_BACKOFF_MULTIPLIER"`
	RetryableErrors   []string `json:"retryable_errors" envconfig:"DISBURSE_RETRY_RETRYABLE_ERRORS"`
}

type DisbursementConfig struct {
	LockBackend           string      `json:"lock_backend" envconfig:"DISBURSE_LOCK_BACKEND"`
	LockTTLSeconds        int         `json:"lock_ttl_seconds" envconfig:"DISBURSE_LOCK_TTL_SECONDS"`
	CooldownSeconds       int         `json:"cooldown_seconds" envconfig:"DISBURSE_COOLDOWN_SECONDS"`
	ReconcileDelaySeconds int         `json:"reconcile_delay_seconds" envconfig:"DISBURSE_RECONCILE_DELAY_SECONDS"`
	CycleCacheTTLSeconds  int         `json:"cycle_cache_ttl_seconds" envconfig:"DISBURSE_CYCLE_CACHE_TTL_SECONDS"`
	Retry                 RetryConfig `json:"retry"`
}

func (d DisbursementConfig) LockTTL() time.Duration {
	return time.Duration(d.LockTTLSeconds) * time.Second
}

func (d DisbursementConfig) Cooldown() time.Duration {
	return time.Duration(d.CooldownSeconds) * time.Second
}

func (d DisbursementConfig) ReconcileDelay() time.Duration {
	return time.Duration(d.ReconcileDelaySeconds) * time.Second
}

func (d DisbursementConfig) CycleCacheTTL() time.Duration {
	return time.Duration(d.CycleCacheTTLSeconds) * time.Second
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"DISBURSE_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"DISBURSE_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"DISBURSE_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url" envconfig:"DISBURSE_SLACK_WEBHOOK_URL"`
}

type WebhookConfig struct {
	Url     string            `json:"url" envconfig:"DISBURSE_WEBHOOK_URL"`
	Headers map[string]string `json:"headers"`
}

type Notification struct {
	Slack   SlackWebhook  `json:"slack"`
	Webhook WebhookConfig `json:"webhook"`
}

type Configuration struct {
	ProjectName     string             `json:"project_name" envconfig:"DISBURSE_PROJECT_NAME"`
	Server          ServerConfig       `json:"server"`
	DataSource      DataSourceConfig   `json:"data_source"`
	Redis           RedisConfig        `json:"redis"`
	Queue           QueueConfig        `json:"queue"`
	Gateway         GatewayConfig      `json:"gateway"`
	Disbursement    DisbursementConfig `json:"disbursement"`
	Notification    Notification       `json:"notification"`
	RateLimit       RateLimitConfig    `json:"rate_limit"`
	EnableTelemetry bool               `json:"enable_telemetry" envconfig:"DISBURSE_ENABLE_TELEMETRY"`
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
	err = envconfig.Process("disburse", &cnf)
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
		return nil, errors.New("config not loaded from file. Create a json file called disburse.json with your config")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Disburse Server"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	cnf.Queue.addDefaults()
	cnf.Gateway.addDefaults()
	if err := cnf.Disbursement.validateAndAddDefaults(cnf.Gateway.Timeout()); err != nil {
		return err
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
		defaultCleanup := 10800 // 3 hours in seconds
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
	}

	return nil
}

func (q *QueueConfig) addDefaults() {
	if q.ReconcileQueue == "" {
		q.ReconcileQueue = "reconcile_batch"
	}
	if q.SweepQueue == "" {
		q.SweepQueue = "reconcile_sweep"
	}
	if q.WebhookQueue == "" {
		q.WebhookQueue = "webhooks"
	}
	if q.SweepInterval == "" {
		q.SweepInterval = "@every 5m"
	}
	if q.SweepBatchSize <= 0 {
		q.SweepBatchSize = 50
	}
	if q.MonitoringPort == "" {
		q.MonitoringPort = "5004"
	}
	if q.WorkerConcurrent <= 0 {
		q.WorkerConcurrent = 10
	}
}

func (g *GatewayConfig) addDefaults() {
	if g.BaseURL == "" {
		g.BaseURL = "https://api-m.sandbox.paypal.com"
	}
	g.BaseURL = strings.TrimRight(strings.TrimSpace(g.BaseURL), "/")
	if g.TimeoutSeconds <= 0 {
		g.TimeoutSeconds = 30
	}
	if g.Currency == "" {
		g.Currency = "USD"
	}
	g.Currency = strings.ToUpper(g.Currency)
	if g.EmailSubject == "" {
		g.EmailSubject = "You have a payout!"
	}
	if g.EmailMessage == "" {
		g.EmailMessage = "You have received a payout. Thanks for learning with us!"
	}
}

func (d *DisbursementConfig) validateAndAddDefaults(gatewayTimeout time.Duration) error {
	switch d.LockBackend {
	case "":
		d.LockBackend = LockBackendPostgres
	case LockBackendPostgres, LockBackendRedis:
	default:
		return errors.New("lock backend must be either postgres or redis")
	}
	if d.LockTTLSeconds <= 0 {
		d.LockTTLSeconds = 600
	}
	if d.CooldownSeconds <= 0 {
		d.CooldownSeconds = 60
	}
	if d.ReconcileDelaySeconds <= 0 {
		d.ReconcileDelaySeconds = 300
	}
	if d.CycleCacheTTLSeconds <= 0 {
		d.CycleCacheTTLSeconds = 30
	}

	r := &d.Retry
	if r.MaxRetries == nil {
		maxRetries := 3
		r.MaxRetries = &maxRetries
	}
	if *r.MaxRetries < 0 {
		return errors.New("retry max_retries cannot be negative")
	}
	if r.BaseDelayMs <= 0 {
		r.BaseDelayMs = 500
	}
	if r.MaxDelayMs <= 0 {
		r.MaxDelayMs = 8000
	}
	if r.MaxDelayMs < r.BaseDelayMs {
		r.MaxDelayMs = r.BaseDelayMs
	}
	if r.BackoffMultiplier < 1 {
		r.BackoffMultiplier = 2.0
	}
	if len(r.RetryableErrors) == 0 {
		r.RetryableErrors = []string{"timeout", "connection_reset", "rate_limit", "server_error"}
	}

	minTTL := RetryEnvelope(*r, gatewayTimeout) + lockTTLMargin
	if d.LockTTL() < minTTL {
		log.Printf("Warning: lock TTL %s is shorter than the gateway retry envelope. Raising it to %s", d.LockTTL(), minTTL)
		d.LockTTLSeconds = int(math.Ceil(minTTL.Seconds()))
	}
	return nil
}

// RetryEnvelope is the longest a gateway submission can take: every attempt hitting
// the timeout plus every backoff delay.
func RetryEnvelope(r RetryConfig, gatewayTimeout time.Duration) time.Duration {
	maxRetries := 0
	if r.MaxRetries != nil {
		maxRetries = *r.MaxRetries
	}
	total := time.Duration(maxRetries+1) * gatewayTimeout
	delay := float64(r.BaseDelayMs)
	for i := 0; i < maxRetries; i++ {
		total += time.Duration(math.Min(delay, float64(r.MaxDelayMs))) * time.Millisecond
		delay *= r.BackoffMultiplier
	}
	return total
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}

// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/cloudcoap/internal/request"
	"github.com/ashureev/cloudcoap/internal/transport"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	GRPCPort    string
	FrontendURL string
	DBPath      string
	KeyPath     string
	LogLevel    string
	CoAP        CoAPConfig
	DNS         DNSConfig
	Job         JobConfig
	RequestLog  RequestLogConfig
	// SetupLockTimeout bounds the wait for the endpoint setup lock.
	SetupLockTimeout time.Duration
}

// CoAPConfig selects the destination and protocol parameters of requests.
type CoAPConfig struct {
	Destination   string
	Protocol      string
	RequestMode   string
	IPv6          bool
	DTLSMode      string
	PSKSecret     string
	CertFile      string
	KeyFile       string
	CAFile        string
	ExtendedHosts []string
	UseDTLSCache  bool
	MaxRetransmit int
	AckTimeout    time.Duration
	TCPTimeout    time.Duration
}

// DNSConfig selects the resolver.
type DNSConfig struct {
	// Server is host:port of a DNS server. Empty uses the system resolver.
	Server   string
	Timeout  time.Duration
	UseCache bool
}

// JobConfig controls the periodic background request.
type JobConfig struct {
	// Interval of 0 disables the job.
	Interval          time.Duration
	ConnectivityLoops int
	ConnectivitySleep time.Duration
}

// RequestLogConfig controls the NDJSON request log.
type RequestLogConfig struct {
	Enabled   bool
	Path      string
	QueueSize int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("REQUEST_LOG_QUEUE_SIZE", 100)
	if queueSize <= 0 {
		queueSize = 100
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		GRPCPort:    getEnv("GRPC_PORT", "50051"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/cloudcoap.db"),
		KeyPath:     getEnv("KEY_PATH", "./data/cloudcoap.key"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		CoAP: CoAPConfig{
			Destination:   getEnv("COAP_DESTINATION", "californium.eclipseprojects.io"),
			Protocol:      strings.ToLower(getEnv("COAP_PROTOCOL", transport.SchemeCoaps)),
			RequestMode:   getEnv("COAP_REQUEST_MODE", string(request.ModeRoot)),
			IPv6:          getEnvBool("COAP_IPV6", false),
			DTLSMode:      getEnv("COAP_DTLS_MODE", string(transport.ModePSK)),
			PSKSecret:     getEnv("COAP_PSK_SECRET", transport.DefaultPSKSecret),
			CertFile:      getEnv("COAP_CERT_FILE", ""),
			KeyFile:       getEnv("COAP_KEY_FILE", ""),
			CAFile:        getEnv("COAP_CA_FILE", ""),
			ExtendedHosts: getEnvList("COAP_EXTENDED_HOSTS", []string{"californium.eclipseprojects.io"}),
			UseDTLSCache:  getEnvBool("COAP_USE_DTLS_CACHE", true),
			MaxRetransmit: getEnvInt("COAP_MAX_RETRANSMIT", 3),
			AckTimeout:    getEnvDuration("COAP_ACK_TIMEOUT", 2*time.Second),
			TCPTimeout:    getEnvDuration("COAP_TCP_TIMEOUT", 30*time.Second),
		},
		DNS: DNSConfig{
			Server:   getEnv("DNS_SERVER", ""),
			Timeout:  getEnvDuration("DNS_TIMEOUT", 5*time.Second),
			UseCache: getEnvBool("COAP_USE_DNS_CACHE", true),
		},
		Job: JobConfig{
			Interval:          getEnvDuration("JOB_INTERVAL", 0),
			ConnectivityLoops: getEnvInt("JOB_CONNECTIVITY_LOOPS", 20),
			ConnectivitySleep: getEnvDuration("JOB_CONNECTIVITY_SLEEP", 50*time.Millisecond),
		},
		RequestLog: RequestLogConfig{
			Enabled:   getEnvBool("REQUEST_LOG_ENABLED", false),
			Path:      getEnv("REQUEST_LOG_PATH", "./data/logs/requests.ndjson"),
			QueueSize: queueSize,
		},
		SetupLockTimeout: getEnvDuration("SETUP_LOCK_TIMEOUT", 2*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.CoAP.Destination == "" {
		return fmt.Errorf("COAP_DESTINATION cannot be empty")
	}
	switch c.CoAP.Protocol {
	case transport.SchemeCoap, transport.SchemeCoaps, transport.SchemeCoapTCP, transport.SchemeCoapsTCP:
	default:
		return fmt.Errorf("COAP_PROTOCOL %q is not supported", c.CoAP.Protocol)
	}
	if _, err := request.ParseMode(c.CoAP.RequestMode); err != nil {
		return fmt.Errorf("COAP_REQUEST_MODE: %w", err)
	}
	if _, err := transport.ParseSecurityMode(c.CoAP.DTLSMode); err != nil {
		return fmt.Errorf("COAP_DTLS_MODE: %w", err)
	}
	if c.CoAP.MaxRetransmit < 0 {
		return fmt.Errorf("COAP_MAX_RETRANSMIT must be >= 0")
	}
	if c.CoAP.AckTimeout <= 0 {
		return fmt.Errorf("COAP_ACK_TIMEOUT must be > 0")
	}
	if c.Job.Interval < 0 {
		return fmt.Errorf("JOB_INTERVAL must be >= 0")
	}
	if c.Job.ConnectivityLoops <= 0 {
		return fmt.Errorf("JOB_CONNECTIVITY_LOOPS must be > 0")
	}
	if c.RequestLog.Enabled && c.RequestLog.Path == "" {
		return fmt.Errorf("REQUEST_LOG_PATH cannot be empty")
	}
	if c.SetupLockTimeout <= 0 {
		return fmt.Errorf("SETUP_LOCK_TIMEOUT must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// TransportConfig returns the protocol parameters of the engines.
func (c *Config) TransportConfig() transport.Config {
	tc := transport.DefaultConfig()
	tc.MaxRetransmit = c.CoAP.MaxRetransmit
	tc.AckTimeout = c.CoAP.AckTimeout
	tc.TCPTimeout = c.CoAP.TCPTimeout
	return tc
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

// getEnvList splits a comma separated value. An empty value yields an empty list.
func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var list []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			list = append(list, item)
		}
	}
	return list
}

// Package config provides configuration management for orb communicators
package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/najoast/orb/core"
	"github.com/najoast/orb/retry"
)

// Environment represents the deployment environment
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// String returns the string representation of Environment
func (e Environment) String() string {
	return string(e)
}

// IsValid checks if the environment is valid
func (e Environment) IsValid() bool {
	switch e {
	case EnvDevelopment, EnvTesting, EnvStaging, EnvProduction:
		return true
	default:
		return false
	}
}

// LogLevel represents the logging level
type LogLevel string

const (
	LogLevelTrace LogLevel = "trace"
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
	LogLevelFatal LogLevel = "fatal"
)

// String returns the string representation of LogLevel
func (l LogLevel) String() string {
	return string(l)
}

// IsValid checks if the log level is valid
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelTrace, LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError, LogLevelFatal:
		return true
	default:
		return false
	}
}

// Registry backends served by orbd
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendNATS   = "nats"
)

// Config represents the complete configuration of a communicator
type Config struct {
	// Application configuration
	App AppConfig `yaml:"app" json:"app"`

	// Logging configuration
	Log LogConfig `yaml:"log" json:"log"`

	// Object adapters by name
	Adapters map[string]AdapterConfig `yaml:"adapters,omitempty" json:"adapters,omitempty"`

	// Locator client configuration
	Locator LocatorConfig `yaml:"locator" json:"locator"`

	// Retry policy
	Retry RetryConfig `yaml:"retry" json:"retry"`

	// Invocation defaults
	Invocation InvocationConfig `yaml:"invocation" json:"invocation"`

	// Transport configuration
	Network NetworkConfig `yaml:"network" json:"network"`

	// Directory backend served by orbd
	Registry RegistryConfig `yaml:"registry" json:"registry"`

	// ImplicitContext selects the implicit context variant
	ImplicitContext core.ImplicitContextKind `yaml:"implicit_context" json:"implicit_context"`

	// Free-form properties for application use
	Properties Properties `yaml:"properties,omitempty" json:"properties,omitempty"`
}

// AppConfig contains application-level configuration
type AppConfig struct {
	// Application name
	Name string `yaml:"name" json:"name"`

	// Application version
	Version string `yaml:"version" json:"version"`

	// Deployment environment
	Environment Environment `yaml:"environment" json:"environment"`

	// Debug mode
	Debug bool `yaml:"debug" json:"debug"`

	// Application metadata
	Metadata map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	// Log level
	Level LogLevel `yaml:"level" json:"level"`

	// Log format (json, console)
	Format string `yaml:"format" json:"format"`

	// Output destination (stdout, stderr, file path)
	Output string `yaml:"output" json:"output"`

	// Enable colored console output
	Color bool `yaml:"color" json:"color"`

	// Fields added to every log line
	Fields map[string]string `yaml:"fields,omitempty" json:"fields,omitempty"`
}

// AdapterConfig contains the configuration of one object adapter
type AdapterConfig struct {
	// Endpoints to bind, in stringified form ("tcp -h 0.0.0.0 -p 4061:mem -p 0")
	Endpoints string `yaml:"endpoints" json:"endpoints"`

	// PublishedEndpoints override the endpoints put in proxies
	PublishedEndpoints string `yaml:"published_endpoints,omitempty" json:"published_endpoints,omitempty"`

	// AdapterID registers the adapter with the locator
	AdapterID string `yaml:"adapter_id,omitempty" json:"adapter_id,omitempty"`

	// ReplicaGroup makes the adapter a member of a replica group
	ReplicaGroup string `yaml:"replica_group,omitempty" json:"replica_group,omitempty"`

	// RegistryTimeout bounds locator registration calls
	RegistryTimeout time.Duration `yaml:"registry_timeout,omitempty" json:"registry_timeout,omitempty"`
}

// ParsedEndpoints returns the endpoints to bind.
func (a AdapterConfig) ParsedEndpoints() ([]core.Endpoint, error) {
	return parseEndpointList(a.Endpoints)
}

// ParsedPublishedEndpoints returns the published endpoints, or nil.
func (a AdapterConfig) ParsedPublishedEndpoints() ([]core.Endpoint, error) {
	return parseEndpointList(a.PublishedEndpoints)
}

// LocatorConfig contains locator client configuration
type LocatorConfig struct {
	// Proxy is the stringified reference of the locator object; empty
	// disables indirect references
	Proxy string `yaml:"proxy" json:"proxy"`

	// CacheTimeout in seconds; -1 caches forever, 0 disables the cache
	CacheTimeout int `yaml:"cache_timeout" json:"cache_timeout"`

	// EndpointSelection is the default policy (random, ordered, round_robin)
	EndpointSelection string `yaml:"endpoint_selection" json:"endpoint_selection"`
}

// CacheTimeoutDuration converts CacheTimeout to the resolver convention.
func (l LocatorConfig) CacheTimeoutDuration() time.Duration {
	if l.CacheTimeout < 0 {
		return core.CacheTimeoutNever
	}
	return time.Duration(l.CacheTimeout) * time.Second
}

// RetryConfig contains the retry policy
type RetryConfig struct {
	// Intervals in milliseconds separated by spaces; "-1" disables retries
	Intervals string `yaml:"intervals" json:"intervals"`
}

// ParsedIntervals returns the retry delays.
func (r RetryConfig) ParsedIntervals() ([]time.Duration, error) {
	return retry.ParseIntervals(r.Intervals)
}

// InvocationConfig contains invocation defaults
type InvocationConfig struct {
	// Timeout bounds each invocation when the caller's context has no
	// deadline; zero waits forever
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// Collocation dispatches calls to local adapters without the transport
	Collocation bool `yaml:"collocation" json:"collocation"`

	// Codec encodes typed payloads (cbor, json)
	Codec string `yaml:"codec" json:"codec"`
}

// NetworkConfig contains transport configuration
type NetworkConfig struct {
	// Connection establishment timeout
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout"`

	// Idle read timeout on server connections
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`

	// Write timeout
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// Enable TCP keep-alive
	KeepAlive bool `yaml:"keep_alive" json:"keep_alive"`

	// Keep-alive interval
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval" json:"keep_alive_interval"`

	// Maximum concurrent server connections per listener
	MaxConnections int `yaml:"max_connections" json:"max_connections"`

	// Maximum frame size in bytes
	MaxMessageSize int `yaml:"max_message_size" json:"max_message_size"`
}

// RegistryConfig selects and configures the directory backend of orbd
type RegistryConfig struct {
	// Backend is one of memory, sqlite, redis, nats
	Backend string `yaml:"backend" json:"backend"`

	// SQLitePath is the database file; ":memory:" keeps it in memory
	SQLitePath string `yaml:"sqlite_path,omitempty" json:"sqlite_path,omitempty"`

	// RedisAddr is the host:port of the redis server
	RedisAddr string `yaml:"redis_addr,omitempty" json:"redis_addr,omitempty"`

	// RedisPrefix namespaces the redis keys
	RedisPrefix string `yaml:"redis_prefix,omitempty" json:"redis_prefix,omitempty"`

	// NATSURL is the NATS server URL
	NATSURL string `yaml:"nats_url,omitempty" json:"nats_url,omitempty"`

	// NATSSubject prefixes the request subjects
	NATSSubject string `yaml:"nats_subject,omitempty" json:"nats_subject,omitempty"`

	// Adapter serves the locator object
	Adapter string `yaml:"adapter" json:"adapter"`

	// Identity of the locator object
	Identity string `yaml:"identity" json:"identity"`
}

// Properties holds free-form string properties.
type Properties map[string]string

// Get returns the value of key and whether it is set.
func (p Properties) Get(key string) (string, bool) {
	v, ok := p[key]
	return v, ok
}

// GetDefault returns the value of key, or def when unset.
func (p Properties) GetDefault(key, def string) string {
	if v, ok := p[key]; ok {
		return v
	}
	return def
}

// GetInt returns key parsed as an int, or def when unset or invalid.
func (p Properties) GetInt(key string, def int) int {
	v, ok := p[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

// GetDuration returns key parsed as a duration, or def when unset or invalid.
func (p Properties) GetDuration(key string, def time.Duration) time.Duration {
	v, ok := p[key]
	if !ok {
		return def
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return d
}

// Keys returns the property names in order.
func (p Properties) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "orb-app",
			Version:     "1.0.0",
			Environment: EnvDevelopment,
		},
		Log: LogConfig{
			Level:  LogLevelInfo,
			Format: "console",
			Output: "stderr",
			Color:  true,
		},
		Adapters: make(map[string]AdapterConfig),
		Locator: LocatorConfig{
			CacheTimeout:      -1,
			EndpointSelection: "random",
		},
		Retry: RetryConfig{
			Intervals: "0",
		},
		Invocation: InvocationConfig{
			Timeout:     0,
			Collocation: true,
			Codec:       "cbor",
		},
		Network: NetworkConfig{
			ConnectTimeout:    10 * time.Second,
			WriteTimeout:      30 * time.Second,
			KeepAlive:         true,
			KeepAliveInterval: 60 * time.Second,
			MaxConnections:    1000,
			MaxMessageSize:    16 << 20,
		},
		Registry: RegistryConfig{
			Backend:     BackendMemory,
			SQLitePath:  ":memory:",
			RedisPrefix: "orb",
			NATSSubject: "orb.locator",
			Adapter:     "Locator",
			Identity:    "Locator",
		},
		ImplicitContext: core.ImplicitNone,
		Properties:      make(Properties),
	}
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	out := *c
	out.App.Metadata = cloneStrings(c.App.Metadata)
	out.Log.Fields = cloneStrings(c.Log.Fields)
	out.Properties = Properties(cloneStrings(c.Properties))
	if c.Adapters != nil {
		out.Adapters = make(map[string]AdapterConfig, len(c.Adapters))
		for name, a := range c.Adapters {
			out.Adapters[name] = a
		}
	}
	return &out
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Validate app config
	if c.App.Name == "" {
		return ErrInvalidAppName
	}
	if !c.App.Environment.IsValid() {
		return ErrInvalidEnvironment
	}

	// Validate log config
	if !c.Log.Level.IsValid() {
		return ErrInvalidLogLevel
	}
	switch c.Log.Format {
	case "json", "console", "text":
	default:
		return ErrInvalidLogFormat
	}

	// Validate adapters
	for name, a := range c.Adapters {
		if name == "" {
			return ErrInvalidAdapterName
		}
		if _, err := a.ParsedEndpoints(); err != nil {
			return fmt.Errorf("%w: adapter %s: %v", ErrInvalidEndpoints, name, err)
		}
		if _, err := a.ParsedPublishedEndpoints(); err != nil {
			return fmt.Errorf("%w: adapter %s: %v", ErrInvalidEndpoints, name, err)
		}
		if a.ReplicaGroup != "" && a.AdapterID == "" {
			return fmt.Errorf("%w: adapter %s has a replica group but no adapter id", ErrInvalidAdapterID, name)
		}
	}

	// Validate locator config
	if c.Locator.Proxy != "" {
		if _, err := core.ParseReference(c.Locator.Proxy); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidLocatorProxy, err)
		}
	}
	if c.Locator.CacheTimeout < -1 {
		return ErrInvalidCacheTimeout
	}
	if _, err := core.ParseSelection(c.Locator.EndpointSelection); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSelection, err)
	}

	// Validate retry config
	if _, err := c.Retry.ParsedIntervals(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRetryIntervals, err)
	}

	// Validate invocation config
	if c.Invocation.Timeout < 0 {
		return ErrInvalidInvocationTimeout
	}
	switch c.Invocation.Codec {
	case "", "cbor", "json":
	default:
		return ErrInvalidCodec
	}

	// Validate network config
	if c.Network.MaxConnections <= 0 {
		return ErrInvalidMaxConnections
	}
	if c.Network.MaxMessageSize <= 0 {
		return ErrInvalidMessageSize
	}

	// Validate registry config
	switch c.Registry.Backend {
	case BackendMemory, BackendSQLite, BackendRedis, BackendNATS:
	default:
		return ErrInvalidRegistryBackend
	}

	if !c.ImplicitContext.IsValid() {
		return ErrInvalidImplicitContext
	}

	return nil
}

// IsDevelopment returns true if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == EnvDevelopment
}

// IsProduction returns true if the environment is production
func (c *Config) IsProduction() bool {
	return c.App.Environment == EnvProduction
}

// Adapter returns the configuration of the named adapter.
func (c *Config) Adapter(name string) (AdapterConfig, bool) {
	a, ok := c.Adapters[name]
	return a, ok
}

// Selection returns the default endpoint-selection policy.
func (c *Config) Selection() core.Selection {
	s, _ := core.ParseSelection(c.Locator.EndpointSelection)
	return s
}

// GetLogLevel returns the log level
func (c *Config) GetLogLevel() LogLevel {
	return c.Log.Level
}

func parseEndpointList(s string) ([]core.Endpoint, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	return core.ParseEndpoints(s)
}

func cloneStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Package config provides error definitions for configuration management
package config

import "errors"

// Configuration validation errors
var (
	ErrInvalidAppName           = errors.New("invalid application name")
	ErrInvalidEnvironment       = errors.New("invalid environment")
	ErrInvalidLogLevel          = errors.New("invalid log level")
	ErrInvalidLogFormat         = errors.New("invalid log format")
	ErrInvalidAdapterName       = errors.New("invalid adapter name")
	ErrInvalidAdapterID         = errors.New("invalid adapter id")
	ErrInvalidEndpoints         = errors.New("invalid endpoints")
	ErrInvalidLocatorProxy      = errors.New("invalid locator proxy")
	ErrInvalidCacheTimeout      = errors.New("invalid locator cache timeout")
	ErrInvalidSelection         = errors.New("invalid endpoint selection")
	ErrInvalidRetryIntervals    = errors.New("invalid retry intervals")
	ErrInvalidInvocationTimeout = errors.New("invalid invocation timeout")
	ErrInvalidCodec             = errors.New("invalid payload codec")
	ErrInvalidMaxConnections    = errors.New("invalid max connections")
	ErrInvalidMessageSize       = errors.New("invalid max message size")
	ErrInvalidRegistryBackend   = errors.New("invalid registry backend")
	ErrInvalidImplicitContext   = errors.New("invalid implicit context")
)

// Configuration loading errors
var (
	ErrConfigFileNotFound  = errors.New("configuration file not found")
	ErrConfigParseError    = errors.New("configuration parse error")
	ErrEnvironmentVarError = errors.New("environment variable error")
)

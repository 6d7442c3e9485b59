// This file re-exports config types from internal/config for public API.
package cli

import (
	"github.com/zot/livequery/internal/config"
)

// Re-export config types for public API
type (
	Config            = config.Config
	ServerConfig      = config.ServerConfig
	FunctionsConfig   = config.FunctionsConfig
	ObservablesConfig = config.ObservablesConfig
	AuthConfig        = config.AuthConfig
	ConnectionConfig  = config.ConnectionConfig
	LoggingConfig     = config.LoggingConfig
	Duration          = config.Duration
)

// Re-export config functions for public API
var (
	DefaultConfig = config.DefaultConfig
	Load          = config.Load
	BindFlags     = config.BindFlags
)

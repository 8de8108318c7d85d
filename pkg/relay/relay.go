// Package relay provides the public API for embedding the report relay.
// This is the stable API for external consumers.
package relay

import (
	"github.com/tjfontaine/report-relay/internal/pkg/config"
	"github.com/tjfontaine/report-relay/internal/runtime"
)

// App is a fully wired relay.
// See internal/runtime.App for full documentation.
type App = runtime.App

// Option is a functional option for configuring an App.
type Option = runtime.Option

// Config is the service configuration.
type Config = config.Config

// New creates a new App with the given options.
// Example:
//
//	app, err := relay.New(ctx,
//	    relay.WithConfigFile("config.yaml"),
//	)
var New = runtime.New

// LoadConfig reads a config file plus RELAY_ environment overrides.
var LoadConfig = config.LoadFile

// Configuration options
var (
	WithConfig     = runtime.WithConfig
	WithConfigFile = runtime.WithConfigFile
	WithLogger     = runtime.WithLogger

	// Backends
	WithProviders      = runtime.WithProviders
	WithReportStore    = runtime.WithReportStore
	WithCounterStore   = runtime.WithCounterStore
	WithAudioStore     = runtime.WithAudioStore
	WithRateLimitStore = runtime.WithRateLimitStore

	// Transport and tracing
	WithHTTPClient  = runtime.WithHTTPClient
	WithTraceWriter = runtime.WithTraceWriter
)

package internal

// Option is a functional option for configuring the application.
type Option func(*application)

type application struct {
	config   *Config
	mcpStdio bool
}

// WithConfig sets the application configuration.
func WithConfig(cfg *Config) Option {
	return func(a *application) {
		a.config = cfg
	}
}

// WithMCPStdio runs the application as an MCP server on stdin/stdout
// instead of starting the HTTP server. Logs go to stderr so stdout stays
// reserved for the protocol.
func WithMCPStdio() Option {
	return func(a *application) {
		a.mcpStdio = true
	}
}

// Package config holds the session configuration a single memtrace run
// is started with. A one-shot CLI tool's configuration is its argv
// (spec §6: "(program, args, cwd, path-to-injection-library)"), so
// there is no file-based config format here -- see DESIGN.md for why
// that is a deliberate choice rather than an omission.
package config

// Session is the full set of inputs cmd/memtrace's "run" subcommand
// needs to drive one traced child process.
type Session struct {
	// Program is the executable to launch under the tracer.
	Program string
	// Args are the program's arguments.
	Args []string
	// Cwd is the working directory for the child process.
	Cwd string
	// LibPath is the absolute path to the tracing shared library
	// injected via dynamic-linker preload.
	LibPath string
	// OutPath is where the textual trace is written.
	OutPath string
	// MetricsAddr, if non-empty, serves Prometheus metrics on this
	// address once the run completes. Empty disables the HTTP server;
	// metrics are instead dumped in text format to stdout.
	MetricsAddr string
	// Verbose is not set or read by cmd/memtrace; the root command's
	// --verbose flag raises the logger to debug level directly.
	Verbose bool
}

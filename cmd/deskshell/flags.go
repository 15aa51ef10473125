package main

import "time"

// Flag structs to decouple cobra from logic for testing.

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

// RunFlags override the matching config keys when set.
type RunFlags struct {
	ConfigPath    string
	Mode          string
	ResourceDir   string
	Interpreter   string
	Script        string
	LogLevel      string
	MetricsListen string
	// ExitAfterReady returns once the UI health check passes. Smoke tests use it.
	ExitAfterReady bool
}

type CounterFlags struct {
	APIUrl     string
	APITimeout time.Duration
}

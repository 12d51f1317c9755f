package config

import "time"

// Default configuration values. applyDefaults fills unset fields from these,
// except DefaultAccountingPort and DefaultLogDestination, which it does not
// apply (an empty log destination logs to stderr).
const (
	DefaultListenUDP           = ":1812"
	DefaultListenTCP           = ":2083"
	DefaultAuthPort            = 1812
	DefaultAccountingPort      = 1813
	DefaultTLSPort             = 2083
	DefaultTLSSecret           = "radsec"
	DefaultLogLevel            = "info"
	DefaultLogDestination      = "syslog"
	DefaultPIDFile             = "/run/radproxyd.pid"
	DefaultMetricsListen       = "127.0.0.1:9112"
	DefaultJournalMaxEvents    = 10000
)

// Retry and liveness-probe tuning for the request table and Status-Server
// checks, shared by every upstream unless a future config knob overrides
// them per-server.
const (
	RequestRetries      = 3
	RequestExpiry       = 20 * time.Second
	TLSRequestExpiry    = 20 * time.Second
	StatusServerPeriod  = 25 * time.Second
)

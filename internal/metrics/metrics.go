// Package metrics defines all Prometheus metrics for radproxyd.
// All metrics use the "radproxyd_" prefix.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "radproxyd"

// --- Packet Metrics ---

var (
	// PacketsReceived counts RADIUS packets received, by peer name and code.
	PacketsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "packets_received_total",
		Help:      "Total RADIUS packets received, by peer and packet code.",
	}, []string{"peer", "code"})

	// PacketsSent counts RADIUS packets sent, by peer name and code.
	PacketsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "packets_sent_total",
		Help:      "Total RADIUS packets sent, by peer and packet code.",
	}, []string{"peer", "code"})

	// PacketsDropped counts packets dropped before or during processing.
	PacketsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "packets_dropped_total",
		Help:      "Total packets dropped, by reason.",
	}, []string{"reason"})

	// PacketProcessingDuration tracks request handling latency end to end.
	PacketProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "packet_processing_duration_seconds",
		Help:      "Request processing duration in seconds, from receipt to reply sent.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
	}, []string{"code"})
)

// --- Realm Routing Metrics ---

var (
	// RealmMatches counts realm lookups by outcome.
	RealmMatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "realm_matches_total",
		Help:      "Total realm lookups, by realm name and outcome (matched, nomatch, reject).",
	}, []string{"realm", "outcome"})

	// ServerSelections counts upstream server selection attempts per realm.
	ServerSelections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "server_selections_total",
		Help:      "Total upstream server selections, by realm, server, and result.",
	}, []string{"realm", "server", "result"})
)

// --- Upstream Liveness Metrics ---

var (
	// UpstreamUp reports whether an upstream server is currently considered live (1) or not (0).
	UpstreamUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "upstream_up",
		Help:      "Whether the upstream server is currently considered live.",
	}, []string{"server"})

	// UpstreamState reports the connection state machine value for TLS upstreams.
	UpstreamState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "upstream_state",
		Help:      "Current connection state for the upstream (0=idle,1=connecting,2=up,3=dead).",
	}, []string{"server"})

	// UpstreamReconnects counts reconnect attempts by upstream and outcome.
	UpstreamReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upstream_reconnects_total",
		Help:      "Total upstream reconnect attempts, by server and outcome.",
	}, []string{"server", "outcome"})

	// UpstreamLostServerEvents counts transitions into the lost-server-contact condition.
	UpstreamLostServerEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upstream_lost_server_total",
		Help:      "Total times an upstream was marked as having lost server contact.",
	}, []string{"server"})
)

// --- Request Table Metrics ---

var (
	// RequestTableOccupancy reports the number of in-use slots per upstream request table.
	RequestTableOccupancy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "request_table_occupancy",
		Help:      "Number of occupied slots in the upstream request table.",
	}, []string{"server"})

	// RequestTableFull counts allocation failures due to a full request table.
	RequestTableFull = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "request_table_full_total",
		Help:      "Total request table allocation failures because all slots were in use.",
	}, []string{"server"})

	// Retransmits counts retransmissions of a pending request to its upstream.
	Retransmits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "retransmits_total",
		Help:      "Total request retransmissions, by server.",
	}, []string{"server"})

	// RequestExpired counts requests that exhausted their retry budget.
	RequestExpired = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "request_expired_total",
		Help:      "Total requests that expired after exhausting retries.",
	}, []string{"server"})

	// DuplicateRequests counts inbound packets recognized as duplicates of a pending request.
	DuplicateRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "duplicate_requests_total",
		Help:      "Total inbound requests recognized as duplicates of one already in flight.",
	}, []string{"peer"})
)

// --- TLS / Transport Metrics ---

var (
	// TLSHandshakes counts TLS handshake attempts by direction and result.
	TLSHandshakes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tls_handshakes_total",
		Help:      "Total TLS handshakes, by direction (inbound, outbound) and result.",
	}, []string{"direction", "result"})

	// TLSClientsActive is a gauge of currently connected inbound TLS clients.
	TLSClientsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tls_clients_active",
		Help:      "Number of currently connected inbound TLS (RadSec) clients.",
	})

	// ReplyQueueDrops counts replies dropped from a bounded per-client reply queue.
	ReplyQueueDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reply_queue_drops_total",
		Help:      "Total replies dropped because a client's outbound reply queue was full.",
	}, []string{"peer"})
)

// --- Attribute Rewriting / Crypto Metrics ---

var (
	// RewriteOperations counts attribute rewrite operations by rule and kind.
	RewriteOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rewrite_operations_total",
		Help:      "Total attribute rewrite operations, by rule name and kind (remove).",
	}, []string{"rule", "kind"})

	// SecretRecryptErrors counts failures re-encrypting password/key attributes across a hop.
	SecretRecryptErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "secret_recrypt_errors_total",
		Help:      "Total errors re-encrypting a secret-bearing attribute across a hop.",
	}, []string{"attribute"})

	// AuthenticatorFailures counts response or Message-Authenticator validation failures.
	AuthenticatorFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "authenticator_failures_total",
		Help:      "Total response authenticator or Message-Authenticator validation failures.",
	}, []string{"peer", "check"})
)

// --- Server Info ---

var (
	// ServerInfo is a constant gauge with server metadata.
	ServerInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "server_info",
		Help:      "Server build and version info.",
	}, []string{"version"})

	// ServerStartTime tracks server start time as a unix timestamp.
	ServerStartTime = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "server_start_time_seconds",
		Help:      "Server start time as Unix timestamp.",
	})
)

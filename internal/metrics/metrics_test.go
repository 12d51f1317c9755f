package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRegistered(t *testing.T) {
	// promauto registers automatically, so we just verify they exist
	// by writing a value and collecting it.

	PacketsReceived.WithLabelValues("peer1", "Access-Request").Inc()
	PacketsSent.WithLabelValues("upstream1", "Access-Accept").Inc()
	PacketsDropped.WithLabelValues("bad_authenticator").Inc()
	RealmMatches.WithLabelValues("example.org", "matched").Inc()
	ServerSelections.WithLabelValues("example.org", "upstream1", "selected").Inc()
	UpstreamUp.WithLabelValues("upstream1").Set(1)
	UpstreamState.WithLabelValues("upstream1").Set(2)
	UpstreamReconnects.WithLabelValues("upstream1", "success").Inc()
	UpstreamLostServerEvents.WithLabelValues("upstream1").Inc()
	RequestTableOccupancy.WithLabelValues("upstream1").Set(12)
	RequestTableFull.WithLabelValues("upstream1").Inc()
	Retransmits.WithLabelValues("upstream1").Inc()
	RequestExpired.WithLabelValues("upstream1").Inc()
	DuplicateRequests.WithLabelValues("peer1").Inc()
	TLSHandshakes.WithLabelValues("inbound", "success").Inc()
	TLSClientsActive.Set(5)
	ReplyQueueDrops.WithLabelValues("peer1").Inc()
	RewriteOperations.WithLabelValues("strip-vendor", "remove").Inc()
	SecretRecryptErrors.WithLabelValues("User-Password").Inc()
	AuthenticatorFailures.WithLabelValues("upstream1", "response").Inc()
	ServerStartTime.SetToCurrentTime()
	ServerInfo.WithLabelValues("dev").Set(1)

	if got := testutil.ToFloat64(TLSClientsActive); got != 5 {
		t.Errorf("TLSClientsActive = %v, want 5", got)
	}
	if got := testutil.ToFloat64(RequestTableOccupancy.WithLabelValues("upstream1")); got != 12 {
		t.Errorf("RequestTableOccupancy = %v, want 12", got)
	}
	if got := testutil.ToFloat64(UpstreamUp.WithLabelValues("upstream1")); got != 1 {
		t.Errorf("UpstreamUp = %v, want 1", got)
	}
}

func TestMetricsNamespace(t *testing.T) {
	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	for _, mf := range mfs {
		name := mf.GetName()
		if strings.HasPrefix(name, "go_") ||
			strings.HasPrefix(name, "process_") ||
			strings.HasPrefix(name, "promhttp_") {
			continue
		}
		if !strings.HasPrefix(name, "radproxyd_") {
			t.Errorf("metric %q does not have radproxyd_ prefix", name)
		}
	}
}

// Package realm matches an inbound request's User-Name against the
// configured realms and selects the best candidate upstream server.
package realm

import (
	"github.com/radproxy-go/radproxyd/internal/config"
	"github.com/radproxy-go/radproxyd/internal/metrics"
)

// ServerStatus reports the liveness state a request table tracks for one
// upstream server. *reqtable.Table satisfies this interface.
type ServerStatus interface {
	ConnectionOK() bool
	LostStatSrv() uint8
}

// Router matches realms and picks candidate servers using each server's
// live status, without owning that status itself.
type Router struct {
	cfg    *config.Config
	status map[string]ServerStatus
}

// New builds a Router over the given immutable config.
func New(cfg *config.Config) *Router {
	return &Router{cfg: cfg, status: make(map[string]ServerStatus)}
}

// Register associates a liveness status source with a server name. Called
// once per configured upstream as its session/request table is created.
func (r *Router) Register(serverName string, status ServerStatus) {
	r.status[serverName] = status
}

// Route matches userName against the configured realms in insertion order
// and returns the first match along with its best candidate server. ok is
// false if no realm matched at all; a matched realm with no usable
// candidate still returns ok == true with server == nil, so the caller can
// fall back to the realm's configured reply message.
func (r *Router) Route(userName string) (realmCfg *config.RealmConfig, server *config.ServerConfig, ok bool) {
	rc := r.cfg.MatchRealm(userName)
	if rc == nil {
		metrics.RealmMatches.WithLabelValues("(none)", "nomatch").Inc()
		return nil, nil, false
	}

	candidates := r.cfg.RealmServers(rc)
	best := r.selectBest(rc.Pattern, candidates)
	if best == nil {
		metrics.RealmMatches.WithLabelValues(rc.Pattern, "reject").Inc()
		return rc, nil, true
	}
	metrics.RealmMatches.WithLabelValues(rc.Pattern, "matched").Inc()
	return rc, best, true
}

// selectBest implements the preference order:
//  1. any server with connectionOK and no lost Status-Server probes;
//  2. else the server with the smallest positive lostStatSrv;
//  3. else the first configured candidate, even if currently unreachable,
//     so that retries can bring it back.
func (r *Router) selectBest(realmPattern string, candidates []*config.ServerConfig) *config.ServerConfig {
	if len(candidates) == 0 {
		return nil
	}

	var bestDegraded *config.ServerConfig
	var bestDegradedCount uint8

	for _, s := range candidates {
		st, ok := r.status[s.Name]
		if !ok {
			continue
		}
		if st.ConnectionOK() && st.LostStatSrv() == 0 {
			metrics.ServerSelections.WithLabelValues(realmPattern, s.Name, "selected").Inc()
			return s
		}
		lost := st.LostStatSrv()
		if lost > 0 && (bestDegraded == nil || lost < bestDegradedCount) {
			bestDegraded = s
			bestDegradedCount = lost
		}
	}

	if bestDegraded != nil {
		metrics.ServerSelections.WithLabelValues(realmPattern, bestDegraded.Name, "degraded").Inc()
		return bestDegraded
	}

	fallback := candidates[0]
	metrics.ServerSelections.WithLabelValues(realmPattern, fallback.Name, "fallback").Inc()
	return fallback
}

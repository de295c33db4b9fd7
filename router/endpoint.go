// Defines the Endpoint struct that models one backend inference instance.
// Endpoints are owned by the Registry: discovery and health probing mutate
// them, routing strategies only ever see value copies.

package router

import (
	"fmt"
	"sort"
	"time"
)

// Role labels which generation phase an endpoint serves in a disaggregated
// deployment. Endpoints without a role serve complete requests.
type Role string

const (
	RoleNone    Role = ""
	RolePrefill Role = "prefill"
	RoleDecode  Role = "decode"
)

// HealthState is the registry's view of an endpoint's liveness.
type HealthState string

const (
	HealthUnknown   HealthState = "unknown"
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
)

// Endpoint is one backend instance the router can dispatch to.
type Endpoint struct {
	URL       string
	Role      Role
	Models    []string
	Health    HealthState
	CreatedAt time.Time
}

// ServesModel reports whether the endpoint serves the named model.
// An empty model list means the endpoint accepts any model.
func (e Endpoint) ServesModel(model string) bool {
	if len(e.Models) == 0 {
		return true
	}
	for _, m := range e.Models {
		if m == model {
			return true
		}
	}
	return false
}

// Alive reports whether the endpoint is routable. Endpoints that have not
// been probed yet (unknown) are routable so a cold start can serve traffic.
func (e Endpoint) Alive() bool {
	return e.Health != HealthUnhealthy
}

func (e Endpoint) String() string {
	return fmt.Sprintf("Endpoint(%s role=%s health=%s)", e.URL, e.Role, e.Health)
}

// sortEndpoints orders endpoints by URL. Round-robin needs every caller to
// observe the same candidate order, so ordering never depends on map
// iteration.
func sortEndpoints(eps []Endpoint) {
	sort.Slice(eps, func(i, j int) bool { return eps[i].URL < eps[j].URL })
}

// urlSet collects endpoint URLs into a set for membership filtering.
func urlSet(eps []Endpoint) map[string]struct{} {
	s := make(map[string]struct{}, len(eps))
	for _, e := range eps {
		s[e.URL] = struct{}{}
	}
	return s
}

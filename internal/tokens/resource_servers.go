package tokens

// Canonical resource server identifiers for the named services.
const (
	ResourceServerAuth     = "auth.globus.org"
	ResourceServerTransfer = "transfer.api.globus.org"
	ResourceServerFlows    = "flows.globus.org"
	ResourceServerGroups   = "groups.api.globus.org"
	ResourceServerSearch   = "search.api.globus.org"
	ResourceServerTimer    = "524361f2-e4a9-4bd0-a3a6-03e365cac8a9"
	ResourceServerCompute  = "funcx_service"
)

// Service is a logical service name.
type Service string

const (
	ServiceAuth     Service = "auth"
	ServiceTransfer Service = "transfer"
	ServiceFlows    Service = "flows"
	ServiceGroups   Service = "groups"
	ServiceSearch   Service = "search"
	ServiceTimer    Service = "timer"
	ServiceCompute  Service = "compute"
)

var resourceServers = map[Service]string{
	ServiceAuth:     ResourceServerAuth,
	ServiceTransfer: ResourceServerTransfer,
	ServiceFlows:    ResourceServerFlows,
	ServiceGroups:   ResourceServerGroups,
	ServiceSearch:   ResourceServerSearch,
	ServiceTimer:    ResourceServerTimer,
	ServiceCompute:  ResourceServerCompute,
}

// ResourceServer returns the identifier for a named service.
func ResourceServer(s Service) (string, bool) {
	rs, ok := resourceServers[s]
	return rs, ok
}

// ResolveResourceServer maps a service name to its identifier and passes
// anything else through unchanged, so callers can name either.
func ResolveResourceServer(nameOrID string) string {
	if rs, ok := resourceServers[Service(nameOrID)]; ok {
		return rs
	}

	return nameOrID
}

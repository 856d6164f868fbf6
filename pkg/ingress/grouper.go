package ingress

import (
	"sort"

	"github.com/cuemby/nexus-proxy/pkg/log"
	"github.com/cuemby/nexus-proxy/pkg/types"
)

// GroupByPort partitions listeners into port groups, visiting them in id
// order. The first listener seen on a port fixes the group's protocol; later
// listeners with another protocol are logged and left out of the group.
// https listeners join a group only when their certificate is valid and its
// material is in staged.
//
// Grouping only decides port group membership. The listeners themselves
// are not modified.
func GroupByPort(listeners map[string]*types.Listener, staged types.CertificateSet) []types.PortGroup {
	logger := log.WithComponent("ingress")

	ids := make([]string, 0, len(listeners))
	for id := range listeners {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	index := make(map[int]int)
	var groups []types.PortGroup

	for _, id := range ids {
		l := listeners[id]

		if !l.CanBind(staged) {
			logger.Warn().
				Str("listener", l.ID).
				Int("port", l.Port).
				Str("certificate", l.CertificateName).
				Bool("valid", l.HasValidCertificate()).
				Msg("https listener has no usable certificate, not binding it")
			continue
		}

		i, ok := index[l.Port]
		if !ok {
			index[l.Port] = len(groups)
			groups = append(groups, types.PortGroup{
				Port:      l.Port,
				Protocol:  l.Protocol,
				Listeners: []*types.Listener{l},
			})
			continue
		}

		if groups[i].Protocol != l.Protocol {
			logger.Error().
				Str("listener", l.ID).
				Int("port", l.Port).
				Str("protocol", l.Protocol).
				Str("group_protocol", groups[i].Protocol).
				Msg("Protocol conflict on port, listener left out of port group")
			continue
		}
		groups[i].Listeners = append(groups[i].Listeners, l)
	}

	sort.SliceStable(groups, func(a, b int) bool { return groups[a].Port < groups[b].Port })
	return groups
}

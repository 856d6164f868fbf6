package resolver

import (
	"github.com/cuemby/nexus-proxy/pkg/types"
)

// certbotPort is where ACME HTTP-01 validators connect
const certbotPort = 80

// synthesizeCertbot routes ACME challenges for every domain of the group's
// certbot registration to the registration's target. The challenge rules
// join the first plain http listener on port 80, or a listener created for
// the purpose when none exists.
func synthesizeCertbot(cfg *types.LoadBalancerConfig, lg *types.ListenerGroup) {
	bot := lg.CertBot
	id := types.CertbotPrefix + lg.ID

	cfg.TargetGroups[id] = &types.TargetGroup{
		ID:       id,
		Protocol: types.ProtocolHTTP,
		Targets:  []types.Target{{Host: bot.TargetHost, Port: bot.TargetPort}},
	}

	rules := make([]*types.Rule, 0, len(bot.Domains))
	for _, domain := range bot.Domains {
		rules = append(rules, &types.Rule{
			ID:       id + "-" + domain,
			Host:     domain,
			Path:     types.ACMEChallengePath,
			Action:   types.Forward(id),
			Priority: types.CertbotRulePriority,
		})
	}

	if listener := challengeListener(cfg); listener != nil {
		listener.Rules = append(listener.Rules, rules...)
		return
	}

	cfg.Listeners[id] = &types.Listener{
		ID:       id,
		Port:     certbotPort,
		Protocol: types.ProtocolHTTP,
		Rules:    rules,
	}
}

// challengeListener returns the first http listener on port 80 by id
func challengeListener(cfg *types.LoadBalancerConfig) *types.Listener {
	for _, l := range cfg.SortedListeners() {
		if l.Protocol == types.ProtocolHTTP && l.Port == certbotPort {
			return l
		}
	}
	return nil
}

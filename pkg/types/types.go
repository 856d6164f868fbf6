package types

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	// CertbotRulePriority is the priority of synthesized ACME challenge rules.
	// It is high enough to sort ahead of any operator-defined rule.
	CertbotRulePriority = 1000000

	// ACMEChallengePath is the path prefix served to ACME HTTP-01 validators
	ACMEChallengePath = "/.well-known/acme-challenge/"

	// CertbotPrefix prefixes the ids of synthesized listeners and target groups
	CertbotPrefix = "certbot-"
)

// Protocols understood by the port grouper. Other values are passed through
// to the renderer untouched.
const (
	ProtocolHTTP  = "http"
	ProtocolHTTPS = "https"
)

// LoadBalancerConfig is the resolved configuration of one ALB. It is rebuilt
// from the store on every resolution and never mutated across ticks.
type LoadBalancerConfig struct {
	ID             string                  `json:"id" yaml:"id"`
	Listeners      map[string]*Listener    `json:"listeners" yaml:"listeners"`
	ListenerGroups []*ListenerGroup        `json:"listener_groups" yaml:"listener_groups"`
	TargetGroups   map[string]*TargetGroup `json:"target_groups" yaml:"target_groups"`
}

// SortedListeners returns the listeners ordered by id
func (c *LoadBalancerConfig) SortedListeners() []*Listener {
	listeners := make([]*Listener, 0, len(c.Listeners))
	for _, l := range c.Listeners {
		listeners = append(listeners, l)
	}
	sort.Slice(listeners, func(i, j int) bool { return listeners[i].ID < listeners[j].ID })
	return listeners
}

// SortedTargetGroups returns the target groups ordered by id
func (c *LoadBalancerConfig) SortedTargetGroups() []*TargetGroup {
	groups := make([]*TargetGroup, 0, len(c.TargetGroups))
	for _, tg := range c.TargetGroups {
		groups = append(groups, tg)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].ID < groups[j].ID })
	return groups
}

// ActiveCertBots returns the certbot registrations that took part in this resolution
func (c *LoadBalancerConfig) ActiveCertBots() []*CertBot {
	var bots []*CertBot
	for _, lg := range c.ListenerGroups {
		if lg.CertBot != nil {
			bots = append(bots, lg.CertBot)
		}
	}
	return bots
}

// Listener is a bound port with a protocol and an ordered rule set
type Listener struct {
	ID              string       `json:"id" yaml:"id"`
	Port            int          `json:"port" yaml:"port"`
	Protocol        string       `json:"protocol" yaml:"protocol"`
	CertificateName string       `json:"certificate_name,omitempty" yaml:"certificate_name,omitempty"`
	Certificate     *Certificate `json:"certificate,omitempty" yaml:"certificate,omitempty"`
	Rules           []*Rule      `json:"rules" yaml:"rules"`
}

// TargetGroupIDs returns the ids referenced by the listener's forward rules
func (l *Listener) TargetGroupIDs() []string {
	var ids []string
	for _, r := range l.Rules {
		if id := r.TargetGroupID(); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// HasValidCertificate reports whether a certificate is bound and marked valid
func (l *Listener) HasValidCertificate() bool {
	return l.Certificate != nil && l.Certificate.Valid
}

// CanBind reports whether the listener may bind its port given the
// certificates whose material was written for the proxy. Non-https
// listeners always can.
func (l *Listener) CanBind(staged CertificateSet) bool {
	if l.Protocol != ProtocolHTTPS {
		return true
	}
	return l.HasValidCertificate() && staged.Has(l.Certificate.ID)
}

// CertificateSet names certificates with verified material on disk
type CertificateSet map[string]struct{}

// NewCertificateSet creates a set holding names
func NewCertificateSet(names ...string) CertificateSet {
	s := make(CertificateSet, len(names))
	for _, name := range names {
		s.Add(name)
	}
	return s
}

// Add records name
func (s CertificateSet) Add(name string) {
	s[name] = struct{}{}
}

// Has reports whether name is in the set. A nil set holds nothing.
func (s CertificateSet) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// ActionType identifies the variant of a rule action
type ActionType string

const (
	ActionForward       ActionType = "forward"
	ActionRedirectHTTPS ActionType = "redirect_https"
	ActionStatus        ActionType = "status"
)

// Action is what a rule does when it matches. TargetGroupID is only set for
// forward actions and StatusCode only for status actions.
type Action struct {
	Type          ActionType `json:"type" yaml:"type"`
	TargetGroupID string     `json:"target_group_id,omitempty" yaml:"target_group_id,omitempty"`
	StatusCode    int        `json:"status_code,omitempty" yaml:"status_code,omitempty"`
}

// ParseAction decodes the stored action string: "tg:<id>", "https" or "status:<code>"
func ParseAction(s string) (Action, error) {
	s = strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(s, "tg:"):
		id := strings.TrimPrefix(s, "tg:")
		if id == "" {
			return Action{}, fmt.Errorf("forward action without target group: %q", s)
		}
		return Action{Type: ActionForward, TargetGroupID: id}, nil
	case s == "https":
		return Action{Type: ActionRedirectHTTPS}, nil
	case strings.HasPrefix(s, "status:"):
		code, err := strconv.Atoi(strings.TrimPrefix(s, "status:"))
		if err != nil || code < 100 || code > 599 {
			return Action{}, fmt.Errorf("invalid status action: %q", s)
		}
		return Action{Type: ActionStatus, StatusCode: code}, nil
	}
	return Action{}, fmt.Errorf("unknown action: %q", s)
}

// String encodes the action in its stored form
func (a Action) String() string {
	switch a.Type {
	case ActionForward:
		return "tg:" + a.TargetGroupID
	case ActionRedirectHTTPS:
		return "https"
	case ActionStatus:
		return "status:" + strconv.Itoa(a.StatusCode)
	}
	return ""
}

// Forward builds a forward action
func Forward(targetGroupID string) Action {
	return Action{Type: ActionForward, TargetGroupID: targetGroupID}
}

// Rule matches requests on host and path prefix and applies an action
type Rule struct {
	ID       string `json:"id" yaml:"id"`
	Host     string `json:"host,omitempty" yaml:"host,omitempty"`
	Path     string `json:"path,omitempty" yaml:"path,omitempty"`
	Action   Action `json:"action" yaml:"action"`
	Priority int    `json:"priority" yaml:"priority"`

	// TargetGroup is bound after all target groups are loaded. It stays nil
	// for non-forward rules and for forward rules with an unknown id.
	TargetGroup *TargetGroup `json:"-" yaml:"-"`
}

// TargetGroupID returns the referenced target group id for forward rules
func (r *Rule) TargetGroupID() string {
	if r.Action.Type != ActionForward {
		return ""
	}
	return r.Action.TargetGroupID
}

// TargetGroup is a named pool of backends plus a health check policy
type TargetGroup struct {
	ID          string       `json:"id" yaml:"id"`
	Protocol    string       `json:"protocol,omitempty" yaml:"protocol,omitempty"`
	HealthCheck *HealthCheck `json:"health_check,omitempty" yaml:"health_check,omitempty"`
	Targets     []Target     `json:"targets" yaml:"targets"`
}

// Target is a backend address. Two targets are equal when host and port are.
type Target struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// String returns host:port
func (t Target) String() string {
	return fmt.Sprintf("%s:%d", t.Host, t.Port)
}

// HealthCheck describes how the proxy probes a target group. Zero values mean
// the field was absent or dropped during resolution.
type HealthCheck struct {
	Protocol       string `json:"protocol,omitempty" yaml:"protocol,omitempty"`
	Path           string `json:"path,omitempty" yaml:"path,omitempty"`
	Port           int    `json:"port,omitempty" yaml:"port,omitempty"`
	UseTrafficPort bool   `json:"use_traffic_port,omitempty" yaml:"use_traffic_port,omitempty"`
	Healthy        int    `json:"healthy,omitempty" yaml:"healthy,omitempty"`
	Unhealthy      int    `json:"unhealthy,omitempty" yaml:"unhealthy,omitempty"`
	Timeout        int    `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Interval       int    `json:"interval,omitempty" yaml:"interval,omitempty"`
	Success        []int  `json:"success" yaml:"success"`
}

// ListenerGroup bundles domains and listeners sharing certificate policy
type ListenerGroup struct {
	ID              string   `json:"id" yaml:"id"`
	Domains         []string `json:"domains" yaml:"domains"`
	Listeners       []string `json:"listeners" yaml:"listeners"`
	CertificateName string   `json:"certificate_name,omitempty" yaml:"certificate_name,omitempty"`
	CertbotManaged  bool     `json:"certbot_managed" yaml:"certbot_managed"`
	CertBot         *CertBot `json:"certbot,omitempty" yaml:"certbot,omitempty"`
}

// IssuedCertificateName is the certificate populated by certbot for this group
func (lg *ListenerGroup) IssuedCertificateName() string {
	if lg.CertificateName != "" {
		return lg.CertificateName
	}
	return lg.ID
}

// CertBot is an active issuance registration. It shares its id with the
// listener group it belongs to.
type CertBot struct {
	ID              string   `json:"id" yaml:"id"`
	Enabled         bool     `json:"enabled" yaml:"enabled"`
	Ready           bool     `json:"ready" yaml:"ready"`
	TargetHost      string   `json:"target_host" yaml:"target_host"`
	TargetPort      int      `json:"target_port" yaml:"target_port"`
	Domains         []string `json:"domains" yaml:"domains"`
	CertificateName string   `json:"certificate_name,omitempty" yaml:"certificate_name,omitempty"`
}

// Certificate is certificate metadata plus, when fully loaded, PEM material
type Certificate struct {
	ID       string    `json:"id" yaml:"id"`
	PEM      string    `json:"-" yaml:"-"`
	Domains  []string  `json:"domains" yaml:"domains"`
	Email    string    `json:"email,omitempty" yaml:"email,omitempty"`
	Modified time.Time `json:"modified,omitempty" yaml:"modified,omitempty"`
	Valid    bool      `json:"valid" yaml:"valid"`
}

// PortGroup is the derived set of listeners sharing one port and protocol
type PortGroup struct {
	Port      int         `json:"port" yaml:"port"`
	Protocol  string      `json:"protocol" yaml:"protocol"`
	Listeners []*Listener `json:"listeners" yaml:"listeners"`
}

// Rules returns the rules of all member listeners, highest priority first
func (pg PortGroup) Rules() []*Rule {
	var rules []*Rule
	for _, l := range pg.Listeners {
		rules = append(rules, l.Rules...)
	}
	SortRules(rules)
	return rules
}

// SortRules orders rules by descending priority, then ascending id
func SortRules(rules []*Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})
}

package render

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/Masterminds/sprig/v3"

	"github.com/cuemby/nexus-proxy/pkg/certs"
	"github.com/cuemby/nexus-proxy/pkg/ingress"
	"github.com/cuemby/nexus-proxy/pkg/types"
)

// DefaultTemplate is the HAProxy template used when no template path is configured
//
//go:embed templates/haproxy/nexus_proxy.cfg.tmpl
var DefaultTemplate string

const (
	// DefaultLogSidecarPath is the syslog socket of the log sidecar
	DefaultLogSidecarPath = "/sidecar/log"

	// DefaultStatsPath is where the proxy serves its statistics page
	DefaultStatsPath = "/_hastats"

	// DefaultStatsPort is the port of the statistics listener
	DefaultStatsPort = 1936
)

// Extras are deployment settings exposed to the template next to the
// resolved configuration
type Extras struct {
	LogSidecar        string
	LogSidecarPath    string
	StatsEnabled      bool
	StatsPort         int
	StatsAuthUser     string
	StatsAuthPassword string
	StatsPath         string
}

// Stats configures the proxy statistics page
type Stats struct {
	Port         int
	Path         string
	AuthUser     string
	AuthPassword string
}

// ActionBackend is a backend answering requests itself, for rules that
// redirect or return a status instead of forwarding
type ActionBackend struct {
	Name       string
	StatusCode int
}

// Context is the value templates are executed with
type Context struct {
	ALBID          string
	PortGroups     []types.PortGroup
	TargetGroups   []*types.TargetGroup
	ActionBackends []ActionBackend
	ListenerGroups []*types.ListenerGroup
	CertsDir       string

	LogSidecar bool
	LogPath    string
	Stats      *Stats
}

// NewContext builds the template context of a resolved configuration.
// Port groups are computed here so every render sees the same grouping;
// staged names the certificates written to certsDir.
func NewContext(cfg *types.LoadBalancerConfig, staged types.CertificateSet, certsDir string, extras Extras) Context {
	groups := ingress.GroupByPort(cfg.Listeners, staged)
	ctx := Context{
		ALBID:          cfg.ID,
		PortGroups:     groups,
		TargetGroups:   cfg.SortedTargetGroups(),
		ActionBackends: actionBackends(groups),
		ListenerGroups: cfg.ListenerGroups,
		CertsDir:       certsDir,
	}

	if extras.LogSidecar != "" {
		ctx.LogSidecar = true
		ctx.LogPath = extras.LogSidecarPath
		if ctx.LogPath == "" {
			ctx.LogPath = DefaultLogSidecarPath
		}
	}

	if extras.StatsEnabled {
		stats := &Stats{
			Port:         extras.StatsPort,
			Path:         extras.StatsPath,
			AuthUser:     extras.StatsAuthUser,
			AuthPassword: extras.StatsAuthPassword,
		}
		if stats.Port == 0 {
			stats.Port = DefaultStatsPort
		}
		if stats.Path == "" {
			stats.Path = DefaultStatsPath
		}
		ctx.Stats = stats
	}

	return ctx
}

// Renderer executes one parsed template. It holds no other state and is
// safe to discard after use.
type Renderer struct {
	tmpl *template.Template
}

// New parses a template source
func New(name, source string) (*Renderer, error) {
	tmpl, err := template.New(name).
		Option("missingkey=error").
		Funcs(sprig.TxtFuncMap()).
		Funcs(funcMap()).
		Parse(source)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
	}
	return &Renderer{tmpl: tmpl}, nil
}

// Load parses the template at path, or the default template when path is
// empty. It also returns the modification time of the template file, which
// is zero for the default template.
func Load(path string) (*Renderer, time.Time, error) {
	if path == "" {
		r, err := New("nexus_proxy.cfg", DefaultTemplate)
		return r, time.Time{}, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to stat template: %w", err)
	}
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to read template: %w", err)
	}
	r, err := New(filepath.Base(path), string(source))
	if err != nil {
		return nil, time.Time{}, err
	}
	return r, info.ModTime(), nil
}

// ModTime returns the modification time of a template file, zero for the
// default template
func ModTime(path string) (time.Time, error) {
	if path == "" {
		return time.Time{}, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

// Render executes the template with ctx
func (r *Renderer) Render(ctx Context) (string, error) {
	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, ctx); err != nil {
		return "", fmt.Errorf("failed to render template: %w", err)
	}
	return buf.String(), nil
}

// WriteFile writes text to path through a temporary file in the same
// directory, so readers never observe a partial file
func WriteFile(path, text string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(text); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0644); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func funcMap() template.FuncMap {
	return template.FuncMap{
		"certPath":         certs.CertPath,
		"certificateNames": certificateNames,
		"backendName":      backendName,
		"ruleBackend":      ruleBackend,
		"hostMatch":        hostMatch,
		"ruleCondition":    ruleCondition,
		"serverCheck":      serverCheck,
	}
}

// certificateNames lists the distinct certificates bound in a port group
func certificateNames(pg types.PortGroup) []string {
	seen := make(map[string]struct{})
	var names []string
	for _, l := range pg.Listeners {
		if !l.HasValidCertificate() {
			continue
		}
		if _, ok := seen[l.Certificate.ID]; ok {
			continue
		}
		seen[l.Certificate.ID] = struct{}{}
		names = append(names, l.Certificate.ID)
	}
	sort.Strings(names)
	return names
}

func backendName(tg *types.TargetGroup) string {
	return "tg_" + tg.ID
}

// ruleBackend names the backend a rule sends matching requests to, empty
// for forward rules whose target group did not resolve. Redirects and
// status responses go through use_backend as well, so the frontend applies
// every rule in its listed order.
func ruleBackend(rule *types.Rule) string {
	switch rule.Action.Type {
	case types.ActionForward:
		if rule.TargetGroup == nil {
			return ""
		}
		return backendName(rule.TargetGroup)
	case types.ActionRedirectHTTPS:
		return "act_redirect_https"
	case types.ActionStatus:
		return fmt.Sprintf("act_status_%d", rule.Action.StatusCode)
	}
	return ""
}

// actionBackends lists the distinct non-forward backends referenced by the
// rules of groups, ordered by name
func actionBackends(groups []types.PortGroup) []ActionBackend {
	seen := make(map[string]struct{})
	var backends []ActionBackend
	for _, pg := range groups {
		for _, rule := range pg.Rules() {
			if rule.Action.Type == types.ActionForward {
				continue
			}
			name := ruleBackend(rule)
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			backends = append(backends, ActionBackend{Name: name, StatusCode: rule.Action.StatusCode})
		}
	}
	sort.Slice(backends, func(i, j int) bool { return backends[i].Name < backends[j].Name })
	return backends
}

// hostMatch renders the ACL criterion of a host pattern
func hostMatch(host string) string {
	if strings.HasPrefix(host, "*.") {
		return "hdr(host),field(1,:) -m end -i " + host[1:]
	}
	return "hdr(host),field(1,:) -i " + host
}

// ruleCondition names the ACLs a rule at index i depends on
func ruleCondition(i int, rule *types.Rule) string {
	var acls []string
	if rule.Host != "" {
		acls = append(acls, fmt.Sprintf("r%d_host", i))
	}
	if rule.Path != "" {
		acls = append(acls, fmt.Sprintf("r%d_path", i))
	}
	return strings.Join(acls, " ")
}

// serverCheck renders the health check options of a server line
func serverCheck(hc *types.HealthCheck) string {
	if hc == nil {
		return ""
	}
	opts := []string{"check"}
	if hc.Port > 0 && !hc.UseTrafficPort {
		opts = append(opts, fmt.Sprintf("port %d", hc.Port))
	}
	if hc.Interval > 0 {
		opts = append(opts, fmt.Sprintf("inter %ds", hc.Interval))
	}
	if hc.Healthy > 0 {
		opts = append(opts, fmt.Sprintf("rise %d", hc.Healthy))
	}
	if hc.Unhealthy > 0 {
		opts = append(opts, fmt.Sprintf("fall %d", hc.Unhealthy))
	}
	return " " + strings.Join(opts, " ")
}

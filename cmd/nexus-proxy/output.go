package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/nexus-proxy/pkg/health"
	"github.com/cuemby/nexus-proxy/pkg/ingress"
	"github.com/cuemby/nexus-proxy/pkg/types"
)

type outputFormat string

const (
	formatText outputFormat = ""
	formatYAML outputFormat = "yaml"
	formatJSON outputFormat = "json"
)

func parseFormat(s string) (outputFormat, error) {
	switch f := outputFormat(strings.ToLower(s)); f {
	case formatText, formatYAML, formatJSON:
		return f, nil
	}
	return "", fmt.Errorf("unknown output format %q, want yaml or json", s)
}

// printConfig writes a resolved configuration in the requested format
func printConfig(w io.Writer, lb *types.LoadBalancerConfig, format outputFormat) error {
	switch format {
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(lb); err != nil {
			return fmt.Errorf("failed to encode YAML: %w", err)
		}
		return enc.Close()
	case formatJSON:
		data, err := json.MarshalIndent(lb, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode JSON: %w", err)
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	}

	printText(w, lb)
	return nil
}

func printText(w io.Writer, lb *types.LoadBalancerConfig) {
	fmt.Fprintf(w, "ALB: %s\n", lb.ID)

	fmt.Fprintln(w, "Listeners:")
	for _, l := range lb.SortedListeners() {
		fmt.Fprintf(w, "`- %s\n", l.ID)
		fmt.Fprintf(w, "   port: %d\n", l.Port)
		fmt.Fprintf(w, "   protocol: %s\n", l.Protocol)
		if l.CertificateName != "" {
			fmt.Fprintf(w, "   certificate: %s (valid: %t)\n", l.CertificateName, l.HasValidCertificate())
		}
		fmt.Fprintln(w, "   rules:")
		for _, r := range l.Rules {
			fmt.Fprintf(w, "   `- host: %s, path: %s, action: %s, priority: %d\n",
				orDash(r.Host), orDash(r.Path), r.Action, r.Priority)
		}
	}

	fmt.Fprintln(w, "Listener groups:")
	for _, lg := range lb.ListenerGroups {
		fmt.Fprintf(w, "`- %s\n", lg.ID)
		fmt.Fprintf(w, "   domains: %s\n", strings.Join(lg.Domains, ", "))
		fmt.Fprintf(w, "   listeners: %s\n", strings.Join(lg.Listeners, ", "))
		fmt.Fprintf(w, "   certificate name: %s\n", orDash(lg.CertificateName))
		fmt.Fprintf(w, "   use certbot: %t\n", lg.CertbotManaged)
		if bot := lg.CertBot; bot != nil {
			fmt.Fprintf(w, "   certbot: %s:%d (ready: %t)\n", bot.TargetHost, bot.TargetPort, bot.Ready)
		}
	}

	fmt.Fprintln(w, "Target Groups:")
	for _, tg := range lb.SortedTargetGroups() {
		fmt.Fprintf(w, "`- %s\n", tg.ID)
		if hc := tg.HealthCheck; hc != nil {
			fmt.Fprintln(w, "  `- Health check:")
			fmt.Fprintf(w, "    `- protocol: %s\n", orDash(hc.Protocol))
			fmt.Fprintf(w, "    `- path: %s\n", orDash(hc.Path))
			fmt.Fprintf(w, "    `- port: %d\n", hc.Port)
			fmt.Fprintf(w, "    `- healthy: %d\n", hc.Healthy)
			fmt.Fprintf(w, "    `- unhealthy: %d\n", hc.Unhealthy)
			fmt.Fprintf(w, "    `- timeout: %d\n", hc.Timeout)
			fmt.Fprintf(w, "    `- interval: %d\n", hc.Interval)
			fmt.Fprintf(w, "    `- success: %v\n", hc.Success)
		} else {
			fmt.Fprintln(w, "  `- No health check")
		}
		for _, t := range tg.Targets {
			fmt.Fprintf(w, "   `- %s\n", t)
		}
	}
}

// printMatch explains a routing decision
func printMatch(w io.Writer, m *ingress.Match) {
	if m == nil {
		fmt.Fprintln(w, "No rule matches")
		return
	}

	fmt.Fprintf(w, "listener: %s\n", m.Listener.ID)
	fmt.Fprintf(w, "rule: %s (host: %s, path: %s, priority: %d)\n",
		m.Rule.ID, orDash(m.Rule.Host), orDash(m.Rule.Path), m.Rule.Priority)
	fmt.Fprintf(w, "action: %s\n", m.Rule.Action)

	if tg := m.Rule.TargetGroup; tg != nil {
		targets := make([]string, 0, len(tg.Targets))
		for _, t := range tg.Targets {
			targets = append(targets, t.String())
		}
		fmt.Fprintf(w, "targets: %s\n", strings.Join(targets, ", "))
	}
}

// printTargets lists probe results, one target per line
func printTargets(w io.Writer, results []health.TargetResult) {
	if len(results) == 0 {
		fmt.Fprintln(w, "No targets")
		return
	}
	for _, r := range results {
		state := "up"
		if !r.Status.Healthy {
			state = "down"
		}
		fmt.Fprintf(w, "%s %s %s %s: %s\n", r.TargetGroup, r.Target, r.Type, state, r.Status.LastResult.Message)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/nexus-proxy/pkg/certbot"
	"github.com/cuemby/nexus-proxy/pkg/config"
	"github.com/cuemby/nexus-proxy/pkg/resolver"
	"github.com/cuemby/nexus-proxy/pkg/types"
)

var certificateCmd = &cobra.Command{
	Use:   "certificate",
	Short: "Manage certificates",
}

var certificateRenewCmd = &cobra.Command{
	Use:   "renew",
	Short: "Issue certificates for certbot managed listener groups",
	Long: `Issue certificates for every listener group that asks for a managed
certificate.

For each group the ACME challenge path is registered in the store, the
running 'alb run' loop routes it to this host and marks it ready, and the
certificate is obtained over HTTP-01 and stored for the listeners to use.

Examples:
  nexus-proxy certificate renew --host-name 10.0.0.5 --host-port 8888 --email ops@example.com`,
	RunE: renewCertificates,
}

func init() {
	certificateCmd.AddCommand(certificateRenewCmd)

	certificateRenewCmd.Flags().String("host-name", "", "Host the proxy reaches the challenge responder on (env HOST_NAME)")
	certificateRenewCmd.Flags().Int("host-port", 0, "Port of the challenge responder (env HOST_PORT)")
	certificateRenewCmd.Flags().String("email", "", "ACME account email (env EMAIL)")
	certificateRenewCmd.Flags().Duration("wait-timeout", 0, "How long to wait for the challenge route (env CERTBOT_WAIT_TIMEOUT)")
}

func renewCertificates(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	if flags.Changed("host-name") {
		cfg.HostName, _ = flags.GetString("host-name")
	}
	if flags.Changed("host-port") {
		cfg.HostPort, _ = flags.GetInt("host-port")
	}
	if flags.Changed("email") {
		cfg.Email, _ = flags.GetString("email")
	}
	if flags.Changed("wait-timeout") {
		cfg.CertbotWaitTimeout, _ = flags.GetDuration("wait-timeout")
	}

	renewCfg := certbot.Config{
		ALBID:       cfg.ALBID,
		Email:       cfg.Email,
		HostName:    cfg.HostName,
		HostPort:    cfg.HostPort,
		WaitTimeout: cfg.CertbotWaitTimeout,
	}
	if err := renewCfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	coordinator := certbot.NewCoordinator(renewCfg, store, resolver.New(store), newIssuer(cfg))
	summary, err := coordinator.Renew(ctx)

	out := cmd.OutOrStdout()
	if types.IsNoConfiguration(err) {
		fmt.Fprintln(out, "No configuration found")
		return nil
	}
	if summary != nil {
		printSummary(out, summary)
	}
	return err
}

func newIssuer(c *config.Config) certbot.Issuer {
	if c.ACMEIssuer == config.IssuerLego {
		return certbot.NewLegoIssuer(certbot.WithDirectoryURL(c.ACMEDirectoryURL))
	}
	issuer := certbot.NewExecIssuer(nil)
	issuer.Server = c.ACMEDirectoryURL
	return issuer
}

func printSummary(w io.Writer, s *certbot.Summary) {
	ids := make([]string, 0, len(s.Results))
	for id := range s.Results {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		fmt.Fprintf(w, "%s: %s\n", id, s.Results[id])
	}
	fmt.Fprintf(w, "issued: %d, timeout: %d, failed: %d\n",
		s.Count(certbot.ResultIssued), s.Count(certbot.ResultTimeout), s.Count(certbot.ResultFailed))
}

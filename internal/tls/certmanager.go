package tls

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strings"

	"github.com/caddyserver/certmagic"
)

// CertManager obtains and renews ACME certificates for a fixed set of domains.
type CertManager struct {
	domains []string
	logger  *slog.Logger
	cfg     *certmagic.Config
	issuer  *certmagic.ACMEIssuer
}

// NewCertManager creates a CertManager for domains. Outside production the
// Let's Encrypt staging CA is used.
func NewCertManager(domains []string, email string, production bool, logger *slog.Logger) *CertManager {
	certmagic.DefaultACME.Email = email
	certmagic.DefaultACME.Agreed = true
	if !production {
		certmagic.DefaultACME.CA = certmagic.LetsEncryptStagingCA
	}

	cfg := certmagic.NewDefault()
	cm := &CertManager{
		domains: normalize(domains),
		logger:  logger,
		cfg:     cfg,
		issuer:  certmagic.NewACMEIssuer(cfg, certmagic.DefaultACME),
	}
	cfg.Issuers = []certmagic.Issuer{cm.issuer}
	return cm
}

func normalize(domains []string) []string {
	out := make([]string, 0, len(domains))
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" && !slices.Contains(out, d) {
			out = append(out, d)
		}
	}
	return out
}

// Domains returns the managed domains.
func (cm *CertManager) Domains() []string {
	return cm.domains
}

// Allowed reports whether name is one of the managed domains.
func (cm *CertManager) Allowed(name string) bool {
	return slices.Contains(cm.domains, strings.ToLower(name))
}

// Listen obtains certificates for all domains, then returns a TLS listener on
// the HTTPS port.
func (cm *CertManager) Listen(ctx context.Context) (net.Listener, error) {
	if len(cm.domains) == 0 {
		return nil, fmt.Errorf("no TLS domains configured")
	}
	cm.logger.Info("managing TLS certificates", "domains", cm.domains)
	if err := cm.cfg.ManageSync(ctx, cm.domains); err != nil {
		return nil, fmt.Errorf("manage domains: %w", err)
	}

	tlsCfg := cm.cfg.TLSConfig()
	tlsCfg.NextProtos = append([]string{"h2", "http/1.1"}, tlsCfg.NextProtos...)
	ln, err := tls.Listen("tcp", fmt.Sprintf(":%d", certmagic.HTTPSPort), tlsCfg)
	if err != nil {
		return nil, fmt.Errorf("tls listen: %w", err)
	}
	cm.logger.Info("serving HTTPS", "port", certmagic.HTTPSPort)
	return ln, nil
}

// RedirectHTTPS sends plain-HTTP requests for a managed domain to the same
// path over HTTPS. Other hosts get 404.
func (cm *CertManager) RedirectHTTPS(w http.ResponseWriter, r *http.Request) {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if !cm.Allowed(host) {
		http.NotFound(w, r)
		return
	}
	http.Redirect(w, r, "https://"+host+r.URL.RequestURI(), http.StatusMovedPermanently)
}

// HTTPChallengeHandler wraps next so ACME HTTP-01 challenges are answered.
func (cm *CertManager) HTTPChallengeHandler(next http.Handler) http.Handler {
	return cm.issuer.HTTPChallengeHandler(next)
}

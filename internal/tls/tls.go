package tls

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

const (
	tlsCaCrt = "tls_ca.crt"
	tlsCrt   = "tls.crt"
	tlsKey   = "tls.key"
)

// Config enables HTTPS for the API listener. Explicit cert and key files win
// over Dir; with AutoGenerate a self-signed pair is written into Dir when
// missing.
type Config struct {
	Enabled      bool       `toml:"enabled" mapstructure:"enabled"`
	CertFile     string     `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile      string     `toml:"key_file" mapstructure:"key_file"`
	Dir          string     `toml:"dir" mapstructure:"dir"`
	AutoGenerate bool       `toml:"auto_generate" mapstructure:"auto_generate"`
	MinVersion   string     `toml:"min_version" mapstructure:"min_version"`
	MaxVersion   string     `toml:"max_version" mapstructure:"max_version"`
	AutoGen      AutoGenTLS `toml:"auto_gen" mapstructure:"auto_gen"`
}

// AutoGenTLS tunes the generated self-signed certificate.
type AutoGenTLS struct {
	CommonName   string   `toml:"common_name" mapstructure:"common_name"`
	Organization string   `toml:"organization" mapstructure:"organization"`
	DNSNames     []string `toml:"dns_names" mapstructure:"dns_names"`
	IPAddresses  []string `toml:"ip_addresses" mapstructure:"ip_addresses"`
	ValidDays    int      `toml:"valid_days" mapstructure:"valid_days"`
}

// parseVersion maps a version string to its constant; ok is false for
// empty or unknown values.
func parseVersion(ver string) (uint16, bool) {
	switch strings.ToLower(ver) {
	case "1.2", "tls1.2":
		return tls.VersionTLS12, true
	case "1.3", "tls1.3":
		return tls.VersionTLS13, true
	default:
		return 0, false
	}
}

// Validate rejects unknown versions and configs without a certificate source.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	for _, v := range []string{c.MinVersion, c.MaxVersion} {
		if _, ok := parseVersion(v); v != "" && v != "default" && !ok {
			return errors.Newf("unknown tls version %q", v)
		}
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return errors.New("tls cert_file and key_file must be set together")
	}
	if c.CertFile == "" && c.Dir == "" {
		return errors.New("tls enabled but neither cert_file nor dir is set")
	}
	return nil
}

func (c Config) versions() (min, max uint16) {
	min, max = tls.VersionTLS13, tls.VersionTLS13
	if v, ok := parseVersion(c.MinVersion); ok {
		min = v
	}
	if v, ok := parseVersion(c.MaxVersion); ok {
		max = v
	}
	if min > max {
		max = min
	}
	return min, max
}

// readWithin reads p only when it resolves inside baseDir.
func readWithin(baseDir, p string) ([]byte, error) {
	clean := filepath.Clean(p)
	absBase, _ := filepath.Abs(baseDir)
	absFile, _ := filepath.Abs(clean)
	if !strings.HasPrefix(absFile, absBase+string(filepath.Separator)) && absFile != absBase {
		return nil, errors.Newf("file %s outside of %s", p, baseDir)
	}
	return os.ReadFile(clean)
}

// certLoader reloads the pair on every handshake so rotated files are
// picked up without a restart.
func certLoader(certFile, keyFile string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	baseDir := filepath.Dir(certFile)
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		certPEM, err := readWithin(baseDir, certFile)
		if err != nil {
			return nil, err
		}
		keyPEM, err := readWithin(filepath.Dir(keyFile), keyFile)
		if err != nil {
			return nil, err
		}
		cert, err := tls.X509KeyPair(certPEM, keyPEM)
		if err != nil {
			return nil, errors.Wrap(err, "load key pair")
		}
		return &cert, nil
	}
}

// Setup returns the server TLS config described by c, or nil when TLS is off.
func Setup(c Config) (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	certPath, keyPath := c.CertFile, c.KeyFile
	if certPath == "" {
		certPath = filepath.Join(c.Dir, tlsCrt)
		keyPath = filepath.Join(c.Dir, tlsKey)
		if c.AutoGenerate && !exists(certPath, keyPath) {
			if err := generate(c.AutoGen, c.Dir); err != nil {
				return nil, errors.Wrap(err, "generate certificate")
			}
		}
	}
	if !exists(certPath, keyPath) {
		return nil, errors.Newf("tls certificate %s or key %s not found", certPath, keyPath)
	}
	minVer, maxVer := c.versions()
	// #nosec G402 min version is configurable down to 1.2 only
	return &tls.Config{
		GetCertificate: certLoader(certPath, keyPath),
		MinVersion:     minVer,
		MaxVersion:     maxVer,
	}, nil
}

func exists(paths ...string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func generate(a AutoGenTLS, dir string) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return errors.Wrap(err, "create certificate directory")
	}
	dns := a.DNSNames
	if len(dns) == 0 {
		dns = []string{"localhost"}
	}
	ips := a.IPAddresses
	if len(ips) == 0 {
		ips = []string{"127.0.0.1"}
	}
	days := a.ValidDays
	if days <= 0 {
		days = 365
	}
	return GenerateSelfSignedCert(CertConfig{
		CommonName:   orDefault(a.CommonName, "localhost"),
		Organization: orDefault(a.Organization, "botrunner"),
		DNSNames:     dns,
		IPAddresses:  ips,
		NotAfter:     time.Now().AddDate(0, 0, days),
		CertPath:     filepath.Join(dir, tlsCrt),
		KeyPath:      filepath.Join(dir, tlsKey),
		CACertPath:   filepath.Join(dir, tlsCaCrt),
	})
}

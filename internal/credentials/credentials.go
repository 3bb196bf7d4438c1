// Package credentials resolves the pass signing identity (signer
// certificate, private key and WWDR intermediate) from configured file paths
// or inline base64 blobs and checks it against the configured identifiers.
package credentials

import (
	"context"
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/sensiblebit/passkit"
	"github.com/sensiblebit/passkit/internal/config"
	"github.com/sensiblebit/passkit/internal/passerr"
)

// Identity source formats.
const (
	SourcePEM    = "pem"
	SourcePKCS12 = "pkcs12"
	SourceJKS    = "jks"
)

// Identity is a resolved signing identity.
type Identity struct {
	Signer *x509.Certificate
	Key    crypto.PrivateKey
	WWDR   *x509.Certificate
	// Extra holds CA certificates that came bundled with the signer, used
	// only for chain verification.
	Extra []*x509.Certificate
	// Source names the container format the signer was loaded from.
	Source string
	// PassTypeIdentifier and TeamIdentifier are read from the signer subject.
	PassTypeIdentifier string
	TeamIdentifier     string
	Warnings           []string
}

// TLSCertificate returns the identity as a TLS client certificate. APNs
// accepts the Pass Type ID certificate for pass update pushes.
func (id *Identity) TLSCertificate() tls.Certificate {
	return tls.Certificate{
		Certificate: [][]byte{id.Signer.Raw, id.WWDR.Raw},
		PrivateKey:  id.Key,
		Leaf:        id.Signer,
	}
}

// Source returns the signing identity used to build passes.
type Source interface {
	Identity(ctx context.Context) (*Identity, error)
}

// Resolver loads the identity described by config.Signer once and caches
// it. Failed resolutions are not cached. Concurrent callers share one
// in-flight resolution; mu guards only the cached fields.
type Resolver struct {
	cfg        config.Signer
	passTypeID string
	teamID     string
	logger     *slog.Logger
	group      singleflight.Group

	mu         sync.Mutex
	identity   *Identity
	scratch    string
	ownScratch bool
}

// NewResolver creates a resolver for the given signer configuration and
// expected identifiers.
func NewResolver(cfg config.Signer, passTypeID, teamID string, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		cfg:        cfg,
		passTypeID: strings.TrimSpace(passTypeID),
		teamID:     strings.TrimSpace(teamID),
		logger:     logger,
	}
}

// Identity resolves, validates and caches the signing identity.
func (r *Resolver) Identity(ctx context.Context) (*Identity, error) {
	if id := r.cached(); id != nil {
		return id, nil
	}
	v, err, _ := r.group.Do("identity", func() (any, error) {
		if id := r.cached(); id != nil {
			return id, nil
		}
		id, err := r.resolve(ctx)
		if err != nil {
			return nil, err
		}
		for _, w := range id.Warnings {
			r.logger.Warn("signer certificate", "warning", w)
		}
		r.logger.Info("signing identity loaded",
			"source", id.Source,
			"pass_type_id", id.PassTypeIdentifier,
			"team_id", id.TeamIdentifier,
			"fingerprint", passkit.CertFingerprint(id.Signer),
			"not_after", id.Signer.NotAfter,
		)
		r.mu.Lock()
		r.identity = id
		r.mu.Unlock()
		return id, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Identity), nil
}

func (r *Resolver) cached() *Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.identity
}

// Close removes the scratch directory when the resolver created it.
func (r *Resolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ownScratch && r.scratch != "" {
		if err := os.RemoveAll(r.scratch); err != nil {
			return fmt.Errorf("removing credential scratch dir: %w", err)
		}
		r.scratch = ""
	}
	return nil
}

func (r *Resolver) resolve(ctx context.Context) (*Identity, error) {
	const op = "credentials.Resolve"

	wwdrPath, err := r.materialize("wwdr.pem", r.cfg.WWDRPath, r.cfg.WWDRBase64)
	if err != nil {
		return nil, err
	}
	if wwdrPath == "" {
		return nil, passerr.New(passerr.KindConfiguration, op, "WWDR missing: set PASSKIT_SIGNER_WWDR_PATH or PASSKIT_SIGNER_WWDR_BASE64", nil)
	}
	wwdrData, err := os.ReadFile(wwdrPath)
	if err != nil {
		return nil, passerr.New(passerr.KindConfiguration, op, "reading WWDR certificate", err)
	}
	wwdrCerts, err := passkit.ParseCertificatesAny(wwdrData)
	if err != nil {
		return nil, passerr.New(passerr.KindConfiguration, op, "parsing WWDR certificate", err)
	}

	id, err := r.loadSigner()
	if err != nil {
		return nil, err
	}
	id.WWDR = wwdrCerts[0]
	id.Extra = append(id.Extra, wwdrCerts[1:]...)
	id.PassTypeIdentifier = passkit.PassTypeIdentifier(id.Signer)
	id.TeamIdentifier = passkit.TeamIdentifier(id.Signer)

	if err := CheckIdentifiers(id.Signer, r.passTypeID, r.teamID); err != nil {
		return nil, err
	}

	match, err := passkit.KeyMatchesCert(id.Key, id.Signer)
	if err != nil {
		return nil, passerr.New(passerr.KindSigning, op, "checking signer key", err)
	}
	if !match {
		return nil, passerr.New(passerr.KindCertificateMismatch, op, "private key does not match signer certificate", nil)
	}

	chainOpts := passkit.ChainOptions{
		Intermediates: append([]*x509.Certificate{id.WWDR}, id.Extra...),
		Verify:        r.cfg.VerifyChain,
		FetchAIA:      r.cfg.VerifyChain && r.cfg.FetchAIA,
		AIATimeout:    r.cfg.AIATimeout,
		AIAMaxDepth:   passkit.DefaultChainOptions().AIAMaxDepth,
		TrustStore:    r.cfg.TrustStore,
	}
	if r.cfg.VerifyChain && r.cfg.RootsPath != "" {
		data, err := os.ReadFile(r.cfg.RootsPath)
		if err != nil {
			return nil, passerr.New(passerr.KindConfiguration, op, "reading custom roots", err)
		}
		roots, err := passkit.ParseCertificatesAny(data)
		if err != nil {
			return nil, passerr.New(passerr.KindConfiguration, op, "parsing custom roots", err)
		}
		chainOpts.TrustStore = passkit.TrustStoreCustom
		chainOpts.CustomRoots = roots
	}
	chain, err := passkit.VerifySignerChain(ctx, id.Signer, chainOpts)
	if err != nil {
		return nil, passerr.New(passerr.KindConfiguration, op, "signer chain", err)
	}
	id.Warnings = append(id.Warnings, chain.Warnings...)

	return id, nil
}

// loadSigner picks the first configured source in order PEM pair, PKCS#12,
// JKS.
func (r *Resolver) loadSigner() (*Identity, error) {
	const op = "credentials.Resolve"

	certPath, err := r.materialize("cert.pem", r.cfg.CertPath, r.cfg.CertBase64)
	if err != nil {
		return nil, err
	}
	keyPath, err := r.materialize("key.pem", r.cfg.KeyPath, r.cfg.KeyBase64)
	if err != nil {
		return nil, err
	}
	if certPath != "" && keyPath != "" {
		certData, err := os.ReadFile(certPath)
		if err != nil {
			return nil, passerr.New(passerr.KindConfiguration, op, "reading signer certificate", err)
		}
		certs, err := passkit.ParseCertificatesAny(certData)
		if err != nil {
			return nil, passerr.New(passerr.KindConfiguration, op, "parsing signer certificate", err)
		}
		keyData, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, passerr.New(passerr.KindConfiguration, op, "reading signer key", err)
		}
		key, err := passkit.ParsePEMPrivateKeyWithPasswords(keyData, []string{r.cfg.KeyPassphrase})
		if err != nil {
			return nil, passerr.New(passerr.KindSigning, op, "decrypting signer key", err)
		}
		return &Identity{Signer: certs[0], Key: key, Extra: certs[1:], Source: SourcePEM}, nil
	}

	p12Path, err := r.materialize("signer.p12", r.cfg.P12Path, r.cfg.P12Base64)
	if err != nil {
		return nil, err
	}
	if p12Path != "" {
		data, err := os.ReadFile(p12Path)
		if err != nil {
			return nil, passerr.New(passerr.KindConfiguration, op, "reading PKCS#12 bundle", err)
		}
		key, leaf, cas, err := passkit.DecodePKCS12(data, r.cfg.P12Password)
		if err != nil {
			return nil, passerr.New(passerr.KindSigning, op, "decoding PKCS#12 bundle", err)
		}
		return &Identity{Signer: leaf, Key: key, Extra: cas, Source: SourcePKCS12}, nil
	}

	jksPath, err := r.materialize("signer.jks", r.cfg.JKSPath, r.cfg.JKSBase64)
	if err != nil {
		return nil, err
	}
	if jksPath != "" {
		data, err := os.ReadFile(jksPath)
		if err != nil {
			return nil, passerr.New(passerr.KindConfiguration, op, "reading Java keystore", err)
		}
		key, leaf, chain, err := passkit.DecodeJKSIdentity(data, r.cfg.JKSPassword)
		if err != nil {
			return nil, passerr.New(passerr.KindSigning, op, "decoding Java keystore", err)
		}
		return &Identity{Signer: leaf, Key: key, Extra: chain, Source: SourceJKS}, nil
	}

	return nil, passerr.New(passerr.KindConfiguration, op, "no signer configured: provide a PEM certificate and key, a PKCS#12 bundle, or a JKS keystore", nil)
}

// materialize returns a readable path for one credential item. An existing
// file path is used in place; otherwise the base64 blob is decoded and
// written into the private scratch directory, replacing whatever an earlier
// process left there. Returns "" when neither is set.
func (r *Resolver) materialize(name, path, blob string) (string, error) {
	const op = "credentials.Materialize"

	if path != "" {
		abs, err := filepath.Abs(path)
		if err == nil {
			if info, statErr := os.Stat(abs); statErr == nil && info.Mode().IsRegular() {
				return abs, nil
			}
		}
		if blob == "" {
			return "", passerr.New(passerr.KindConfiguration, op, fmt.Sprintf("%s: file %q not found", name, path), nil)
		}
	}
	if blob == "" {
		return "", nil
	}

	data, err := decodeBlob(blob)
	if err != nil {
		return "", passerr.New(passerr.KindConfiguration, op, name+": invalid base64", err)
	}
	dir, err := r.scratchDir()
	if err != nil {
		return "", err
	}
	target := filepath.Join(dir, name)
	if err := writeAtomic(dir, target, data); err != nil {
		return "", passerr.New(passerr.KindFilesystem, op, "writing "+name, err)
	}
	r.logger.Debug("materialized credential blob", "name", name, "dir", dir)
	return target, nil
}

// writeAtomic replaces target with data through a 0600 temp file in dir.
func writeAtomic(dir, target string, data []byte) error {
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(target)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, target)
}

func (r *Resolver) scratchDir() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scratch != "" {
		return r.scratch, nil
	}
	const op = "credentials.Materialize"
	if r.cfg.ScratchDir != "" {
		if err := os.MkdirAll(r.cfg.ScratchDir, 0o700); err != nil {
			return "", passerr.New(passerr.KindFilesystem, op, "creating scratch dir", err)
		}
		if err := os.Chmod(r.cfg.ScratchDir, 0o700); err != nil {
			return "", passerr.New(passerr.KindFilesystem, op, "restricting scratch dir", err)
		}
		r.scratch = r.cfg.ScratchDir
		return r.scratch, nil
	}
	dir, err := os.MkdirTemp("", "passkit-certs-")
	if err != nil {
		return "", passerr.New(passerr.KindFilesystem, op, "creating scratch dir", err)
	}
	r.scratch = dir
	r.ownScratch = true
	return dir, nil
}

// decodeBlob accepts standard or URL-safe base64 with embedded whitespace,
// which is how multi-line secrets usually arrive through environment
// variables.
func decodeBlob(blob string) ([]byte, error) {
	clean := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\n', '\r', '\t':
			return -1
		}
		return r
	}, blob)
	if data, err := base64.StdEncoding.DecodeString(clean); err == nil {
		return data, nil
	}
	data, err := base64.URLEncoding.DecodeString(clean)
	if err != nil {
		return nil, errors.New("not valid base64")
	}
	return data, nil
}

// CheckIdentifiers compares the configured pass type and team identifiers
// with the signer certificate subject, case-sensitively after trimming.
func CheckIdentifiers(signer *x509.Certificate, passTypeID, teamID string) error {
	const op = "credentials.CheckIdentifiers"
	certPTI := passkit.PassTypeIdentifier(signer)
	if want := strings.TrimSpace(passTypeID); want != certPTI {
		return passerr.New(passerr.KindCertificateMismatch, op,
			fmt.Sprintf("passTypeIdentifier %q does not match certificate %q", want, certPTI), nil)
	}
	certTeam := passkit.TeamIdentifier(signer)
	if want := strings.TrimSpace(teamID); want != certTeam {
		return passerr.New(passerr.KindCertificateMismatch, op,
			fmt.Sprintf("teamIdentifier %q does not match certificate %q", want, certTeam), nil)
	}
	return nil
}

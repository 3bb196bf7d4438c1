package internal

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/sensiblebit/passkit/internal/config"
	"github.com/sensiblebit/passkit/internal/credentials"
	"github.com/sensiblebit/passkit/internal/pass"
	"github.com/sensiblebit/passkit/internal/template"
	"github.com/sensiblebit/passkit/internal/testpki"
)

type staticSource struct{ id *credentials.Identity }

func (s staticSource) Identity(context.Context) (*credentials.Identity, error) {
	return s.id, nil
}

// buildTestPass signs a pass for member 1234 with the shared test PKI and
// returns the archive bytes.
func buildTestPass(t *testing.T) []byte {
	t.Helper()
	pki := testpki.Shared(t)
	tmpl, err := template.Load(testpki.TemplateDir(t))
	if err != nil {
		t.Fatalf("loading template: %v", err)
	}
	b := pass.NewBuilder(config.Pass{
		TypeIdentifier:   testpki.PassTypeID,
		TeamIdentifier:   testpki.TeamID,
		OrganizationName: "Klub Osmijeha",
		Description:      "Loyalty kartica",
		SerialPrefix:     "KOS-",
	}, pass.Deps{
		Credentials: staticSource{id: &credentials.Identity{
			Signer:             pki.Signer,
			Key:                pki.SignerKey,
			WWDR:               pki.WWDR,
			Source:             credentials.SourcePEM,
			PassTypeIdentifier: testpki.PassTypeID,
			TeamIdentifier:     testpki.TeamID,
		}},
		Template:   tmpl,
		ScratchDir: t.TempDir(),
	})
	archive, err := b.Build(context.Background(), pass.Member{FullName: "Ana Anić", MemberID: "1234", Tier: "gold"})
	if err != nil {
		t.Fatalf("building pass: %v", err)
	}
	return archive.Bytes
}

func writeTemp(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

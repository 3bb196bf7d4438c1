package issuance

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/sensiblebit/passkit/internal/apns"
	"github.com/sensiblebit/passkit/internal/config"
	"github.com/sensiblebit/passkit/internal/mailer"
	"github.com/sensiblebit/passkit/internal/pass"
	"github.com/sensiblebit/passkit/internal/passerr"
	"github.com/sensiblebit/passkit/internal/registry"
)

type fakeBuilder struct {
	mu         sync.Mutex
	built      []pass.Member
	published  []string
	err        error
	publishErr error
}

func (b *fakeBuilder) Build(ctx context.Context, m pass.Member) (*pass.Archive, error) {
	a, err := b.Package(ctx, m)
	if err != nil {
		return nil, err
	}
	if err := b.Publish(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

func (b *fakeBuilder) Package(_ context.Context, m pass.Member) (*pass.Archive, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	b.built = append(b.built, m)
	return &pass.Archive{Serial: m.Serial("KOS-"), Bytes: []byte("pkpass:" + m.MemberID)}, nil
}

func (b *fakeBuilder) Publish(_ context.Context, a *pass.Archive) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	b.published = append(b.published, a.Serial)
	a.Location = "/out/" + a.Serial + ".pkpass"
	return nil
}

// failingMappings is a registry whose mapping writes always fail.
type failingMappings struct {
	registry.Store
	err error
}

func (f failingMappings) SaveMapping(context.Context, registry.Mapping) error {
	return f.err
}

type fakeMailer struct {
	sent []mailer.Message
	err  error
}

func (f *fakeMailer) Send(_ context.Context, msg mailer.Message) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

type fakeNotifier struct {
	targets []apns.Target
	reject  map[string]bool
}

func (f *fakeNotifier) NotifyAll(_ context.Context, targets []apns.Target) []apns.Result {
	f.targets = append(f.targets, targets...)
	out := make([]apns.Result, len(targets))
	for i, tg := range targets {
		out[i] = apns.Result{Serial: tg.Serial, Token: tg.Token, Status: http.StatusOK}
		if f.reject[tg.Token] {
			out[i].Status = http.StatusGone
			out[i].Reason = "Unregistered"
		}
	}
	return out
}

func testConfig(mode string) *config.Config {
	return &config.Config{
		HTTP: config.HTTP{PublicURL: "https://wallet.example.com", DeliveryMode: mode},
		APNs: config.APNs{Topic: "pass.com.example.loyalty"},
	}
}

func newService(mode string, deps Deps) *Service {
	if deps.Store == nil {
		deps.Store = registry.NewMemory()
	}
	deps.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(testConfig(mode), deps)
	s.now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }
	return s
}

func TestIssue_Download(t *testing.T) {
	t.Parallel()
	b := &fakeBuilder{}
	store := registry.NewMemory()
	s := newService(config.DeliveryDownload, Deps{Builder: b, Store: store})

	res, err := s.Issue(context.Background(), pass.Member{FullName: " Ana Anić ", MemberID: "1234", Tier: "gold"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if res.Serial != "KOS-1234" {
		t.Errorf("serial = %q", res.Serial)
	}
	if res.URL != "https://wallet.example.com/download/KOS-1234.pkpass" {
		t.Errorf("url = %q", res.URL)
	}
	if res.Delivery != (Delivery{Mode: config.DeliveryDownload, Status: DeliveryReady}) {
		t.Errorf("delivery = %+v", res.Delivery)
	}

	m, err := store.GetMapping(context.Background(), "KOS-1234")
	if err != nil || m == nil {
		t.Fatalf("mapping = %+v, %v", m, err)
	}
	if m.FullName != "Ana Anić" || m.MemberID != "1234" || m.Tier != "gold" || m.UpdatedAt.IsZero() {
		t.Errorf("mapping = %+v", m)
	}
}

func TestIssue_ArchivePublishedOnlyAfterMapping(t *testing.T) {
	// WHY: An archive must not become downloadable for a serial whose
	// mapping was never recorded; a failed mapping write publishes nothing.
	t.Parallel()

	t.Run("mapping write fails", func(t *testing.T) {
		t.Parallel()
		b := &fakeBuilder{}
		storeErr := passerr.New(passerr.KindPersistence, "registry.SaveMapping", "", errors.New("disk full"))
		s := newService(config.DeliveryDownload, Deps{Builder: b, Store: failingMappings{Store: registry.NewMemory(), err: storeErr}})

		res, err := s.Issue(context.Background(), pass.Member{FullName: "Ana", MemberID: "1234"})
		if !errors.Is(err, storeErr) {
			t.Fatalf("Issue = %+v, %v; want the store error", res, err)
		}
		if len(b.built) != 1 {
			t.Errorf("packaged %d times, want 1", len(b.built))
		}
		if len(b.published) != 0 {
			t.Errorf("published %v after a failed mapping write", b.published)
		}
	})

	t.Run("publish fails after mapping", func(t *testing.T) {
		t.Parallel()
		publishErr := passerr.New(passerr.KindFilesystem, "pass.Publish", "writing KOS-1234.pkpass", errors.New("read-only"))
		b := &fakeBuilder{publishErr: publishErr}
		store := registry.NewMemory()
		s := newService(config.DeliveryDownload, Deps{Builder: b, Store: store})

		if _, err := s.Issue(context.Background(), pass.Member{FullName: "Ana", MemberID: "1234"}); !errors.Is(err, publishErr) {
			t.Fatalf("Issue error = %v, want the publish error", err)
		}
		// The mapping stays so a device fetch can regenerate the archive.
		m, err := store.GetMapping(context.Background(), "KOS-1234")
		if err != nil || m == nil {
			t.Fatalf("mapping = %+v, %v", m, err)
		}
	})

	t.Run("success publishes once", func(t *testing.T) {
		t.Parallel()
		b := &fakeBuilder{}
		s := newService(config.DeliveryDownload, Deps{Builder: b, Store: registry.NewMemory()})
		res, err := s.Issue(context.Background(), pass.Member{FullName: "Ana", MemberID: "1234"})
		if err != nil {
			t.Fatalf("Issue: %v", err)
		}
		if len(b.published) != 1 || b.published[0] != "KOS-1234" {
			t.Errorf("published = %v", b.published)
		}
		if res.Archive.Location != "/out/KOS-1234.pkpass" {
			t.Errorf("location = %q", res.Archive.Location)
		}
	})
}

func TestIssue_Email(t *testing.T) {
	// WHY: Email delivery is an independent failure domain: a failed send is
	// reported in the result while the archive and mapping stay issued.
	t.Parallel()

	tests := []struct {
		name       string
		mailer     *fakeMailer
		wantStatus string
		wantError  bool
	}{
		{name: "sent", mailer: &fakeMailer{}, wantStatus: DeliverySent},
		{name: "relay down", mailer: &fakeMailer{err: passerr.New(passerr.KindDelivery, "mailer.Send", "", errors.New("connection refused"))}, wantStatus: DeliveryFailed, wantError: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			store := registry.NewMemory()
			s := newService(config.DeliveryEmail, Deps{Builder: &fakeBuilder{}, Store: store, Mailer: tt.mailer})

			res, err := s.Issue(context.Background(), pass.Member{FullName: "Ana", MemberID: "7", Email: "ana@example.com"})
			if err != nil {
				t.Fatalf("Issue: %v", err)
			}
			if res.Delivery.Status != tt.wantStatus || (res.Delivery.Error != "") != tt.wantError {
				t.Errorf("delivery = %+v", res.Delivery)
			}
			if res.URL == "" || res.Archive == nil {
				t.Error("issued pass not referenced")
			}
			if m, _ := store.GetMapping(context.Background(), "KOS-7"); m == nil {
				t.Error("mapping not saved")
			}
			if tt.wantStatus == DeliverySent {
				if len(tt.mailer.sent) != 1 || tt.mailer.sent[0].To != "ana@example.com" || string(tt.mailer.sent[0].Archive) != "pkpass:7" {
					t.Errorf("sent = %+v", tt.mailer.sent)
				}
			}
		})
	}
}

func TestIssue_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		mode     string
		member   pass.Member
		builder  *fakeBuilder
		wantKind passerr.Kind
	}{
		{name: "missing fields", mode: config.DeliveryDownload, member: pass.Member{}, builder: &fakeBuilder{}, wantKind: passerr.KindValidation},
		{name: "email required in email mode", mode: config.DeliveryEmail, member: pass.Member{FullName: "Ana", MemberID: "1"}, builder: &fakeBuilder{}, wantKind: passerr.KindValidation},
		{name: "invalid email", mode: config.DeliveryDownload, member: pass.Member{FullName: "Ana", MemberID: "1", Email: "nope"}, builder: &fakeBuilder{}, wantKind: passerr.KindValidation},
		{
			name:     "build failure",
			mode:     config.DeliveryDownload,
			member:   pass.Member{FullName: "Ana", MemberID: "1"},
			builder:  &fakeBuilder{err: passerr.New(passerr.KindSigning, "pass.Build", "", errors.New("boom"))},
			wantKind: passerr.KindSigning,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			store := registry.NewMemory()
			s := newService(tt.mode, Deps{Builder: tt.builder, Store: store, Mailer: &fakeMailer{}})
			res, err := s.Issue(context.Background(), tt.member)
			if res != nil {
				t.Errorf("partial result returned: %+v", res)
			}
			if !passerr.Is(err, tt.wantKind) {
				t.Errorf("error = %v, want %s", err, tt.wantKind)
			}
			if regs, _ := store.RegistrationsForSerials(context.Background(), nil); len(regs) != 0 {
				t.Error("store touched")
			}
			if m, _ := store.GetMapping(context.Background(), "KOS-1"); m != nil {
				t.Error("mapping saved for failed issuance")
			}
		})
	}
}

func TestRegenerate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := &fakeBuilder{}
	store := registry.NewMemory()
	s := newService(config.DeliveryDownload, Deps{Builder: b, Store: store})

	if err := store.SaveMapping(ctx, registry.Mapping{Serial: "CUSTOM-1", MemberID: "55", FullName: "Iva", Tier: "silver"}); err != nil {
		t.Fatal(err)
	}
	archive, mapping, err := s.Regenerate(ctx, "CUSTOM-1")
	if err != nil {
		t.Fatalf("Regenerate: %v", err)
	}
	if archive.Serial != "CUSTOM-1" || mapping.MemberID != "55" {
		t.Errorf("archive %q mapping %+v", archive.Serial, mapping)
	}
	if len(b.built) != 1 || b.built[0].SerialNumber != "CUSTOM-1" || b.built[0].Tier != "silver" {
		t.Errorf("built = %+v", b.built)
	}

	_, _, err = s.Regenerate(ctx, "KOS-404")
	if !passerr.Is(err, passerr.KindNotFound) || !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("unknown serial error = %v", err)
	}
}

func TestPushUpdates(t *testing.T) {
	// WHY: Every registration gets its own outcome; a dead token is counted
	// as failed without hiding the successful pushes.
	t.Parallel()
	ctx := context.Background()
	store := registry.NewMemory()
	for _, r := range []struct{ device, serial, token string }{
		{"dev-a", "KOS-1", "tok-a"},
		{"dev-b", "KOS-1", "tok-b"},
		{"dev-b", "KOS-2", "tok-b"},
	} {
		if _, err := store.RegisterDevice(ctx, r.device, "pass.com.example.loyalty", r.serial, r.token); err != nil {
			t.Fatal(err)
		}
	}
	n := &fakeNotifier{reject: map[string]bool{"tok-a": true}}
	s := newService(config.DeliveryDownload, Deps{Builder: &fakeBuilder{}, Store: store, Notifier: n})

	report, err := s.PushUpdates(ctx, []string{"KOS-1"})
	if err != nil {
		t.Fatal(err)
	}
	if report.Pushed != 2 || report.Succeeded != 1 || report.Failed != 1 {
		t.Errorf("report = %+v", report)
	}
	for _, tg := range n.targets {
		if tg.Topic != "pass.com.example.loyalty" || tg.Serial != "KOS-1" {
			t.Errorf("target = %+v", tg)
		}
	}

	report, err = s.PushUpdates(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if report.Pushed != 3 {
		t.Errorf("push to all = %+v", report)
	}

	s = newService(config.DeliveryDownload, Deps{Builder: &fakeBuilder{}, Store: store})
	if _, err := s.PushUpdates(ctx, nil); !passerr.Is(err, passerr.KindConfiguration) {
		t.Errorf("without notifier = %v", err)
	}
}

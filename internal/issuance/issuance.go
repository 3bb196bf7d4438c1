// Package issuance coordinates pass issuance: build, record the serial
// mapping, deliver, and push updates to registered devices.
package issuance

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"time"

	"github.com/sensiblebit/passkit/internal/apns"
	"github.com/sensiblebit/passkit/internal/config"
	"github.com/sensiblebit/passkit/internal/mailer"
	"github.com/sensiblebit/passkit/internal/metrics"
	"github.com/sensiblebit/passkit/internal/pass"
	"github.com/sensiblebit/passkit/internal/passerr"
	"github.com/sensiblebit/passkit/internal/registry"
)

// Delivery statuses.
const (
	DeliveryReady  = "ready"
	DeliverySent   = "sent"
	DeliveryFailed = "failed"
)

var errNoNotifier = errors.New("push notifications are not configured")

// Builder produces signed archives. Package only signs and zips; Publish
// writes to the output store; Build does both.
type Builder interface {
	Build(ctx context.Context, m pass.Member) (*pass.Archive, error)
	Package(ctx context.Context, m pass.Member) (*pass.Archive, error)
	Publish(ctx context.Context, a *pass.Archive) error
}

// Notifier pushes update notifications.
type Notifier interface {
	NotifyAll(ctx context.Context, targets []apns.Target) []apns.Result
}

// Delivery reports how the pass reached the member. A failed delivery
// does not invalidate the issued archive.
type Delivery struct {
	Mode   string `json:"mode"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Result describes an issued pass.
type Result struct {
	Serial   string
	URL      string
	Archive  *pass.Archive
	Delivery Delivery
}

// PushReport summarizes a push fan-out.
type PushReport struct {
	Pushed    int
	Succeeded int
	Failed    int
	Results   []apns.Result
}

// Deps are the collaborators of a Service. Mailer is required only in
// email delivery mode and Notifier only for pushes.
type Deps struct {
	Builder  Builder
	Store    registry.Store
	Mailer   mailer.Sender
	Notifier Notifier
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Service issues passes and pushes updates.
type Service struct {
	deliveryMode string
	publicURL    string
	topic        string
	deps         Deps
	now          func() time.Time
}

// New creates a Service for cfg.
func New(cfg *config.Config, deps Deps) *Service {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	mode := cfg.HTTP.DeliveryMode
	if mode == "" {
		mode = config.DeliveryDownload
	}
	return &Service{
		deliveryMode: mode,
		publicURL:    cfg.HTTP.PublicURL,
		topic:        cfg.APNs.Topic,
		deps:         deps,
		now:          time.Now,
	}
}

// DeliveryMode returns the configured delivery mode.
func (s *Service) DeliveryMode() string {
	return s.deliveryMode
}

// DownloadURL returns the public link to a stored archive.
func (s *Service) DownloadURL(serial string) string {
	return s.publicURL + "/download/" + url.PathEscape(serial) + ".pkpass"
}

// Issue validates the member, packages the archive, records the serial
// mapping, publishes the archive and delivers the pass. The archive is only
// published once its mapping is saved, so a failed issuance never leaves a
// downloadable archive behind. A delivery failure is reported in
// Result.Delivery instead of an error.
func (s *Service) Issue(ctx context.Context, m pass.Member) (*Result, error) {
	const op = "issuance.Issue"

	m = m.Normalize()
	emailMode := s.deliveryMode == config.DeliveryEmail
	if err := m.Validate(op, emailMode); err != nil {
		return nil, err
	}

	archive, err := s.deps.Builder.Package(ctx, m)
	if err != nil {
		s.deps.Logger.Error("pass build failed", "member_id", m.MemberID, "kind", passerr.KindOf(err), "error", err)
		return nil, err
	}

	mapping := registry.Mapping{
		Serial:    archive.Serial,
		MemberID:  m.MemberID,
		FullName:  m.FullName,
		Email:     m.Email,
		Tier:      m.Tier,
		UpdatedAt: s.now().UTC(),
	}
	if err := s.deps.Store.SaveMapping(ctx, mapping); err != nil {
		return nil, err
	}
	if err := s.deps.Builder.Publish(ctx, archive); err != nil {
		s.deps.Logger.Error("storing pass failed", "serial", archive.Serial, "error", err)
		return nil, err
	}

	res := &Result{
		Serial:   archive.Serial,
		URL:      s.DownloadURL(archive.Serial),
		Archive:  archive,
		Delivery: Delivery{Mode: s.deliveryMode, Status: DeliveryReady},
	}
	if emailMode {
		res.Delivery = s.sendEmail(ctx, m, res)
	}
	s.deps.Metrics.IncrementDelivery(res.Delivery.Mode, res.Delivery.Status)
	s.deps.Logger.Info("pass issued", "serial", res.Serial, "delivery", res.Delivery.Mode, "status", res.Delivery.Status)
	return res, nil
}

func (s *Service) sendEmail(ctx context.Context, m pass.Member, res *Result) Delivery {
	d := Delivery{Mode: config.DeliveryEmail}
	if s.deps.Mailer == nil {
		d.Status = DeliveryFailed
		d.Error = "email delivery is not configured"
		return d
	}
	err := s.deps.Mailer.Send(ctx, mailer.Message{
		To:          m.Email,
		FullName:    m.FullName,
		Serial:      res.Serial,
		Archive:     res.Archive.Bytes,
		DownloadURL: res.URL,
	})
	if err != nil {
		d.Status = DeliveryFailed
		d.Error = err.Error()
		return d
	}
	d.Status = DeliverySent
	return d
}

// Regenerate rebuilds the archive for a known serial from its mapping.
// Unknown serials are not_found.
func (s *Service) Regenerate(ctx context.Context, serial string) (*pass.Archive, *registry.Mapping, error) {
	mapping, err := registry.RequireMapping(ctx, s.deps.Store, serial)
	if err != nil {
		return nil, nil, err
	}
	archive, err := s.deps.Builder.Build(ctx, pass.Member{
		FullName:     mapping.FullName,
		MemberID:     mapping.MemberID,
		SerialNumber: mapping.Serial,
		Email:        mapping.Email,
		Tier:         mapping.Tier,
	})
	if err != nil {
		return nil, nil, err
	}
	return archive, mapping, nil
}

// PushUpdates notifies every device registered for serials, or for all
// serials when the list is empty. Each push succeeds or fails on its own.
func (s *Service) PushUpdates(ctx context.Context, serials []string) (*PushReport, error) {
	const op = "issuance.PushUpdates"
	if s.deps.Notifier == nil {
		return nil, passerr.New(passerr.KindConfiguration, op, "", errNoNotifier)
	}
	regs, err := s.deps.Store.RegistrationsForSerials(ctx, serials)
	if err != nil {
		return nil, err
	}

	targets := make([]apns.Target, 0, len(regs))
	for _, r := range regs {
		topic := s.topic
		if topic == "" {
			topic = r.PassTypeID
		}
		targets = append(targets, apns.Target{Serial: r.Serial, Token: r.PushToken, Topic: topic})
	}

	report := &PushReport{Results: s.deps.Notifier.NotifyAll(ctx, targets)}
	report.Pushed = len(report.Results)
	for _, r := range report.Results {
		if r.OK() {
			report.Succeeded++
		} else {
			report.Failed++
		}
	}
	s.deps.Logger.Info("push fan-out finished", "pushed", report.Pushed, "succeeded", report.Succeeded, "failed", report.Failed)
	return report, nil
}

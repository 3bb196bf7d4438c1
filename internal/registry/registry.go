// Package registry persists device registrations and the serial to member
// mapping used to regenerate passes on demand.
package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/sensiblebit/passkit/internal/config"
	"github.com/sensiblebit/passkit/internal/passerr"
)

// ErrNotFound marks a serial with no mapping. Store methods report absence
// as empty results; RequireMapping turns it into this error.
var ErrNotFound = errors.New("registry: not found")

// Registration binds one device to one pass.
type Registration struct {
	DeviceID   string `json:"deviceLibraryIdentifier" db:"device_id"`
	PassTypeID string `json:"passTypeIdentifier" db:"pass_type_id"`
	PushToken  string `json:"pushToken" db:"push_token"`
	Serial     string `json:"serialNumber" db:"serial"`
}

// Mapping is the member data behind a serial number.
type Mapping struct {
	Serial    string    `json:"serialNumber"`
	MemberID  string    `json:"memberId"`
	FullName  string    `json:"fullName"`
	Email     string    `json:"email,omitempty"`
	Tier      string    `json:"tier,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store is the registration store. Every mutation is durable before it
// returns and replaces whole entries, so concurrent writers to the same key
// never leave a mixed record behind.
type Store interface {
	// RegisterDevice binds serial to device, refreshing the push token and
	// pass type. created is false when the binding already existed.
	RegisterDevice(ctx context.Context, device, passType, serial, pushToken string) (created bool, err error)

	// ListSerials returns the serials registered to device for passType in
	// ascending order. Unknown devices and pass type mismatches yield an
	// empty list.
	ListSerials(ctx context.Context, device, passType string) ([]string, error)

	// UnregisterDevice removes one binding. Removing an absent binding is a
	// no-op; a device with no remaining serials is forgotten.
	UnregisterDevice(ctx context.Context, device, passType, serial string) error

	// SaveMapping replaces the mapping for m.Serial.
	SaveMapping(ctx context.Context, m Mapping) error

	// GetMapping returns the mapping for serial, or nil when there is none.
	GetMapping(ctx context.Context, serial string) (*Mapping, error)

	// RegistrationsForSerials returns every registration for the given
	// serials, or every registration at all when serials is empty.
	RegistrationsForSerials(ctx context.Context, serials []string) ([]Registration, error)

	Close() error
}

// Open creates the backend selected by cfg.
func Open(ctx context.Context, cfg config.Store) (Store, error) {
	switch cfg.Backend {
	case config.StoreMemory:
		return NewMemory(), nil
	case config.StoreSQLite:
		s, err := OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.StoreRedis:
		s, err := OpenRedis(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, passerr.New(passerr.KindConfiguration, "registry.Open", cfg.Backend,
			fmt.Errorf("unsupported store backend %q", cfg.Backend))
	}
}

// RequireMapping is GetMapping that reports an absent serial as a
// not_found error wrapping ErrNotFound.
func RequireMapping(ctx context.Context, s Store, serial string) (*Mapping, error) {
	m, err := s.GetMapping(ctx, serial)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, passerr.New(passerr.KindNotFound, "registry.GetMapping", serial, ErrNotFound)
	}
	return m, nil
}

// UpdatedSerials returns the serials registered to device whose mapping
// changed after since, together with the newest change time among them.
// A zero since returns every registered serial. When nothing qualifies,
// lastUpdated is now.
func UpdatedSerials(ctx context.Context, s Store, device, passType string, since, now time.Time) ([]string, time.Time, error) {
	serials, err := s.ListSerials(ctx, device, passType)
	if err != nil {
		return nil, time.Time{}, err
	}

	out := make([]string, 0, len(serials))
	var lastUpdated time.Time
	for _, serial := range serials {
		m, err := s.GetMapping(ctx, serial)
		if err != nil {
			return nil, time.Time{}, err
		}
		var updated time.Time
		if m != nil {
			updated = m.UpdatedAt
		}
		if !since.IsZero() && !updated.After(since) {
			continue
		}
		out = append(out, serial)
		if updated.After(lastUpdated) {
			lastUpdated = updated
		}
	}
	if lastUpdated.IsZero() {
		lastUpdated = now
	}
	return out, lastUpdated, nil
}

// SerialsOf returns the distinct serials in regs, sorted.
func SerialsOf(regs []Registration) []string {
	seen := make(map[string]struct{}, len(regs))
	out := make([]string, 0, len(regs))
	for _, r := range regs {
		if _, ok := seen[r.Serial]; ok {
			continue
		}
		seen[r.Serial] = struct{}{}
		out = append(out, r.Serial)
	}
	slices.Sort(out)
	return out
}

// sortRegistrations orders registrations by serial then device so every
// backend returns the same sequence.
func sortRegistrations(regs []Registration) {
	slices.SortFunc(regs, func(a, b Registration) int {
		if c := strings.Compare(a.Serial, b.Serial); c != 0 {
			return c
		}
		return strings.Compare(a.DeviceID, b.DeviceID)
	})
}

func validateKey(op string, parts map[string]string) error {
	var missing []string
	for _, name := range []string{"device", "passType", "serial"} {
		if v, ok := parts[name]; ok && strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return passerr.Missing(op, missing...)
	}
	return nil
}

func persistenceError(op string, err error) error {
	if err == nil {
		return nil
	}
	return passerr.New(passerr.KindPersistence, op, "", err)
}

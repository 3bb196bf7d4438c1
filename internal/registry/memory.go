package registry

import (
	"context"
	"slices"
	"sync"
)

type memDevice struct {
	passType  string
	pushToken string
	serials   map[string]struct{}
}

// Memory is an in-process Store. Its contents are lost on exit.
type Memory struct {
	mu       sync.RWMutex
	devices  map[string]*memDevice
	mappings map[string]Mapping
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		devices:  make(map[string]*memDevice),
		mappings: make(map[string]Mapping),
	}
}

func (s *Memory) RegisterDevice(_ context.Context, device, passType, serial, pushToken string) (bool, error) {
	if err := validateKey("registry.RegisterDevice", map[string]string{"device": device, "passType": passType, "serial": serial}); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[device]
	if !ok {
		d = &memDevice{serials: make(map[string]struct{})}
		s.devices[device] = d
	}
	d.passType = passType
	if pushToken != "" {
		d.pushToken = pushToken
	}
	if _, exists := d.serials[serial]; exists {
		return false, nil
	}
	d.serials[serial] = struct{}{}
	return true, nil
}

func (s *Memory) ListSerials(_ context.Context, device, passType string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.devices[device]
	if !ok || d.passType != passType {
		return []string{}, nil
	}
	out := make([]string, 0, len(d.serials))
	for serial := range d.serials {
		out = append(out, serial)
	}
	slices.Sort(out)
	return out, nil
}

func (s *Memory) UnregisterDevice(_ context.Context, device, passType, serial string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[device]
	if !ok || d.passType != passType {
		return nil
	}
	delete(d.serials, serial)
	if len(d.serials) == 0 {
		delete(s.devices, device)
	}
	return nil
}

func (s *Memory) SaveMapping(_ context.Context, m Mapping) error {
	if err := validateKey("registry.SaveMapping", map[string]string{"serial": m.Serial}); err != nil {
		return err
	}
	s.mu.Lock()
	s.mappings[m.Serial] = m
	s.mu.Unlock()
	return nil
}

func (s *Memory) GetMapping(_ context.Context, serial string) (*Mapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.mappings[serial]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (s *Memory) RegistrationsForSerials(_ context.Context, serials []string) ([]Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[string]struct{}, len(serials))
	for _, serial := range serials {
		want[serial] = struct{}{}
	}

	var out []Registration
	for id, d := range s.devices {
		for serial := range d.serials {
			if len(want) > 0 {
				if _, ok := want[serial]; !ok {
					continue
				}
			}
			out = append(out, Registration{DeviceID: id, PassTypeID: d.passType, PushToken: d.pushToken, Serial: serial})
		}
	}
	sortRegistrations(out)
	return out, nil
}

// Close is a no-op.
func (s *Memory) Close() error { return nil }

package migration

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/andrej220/fleetmigrate/internal/journal"
	"github.com/andrej220/fleetmigrate/pkg/cloud"
	"github.com/andrej220/fleetmigrate/pkg/executor"
)

type fakeSource struct {
	fleets  map[string]*cloud.Fleet
	devices map[int64][]cloud.Device
}

func (s *fakeSource) GetFleet(_ context.Context, slug string) (*cloud.Fleet, error) {
	f, ok := s.fleets[slug]
	if !ok {
		return nil, &cloud.APIError{StatusCode: 404, Method: "GET", Path: "/v7/application"}
	}
	return f, nil
}

func (s *fakeSource) ListDevices(_ context.Context, fleetID int64) ([]cloud.Device, error) {
	return s.devices[fleetID], nil
}

type fakeTarget struct {
	mu         sync.Mutex
	fleets     map[string]*cloud.Fleet
	created    []string
	existing   map[string]cloud.Device
	registered map[string]int64
	// polls are returned in order once a device is registered; the last repeats.
	polls    map[string][]cloud.Device
	pollSeen map[string]int
	nextID   int64
	regErr   error
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{
		fleets:     map[string]*cloud.Fleet{},
		existing:   map[string]cloud.Device{},
		registered: map[string]int64{},
		polls:      map[string][]cloud.Device{},
		pollSeen:   map[string]int{},
		nextID:     1000,
	}
}

func (t *fakeTarget) GetFleetByOwner(_ context.Context, appName, owner string) (*cloud.Fleet, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.fleets[owner+"/"+appName]
	if !ok {
		return nil, fmt.Errorf("fleet %s: %w", appName, cloud.ErrNotFound)
	}
	return f, nil
}

func (t *fakeTarget) CreateFleet(_ context.Context, appName, deviceType, owner string) (*cloud.Fleet, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	f := &cloud.Fleet{ID: t.nextID, AppName: appName, DeviceType: deviceType}
	t.fleets[owner+"/"+appName] = f
	t.created = append(t.created, appName)
	return f, nil
}

func (t *fakeTarget) GetDevice(_ context.Context, uuid string) (*cloud.Device, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if d, ok := t.existing[uuid]; ok {
		return &d, nil
	}
	id, ok := t.registered[uuid]
	if !ok {
		return nil, fmt.Errorf("device %s: %w", uuid, cloud.ErrNotFound)
	}
	states := t.polls[uuid]
	if len(states) == 0 {
		return &cloud.Device{ID: id, UUID: uuid}, nil
	}
	i := min(t.pollSeen[uuid], len(states)-1)
	t.pollSeen[uuid]++
	d := states[i]
	d.ID, d.UUID = id, uuid
	return &d, nil
}

func (t *fakeTarget) RegisterDevice(_ context.Context, fleetID int64, uuid, _ string) (*cloud.Registration, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.regErr != nil {
		return nil, t.regErr
	}
	t.nextID++
	t.registered[uuid] = t.nextID
	return &cloud.Registration{ID: t.nextID, UUID: uuid, APIKey: "key-" + uuid}, nil
}

func (t *fakeTarget) polled(uuid string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pollSeen[uuid]
}

type upload struct {
	data []byte
	mode os.FileMode
}

// fakeHost is what a device looks like over ssh.
type fakeHost struct {
	mu       sync.Mutex
	outputs  map[string]string
	commands []string
	uploads  map[string]upload
	closed   int
}

func (h *fakeHost) history() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.commands...)
}

type fakeDialer struct {
	mu    sync.Mutex
	hosts map[string]*fakeHost
	dials []string
}

func (d *fakeDialer) host(ip string) *fakeHost {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.hosts[ip]
	if !ok {
		h = &fakeHost{outputs: map[string]string{}, uploads: map[string]upload{}}
		d.hosts[ip] = h
	}
	return h
}

func (d *fakeDialer) Dial(_ context.Context, ip string) (executor.Remote, error) {
	d.mu.Lock()
	d.dials = append(d.dials, ip)
	h, ok := d.hosts[ip]
	d.mu.Unlock()
	if !ok {
		return nil, errors.New("connection refused")
	}
	return &fakeRemote{host: h}, nil
}

type fakeRemote struct {
	host *fakeHost
}

func (r *fakeRemote) Run(ctx context.Context, cmd string) ([]byte, error) {
	return r.RunOnce(ctx, cmd)
}

func (r *fakeRemote) RunOnce(_ context.Context, cmd string) ([]byte, error) {
	r.host.mu.Lock()
	defer r.host.mu.Unlock()
	r.host.commands = append(r.host.commands, cmd)
	out, ok := r.host.outputs[cmd]
	if !ok && len(cmd) > 4 && cmd[:4] == "cat " {
		return nil, &executor.CommandError{Command: cmd, ExitStatus: 1, Stderr: "No such file"}
	}
	return []byte(out), nil
}

func (r *fakeRemote) Upload(_ context.Context, local, remote string, mode os.FileMode) error {
	data, err := os.ReadFile(local)
	if err != nil {
		return err
	}
	r.host.mu.Lock()
	defer r.host.mu.Unlock()
	r.host.uploads[remote] = upload{data: data, mode: mode}
	return nil
}

func (r *fakeRemote) Close() error {
	r.host.mu.Lock()
	defer r.host.mu.Unlock()
	r.host.closed++
	return nil
}

type memorySink struct {
	mu      sync.Mutex
	records []journal.Record
	err     error
}

func (s *memorySink) Record(_ context.Context, r journal.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	return s.err
}

func (s *memorySink) Close(context.Context) error { return nil }

func (s *memorySink) byDevice() map[string]journal.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]journal.Record{}
	for _, r := range s.records {
		out[r.DeviceUUID] = r
	}
	return out
}

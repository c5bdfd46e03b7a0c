package sqlitestore

import (
	"context"
	"sort"
	"sync"

	"cyphertextkit/store"
)

// Memory is an in-memory store.Store fixture. It exists so every
// package's tests construct an explicit fixture instance rather than
// reaching for a process-wide singleton or a real SQLite file, per
// SPEC_FULL's design note that turns the notion of a spoof backing store
// into an explicitly instantiated value.
type Memory struct {
	mu sync.Mutex

	devices  map[string]store.StoredDeviceIdentity
	jobs     map[string]store.StoredJob
	messages []store.StoredMessage
	records  map[string]map[string][]byte

	localConfig []byte
	hasConfig   bool
	localSalt   []byte
	hasSalt     bool
}

// NewMemory returns an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{
		devices: make(map[string]store.StoredDeviceIdentity),
		jobs:    make(map[string]store.StoredJob),
		records: make(map[string]map[string][]byte),
	}
}

var _ store.Store = (*Memory)(nil)

func deviceMapKey(user, device string) string { return user + "\x00" + device }

func (m *Memory) SaveDeviceIdentity(_ context.Context, id store.StoredDeviceIdentity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[deviceMapKey(id.PeerUser, id.PeerDevice)] = id
	return nil
}

func (m *Memory) LoadDeviceIdentity(_ context.Context, peerUser, peerDevice string) (store.StoredDeviceIdentity, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.devices[deviceMapKey(peerUser, peerDevice)]
	return id, ok, nil
}

func (m *Memory) DeleteDeviceIdentity(_ context.Context, peerUser, peerDevice string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.devices, deviceMapKey(peerUser, peerDevice))
	return nil
}

func (m *Memory) ListDeviceIdentities(_ context.Context, peerUser string) ([]store.StoredDeviceIdentity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.StoredDeviceIdentity
	for _, id := range m.devices {
		if id.PeerUser == peerUser {
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *Memory) SaveJob(_ context.Context, job store.StoredJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.JobID] = job
	return nil
}

func (m *Memory) LoadJobs(_ context.Context) ([]store.StoredJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.StoredJob, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt < out[j].ScheduledAt })
	return out, nil
}

func (m *Memory) DeleteJob(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, jobID)
	return nil
}

func (m *Memory) SaveChatMessage(_ context.Context, msg store.StoredMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.messages {
		if existing.ID == msg.ID {
			m.messages[i] = msg
			return nil
		}
	}
	m.messages = append(m.messages, msg)
	return nil
}

func (m *Memory) ListChatMessages(_ context.Context, q store.MessageQuery) ([]store.StoredMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []store.StoredMessage
	for _, msg := range m.messages {
		if msg.Conversation != q.Conversation {
			continue
		}
		if q.SenderID != "" && msg.SenderID != q.SenderID {
			continue
		}
		if q.MinOrder != nil && msg.Order < *q.MinOrder {
			continue
		}
		if q.MaxOrder != nil && msg.Order > *q.MaxOrder {
			continue
		}
		matched = append(matched, msg)
	}

	sort.Slice(matched, func(i, j int) bool {
		if q.Sort == store.SortDescending {
			return matched[i].Order > matched[j].Order
		}
		return matched[i].Order < matched[j].Order
	})

	if q.Offset >= len(matched) {
		return nil, nil
	}
	end := len(matched)
	if q.Limit > 0 && q.Offset+q.Limit < end {
		end = q.Offset + q.Limit
	}
	return matched[q.Offset:end], nil
}

func (m *Memory) ReadLocalDeviceConfig(_ context.Context) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.localConfig, m.hasConfig, nil
}

func (m *Memory) WriteLocalDeviceConfig(_ context.Context, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.localConfig = append([]byte(nil), blob...)
	m.hasConfig = true
	return nil
}

func (m *Memory) ReadLocalDeviceSalt(_ context.Context) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.localSalt, m.hasSalt, nil
}

func (m *Memory) WriteLocalDeviceSalt(_ context.Context, salt []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.localSalt = append([]byte(nil), salt...)
	m.hasSalt = true
	return nil
}

func (m *Memory) SaveRecord(_ context.Context, namespace, id string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.records[namespace]
	if !ok {
		ns = make(map[string][]byte)
		m.records[namespace] = ns
	}
	ns[id] = append([]byte(nil), payload...)
	return nil
}

func (m *Memory) LoadRecord(_ context.Context, namespace, id string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.records[namespace]
	if !ok {
		return nil, false, nil
	}
	payload, ok := ns[id]
	return payload, ok, nil
}

func (m *Memory) DeleteRecord(_ context.Context, namespace, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records[namespace], id)
	return nil
}

func (m *Memory) ListRecords(_ context.Context, namespace string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]byte, len(m.records[namespace]))
	for k, v := range m.records[namespace] {
		out[k] = v
	}
	return out, nil
}

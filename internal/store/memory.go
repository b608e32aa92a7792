// Package store — in-memory Store implementation with file-backed
// snapshot persistence. Each logical store writes its own JSON file in
// the data directory; writes go through a tmp-file + rename so a crash
// never leaves a torn file.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hearthd/hearthd/pkg/models"
	"github.com/rs/zerolog/log"
)

const (
	thingsFile        = "things.json"
	pluginConfigsFile = "plugin-configs.json"
	ioConnectionsFile = "io-connections.json"
)

// thingsSnapshot is the on-disk shape of the thing store: groups keyed by
// thing id, plus the quarantined set.
type thingsSnapshot struct {
	Things      map[string]*models.Thing `json:"things"`
	Quarantined map[string]*models.Thing `json:"quarantined,omitempty"`
}

// MemoryStore implements Store with in-memory maps and JSON snapshots.
type MemoryStore struct {
	mu            sync.RWMutex
	things        map[string]*models.Thing        // key: thing id
	quarantined   map[string]*models.Thing        // key: thing id
	pluginConfigs map[string]models.ParamList     // key: plugin id
	ioConnections map[string]*models.IOConnection // key: connection id

	dataDir string // empty = no persistence
	saveMu  sync.Mutex
	saveCh  chan struct{}
	doneCh  chan struct{}
	wg      sync.WaitGroup
}

// NewMemoryStore creates a store persisting to dataDir. An empty dataDir
// disables persistence (tests).
func NewMemoryStore(dataDir string) *MemoryStore {
	m := &MemoryStore{
		things:        make(map[string]*models.Thing),
		quarantined:   make(map[string]*models.Thing),
		pluginConfigs: make(map[string]models.ParamList),
		ioConnections: make(map[string]*models.IOConnection),
		dataDir:       dataDir,
		saveCh:        make(chan struct{}, 1),
		doneCh:        make(chan struct{}),
	}

	if dataDir != "" {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, persistence disabled")
			m.dataDir = ""
		}
	}

	if m.dataDir != "" {
		m.load()
		m.wg.Add(1)
		go m.saveLoop()
	}

	log.Info().Str("data_dir", m.dataDir).Int("things", len(m.things)).Msg("Store initialized")
	return m
}

// Close flushes pending writes and stops the background saver.
func (m *MemoryStore) Close() error {
	select {
	case <-m.doneCh:
		return nil // already closed
	default:
	}
	close(m.doneCh)
	m.wg.Wait()
	if m.dataDir != "" {
		return m.flushAll()
	}
	return nil
}

// ── Thing Store ─────────────────────────────────────────────

func (m *MemoryStore) AddThing(ctx context.Context, thing *models.Thing) error {
	m.mu.Lock()
	if _, exists := m.things[thing.ID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("thing %s already exists", thing.ID)
	}
	m.things[thing.ID] = thing.Clone()
	m.mu.Unlock()
	return m.flushThings()
}

func (m *MemoryStore) UpdateThing(ctx context.Context, thing *models.Thing) error {
	m.mu.Lock()
	if _, exists := m.things[thing.ID]; !exists {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "thing", Key: thing.ID}
	}
	m.things[thing.ID] = thing.Clone()
	m.mu.Unlock()
	return m.flushThings()
}

func (m *MemoryStore) RemoveThing(ctx context.Context, id string) error {
	m.mu.Lock()
	if _, exists := m.things[id]; !exists {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "thing", Key: id}
	}
	delete(m.things, id)
	m.mu.Unlock()
	return m.flushThings()
}

func (m *MemoryStore) GetThing(ctx context.Context, id string) (*models.Thing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.things[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "thing", Key: id}
	}
	return t.Clone(), nil
}

func (m *MemoryStore) ListThings(ctx context.Context) ([]*models.Thing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Thing, 0, len(m.things))
	for _, t := range m.things {
		out = append(out, t.Clone())
	}
	return out, nil
}

func (m *MemoryStore) ListChildren(ctx context.Context, parentID string) ([]*models.Thing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Thing
	for _, t := range m.things {
		if t.ParentID == parentID {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

func (m *MemoryStore) ListThingsByClass(ctx context.Context, thingClassID string) ([]*models.Thing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Thing
	for _, t := range m.things {
		if t.ThingClassID == thingClassID {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

func (m *MemoryStore) SetStateValue(ctx context.Context, thingID string, state models.State, cached bool) error {
	m.mu.Lock()
	t, ok := m.things[thingID]
	if !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "thing", Key: thingID}
	}
	if t.States == nil {
		t.States = make(map[string]*models.State)
	}
	s := state
	t.States[state.StateTypeID] = &s
	m.mu.Unlock()

	if cached {
		m.requestSave()
	}
	return nil
}

func (m *MemoryStore) SetStateMinValue(ctx context.Context, thingID, stateTypeID string, min *float64) error {
	return m.updateState(thingID, stateTypeID, func(s *models.State) { s.MinValue = min })
}

func (m *MemoryStore) SetStateMaxValue(ctx context.Context, thingID, stateTypeID string, max *float64) error {
	return m.updateState(thingID, stateTypeID, func(s *models.State) { s.MaxValue = max })
}

func (m *MemoryStore) SetStateAllowedValues(ctx context.Context, thingID, stateTypeID string, values []interface{}) error {
	return m.updateState(thingID, stateTypeID, func(s *models.State) { s.AllowedValues = values })
}

// updateState mutates one state entry in place and schedules a flush.
func (m *MemoryStore) updateState(thingID, stateTypeID string, apply func(*models.State)) error {
	m.mu.Lock()
	t, ok := m.things[thingID]
	if !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "thing", Key: thingID}
	}
	if t.States == nil {
		t.States = make(map[string]*models.State)
	}
	s, ok := t.States[stateTypeID]
	if !ok {
		s = &models.State{StateTypeID: stateTypeID}
		t.States[stateTypeID] = s
	}
	apply(s)
	m.mu.Unlock()

	m.requestSave()
	return nil
}

func (m *MemoryStore) QuarantineThing(ctx context.Context, id string) error {
	m.mu.Lock()
	t, ok := m.things[id]
	if !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "thing", Key: id}
	}
	delete(m.things, id)
	m.quarantined[id] = t
	m.mu.Unlock()
	return m.flushThings()
}

func (m *MemoryStore) RestoreThing(ctx context.Context, id string) error {
	m.mu.Lock()
	t, ok := m.quarantined[id]
	if !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "quarantined thing", Key: id}
	}
	delete(m.quarantined, id)
	m.things[id] = t
	m.mu.Unlock()
	return m.flushThings()
}

func (m *MemoryStore) ListQuarantinedThings(ctx context.Context) ([]*models.Thing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Thing, 0, len(m.quarantined))
	for _, t := range m.quarantined {
		out = append(out, t.Clone())
	}
	return out, nil
}

// ── Plugin Configuration Store ──────────────────────────────

func (m *MemoryStore) PluginConfiguration(ctx context.Context, pluginID string) (models.ParamList, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.pluginConfigs[pluginID]
	if !ok {
		return nil, nil // no stored configuration yet
	}
	return cfg.Clone(), nil
}

func (m *MemoryStore) SetPluginConfiguration(ctx context.Context, pluginID string, config models.ParamList) error {
	m.mu.Lock()
	m.pluginConfigs[pluginID] = config.Clone()
	m.mu.Unlock()
	return m.flushFile(pluginConfigsFile, m.pluginConfigsLocked)
}

// ── IO Connection Store ─────────────────────────────────────

func (m *MemoryStore) AddIOConnection(ctx context.Context, conn *models.IOConnection) error {
	m.mu.Lock()
	if _, exists := m.ioConnections[conn.ID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("io connection %s already exists", conn.ID)
	}
	c := *conn
	m.ioConnections[conn.ID] = &c
	m.mu.Unlock()
	return m.flushFile(ioConnectionsFile, m.ioConnectionsLocked)
}

func (m *MemoryStore) RemoveIOConnection(ctx context.Context, id string) error {
	m.mu.Lock()
	if _, exists := m.ioConnections[id]; !exists {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "io connection", Key: id}
	}
	delete(m.ioConnections, id)
	m.mu.Unlock()
	return m.flushFile(ioConnectionsFile, m.ioConnectionsLocked)
}

func (m *MemoryStore) GetIOConnection(ctx context.Context, id string) (*models.IOConnection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.ioConnections[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "io connection", Key: id}
	}
	out := *c
	return &out, nil
}

func (m *MemoryStore) ListIOConnections(ctx context.Context) ([]*models.IOConnection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.IOConnection, 0, len(m.ioConnections))
	for _, c := range m.ioConnections {
		cc := *c
		out = append(out, &cc)
	}
	return out, nil
}

// ── Persistence ─────────────────────────────────────────────

// requestSave signals the background goroutine to persist things.
// Non-blocking: coalesces rapid state-value updates into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.dataDir == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
	}
}

// saveLoop debounces cached state-value flushes (max one write per 500ms).
func (m *MemoryStore) saveLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(500 * time.Millisecond)
			if err := m.flushThings(); err != nil {
				log.Error().Err(err).Msg("Deferred state flush failed")
			}
		}
	}
}

func (m *MemoryStore) flushThings() error {
	return m.flushFile(thingsFile, m.thingsLocked)
}

func (m *MemoryStore) thingsLocked() interface{} {
	return thingsSnapshot{Things: m.things, Quarantined: m.quarantined}
}

func (m *MemoryStore) pluginConfigsLocked() interface{} {
	return m.pluginConfigs
}

func (m *MemoryStore) ioConnectionsLocked() interface{} {
	return m.ioConnections
}

// flushFile marshals the snapshot produced by fn (called under the read
// lock) and writes it atomically.
func (m *MemoryStore) flushFile(name string, fn func() interface{}) error {
	if m.dataDir == "" {
		return nil
	}

	m.mu.RLock()
	data, err := json.MarshalIndent(fn(), "", "  ")
	m.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	path := filepath.Join(m.dataDir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

func (m *MemoryStore) flushAll() error {
	if err := m.flushThings(); err != nil {
		return err
	}
	if err := m.flushFile(pluginConfigsFile, m.pluginConfigsLocked); err != nil {
		return err
	}
	return m.flushFile(ioConnectionsFile, m.ioConnectionsLocked)
}

// load reads all three snapshot files. Missing files start fresh; a
// corrupt file is logged and skipped rather than aborting startup.
func (m *MemoryStore) load() {
	var things thingsSnapshot
	if m.loadFile(thingsFile, &things) {
		if things.Things != nil {
			m.things = things.Things
		}
		if things.Quarantined != nil {
			m.quarantined = things.Quarantined
		}
		// Revived things always restart their setup from scratch.
		for _, t := range m.things {
			t.SetupStatus = models.SetupStatusNone
			t.SetupError = ""
		}
	}

	var configs map[string]models.ParamList
	if m.loadFile(pluginConfigsFile, &configs) && configs != nil {
		m.pluginConfigs = configs
	}

	var conns map[string]*models.IOConnection
	if m.loadFile(ioConnectionsFile, &conns) && conns != nil {
		m.ioConnections = conns
	}
}

func (m *MemoryStore) loadFile(name string, v interface{}) bool {
	path := filepath.Join(m.dataDir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", path).Msg("Failed to read snapshot")
		}
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		log.Error().Err(err).Str("path", path).Msg("Corrupt snapshot file, ignoring")
		return false
	}
	return true
}

package api_test

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/brook-data/brook/manager/internal/api"
	"github.com/brook-data/brook/manager/internal/domain"
)

// memoryProgramStore is an in-memory api.ProgramStore for tests.
type memoryProgramStore struct {
	mu       sync.Mutex
	programs map[uuid.UUID]*domain.Program
}

func newMemoryProgramStore() *memoryProgramStore {
	return &memoryProgramStore{programs: make(map[uuid.UUID]*domain.Program)}
}

func (m *memoryProgramStore) CreateProgram(_ context.Context, p *domain.Program) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.programs {
		if existing.Name == p.Name {
			return fmt.Errorf("program %s: %w", p.Name, domain.ErrAlreadyExists)
		}
	}
	p.ID = uuid.New()
	p.Version = 1
	p.Status = domain.ProgramStatusNone
	cp := *p
	m.programs[p.ID] = &cp
	return nil
}

func (m *memoryProgramStore) GetProgram(_ context.Context, _ uuid.UUID, id uuid.UUID) (*domain.Program, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.programs[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (m *memoryProgramStore) GetProgramByName(_ context.Context, _ uuid.UUID, name string) (*domain.Program, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.programs {
		if p.Name == name {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memoryProgramStore) ListPrograms(_ context.Context, _ uuid.UUID) ([]domain.Program, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []domain.Program
	for _, p := range m.programs {
		result = append(result, *p)
	}
	return result, nil
}

func (m *memoryProgramStore) UpdateProgram(_ context.Context, _ uuid.UUID, id uuid.UUID, name, description, code *string) (*domain.Program, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.programs[id]
	if !ok {
		return nil, nil
	}
	if name != nil {
		p.Name = *name
	}
	if description != nil {
		p.Description = *description
	}
	if code != nil && *code != p.Code {
		p.Code = *code
		p.Version++
		p.Status = domain.ProgramStatusNone
		p.Error = nil
		p.Schema = nil
	}
	cp := *p
	return &cp, nil
}

func (m *memoryProgramStore) DeleteProgram(_ context.Context, _ uuid.UUID, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.programs[id]; !ok {
		return false, nil
	}
	delete(m.programs, id)
	return true, nil
}

func (m *memoryProgramStore) QueueCompile(_ context.Context, _ uuid.UUID, id uuid.UUID, expectedVersion int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.programs[id]
	if !ok {
		return false, nil
	}
	if p.Version != expectedVersion {
		return true, fmt.Errorf("program at version %d, requested %d: %w",
			p.Version, expectedVersion, domain.ErrVersionMismatch)
	}
	if p.Status == domain.ProgramStatusNone || p.Status.Terminal() && p.Status != domain.ProgramStatusSuccess {
		p.Status = domain.ProgramStatusPending
		p.Error = nil
	}
	return true, nil
}

// setStatus force-sets compile state, bypassing the state machine (test setup).
func (m *memoryProgramStore) setStatus(id uuid.UUID, status domain.ProgramStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.programs[id]; ok {
		p.Status = status
	}
}

// memoryPipelineStore is an in-memory api.PipelineStore for tests.
type memoryPipelineStore struct {
	mu        sync.Mutex
	pipelines map[uuid.UUID]*domain.Pipeline
}

func newMemoryPipelineStore() *memoryPipelineStore {
	return &memoryPipelineStore{pipelines: make(map[uuid.UUID]*domain.Pipeline)}
}

func (m *memoryPipelineStore) CreatePipeline(_ context.Context, p *domain.Pipeline) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.pipelines {
		if existing.Name == p.Name {
			return fmt.Errorf("pipeline %s: %w", p.Name, domain.ErrAlreadyExists)
		}
	}
	p.ID = uuid.New()
	p.Version = 1
	p.DesiredStatus = domain.PipelineStatusShutdown
	p.CurrentStatus = domain.PipelineStatusShutdown
	if p.Connectors == nil {
		p.Connectors = []domain.AttachedConnector{}
	}
	cp := *p
	m.pipelines[p.ID] = &cp
	return nil
}

func (m *memoryPipelineStore) GetPipeline(_ context.Context, _ uuid.UUID, id uuid.UUID) (*domain.Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pipelines[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (m *memoryPipelineStore) GetPipelineByName(_ context.Context, _ uuid.UUID, name string) (*domain.Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.pipelines {
		if p.Name == name {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memoryPipelineStore) ListPipelines(_ context.Context, _ uuid.UUID) ([]domain.Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []domain.Pipeline
	for _, p := range m.pipelines {
		result = append(result, *p)
	}
	return result, nil
}

func (m *memoryPipelineStore) UpdatePipeline(_ context.Context, _ uuid.UUID, id uuid.UUID,
	name, description *string, programID *uuid.UUID,
	config *domain.RuntimeConfig, connectors []domain.AttachedConnector) (*domain.Pipeline, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pipelines[id]
	if !ok {
		return nil, nil
	}
	if name != nil {
		p.Name = *name
	}
	if description != nil {
		p.Description = *description
	}
	if programID != nil {
		p.ProgramID = programID
	}
	if config != nil {
		p.Config = *config
	}
	if connectors != nil {
		p.Connectors = connectors
	}
	p.Version++
	cp := *p
	return &cp, nil
}

func (m *memoryPipelineStore) DeletePipeline(_ context.Context, _ uuid.UUID, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pipelines[id]; !ok {
		return false, nil
	}
	delete(m.pipelines, id)
	return true, nil
}

func (m *memoryPipelineStore) SetDesiredStatus(_ context.Context, _ uuid.UUID, id uuid.UUID, desired domain.PipelineStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pipelines[id]
	if !ok {
		return false, nil
	}
	p.DesiredStatus = desired
	return true, nil
}

// observe force-sets the supervisor-owned columns (test setup).
func (m *memoryPipelineStore) observe(id uuid.UUID, current domain.PipelineStatus, location *string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pipelines[id]; ok {
		p.CurrentStatus = current
		p.DeploymentLocation = location
	}
}

// memoryConnectorStore is an in-memory api.ConnectorStore for tests.
type memoryConnectorStore struct {
	mu         sync.Mutex
	connectors map[uuid.UUID]*domain.Connector
}

func newMemoryConnectorStore() *memoryConnectorStore {
	return &memoryConnectorStore{connectors: make(map[uuid.UUID]*domain.Connector)}
}

func (m *memoryConnectorStore) CreateConnector(_ context.Context, c *domain.Connector) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.connectors {
		if existing.Name == c.Name {
			return fmt.Errorf("connector %s: %w", c.Name, domain.ErrAlreadyExists)
		}
	}
	c.ID = uuid.New()
	cp := *c
	m.connectors[c.ID] = &cp
	return nil
}

func (m *memoryConnectorStore) GetConnector(_ context.Context, _ uuid.UUID, id uuid.UUID) (*domain.Connector, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.connectors[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (m *memoryConnectorStore) GetConnectorByName(_ context.Context, _ uuid.UUID, name string) (*domain.Connector, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.connectors {
		if c.Name == name {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memoryConnectorStore) ListConnectors(_ context.Context, _ uuid.UUID) ([]domain.Connector, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []domain.Connector
	for _, c := range m.connectors {
		result = append(result, *c)
	}
	return result, nil
}

func (m *memoryConnectorStore) UpdateConnector(_ context.Context, _ uuid.UUID, id uuid.UUID, name, description, config *string) (*domain.Connector, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.connectors[id]
	if !ok {
		return nil, nil
	}
	if name != nil {
		c.Name = *name
	}
	if description != nil {
		c.Description = *description
	}
	if config != nil {
		c.Config = *config
	}
	cp := *c
	return &cp, nil
}

func (m *memoryConnectorStore) DeleteConnector(_ context.Context, _ uuid.UUID, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.connectors[id]; !ok {
		return false, nil
	}
	delete(m.connectors, id)
	return true, nil
}

// newTestServer wires a Server with fresh in-memory stores.
func newTestServer() (*api.Server, *memoryProgramStore, *memoryPipelineStore, *memoryConnectorStore) {
	programs := newMemoryProgramStore()
	pipelines := newMemoryPipelineStore()
	connectors := newMemoryConnectorStore()
	srv := &api.Server{
		Programs:   programs,
		Pipelines:  pipelines,
		Connectors: connectors,
	}
	return srv, programs, pipelines, connectors
}

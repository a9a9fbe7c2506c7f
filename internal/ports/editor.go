package ports

import (
	"context"
	"fmt"
	"sync"
)

// Renderer draws block content into the host document. The runtime forwards
// it unmodified into plugin contexts.
type Renderer interface {
	RenderBlock(ctx context.Context, blockID string, content map[string]any) error
	RemoveBlock(ctx context.Context, blockID string) error
}

// InteractionManager exposes host input handling to plugins.
type InteractionManager interface {
	// RegisterShortcut binds a key sequence to fn and returns an
	// unregister closure.
	RegisterShortcut(sequence string, fn func()) (func(), error)
}

// Block is a single unit of editor content as seen through the adapter.
type Block struct {
	ID      string
	Type    string
	Content map[string]any
}

// BlockStateAdapter exposes the editor's block collection (CRUD plus
// undo/redo) to plugins. The runtime does not interpret block content.
type BlockStateAdapter interface {
	CreateBlock(ctx context.Context, block Block) error
	UpdateBlock(ctx context.Context, id string, content map[string]any) error
	DeleteBlock(ctx context.Context, id string) error
	GetBlock(ctx context.Context, id string) (Block, bool)
	Undo(ctx context.Context) error
	Redo(ctx context.Context) error
}

// MockRenderer records render calls for tests.
type MockRenderer struct {
	mu       sync.Mutex
	Rendered []string
	Removed  []string
}

// NewMockRenderer creates an empty mock renderer.
func NewMockRenderer() *MockRenderer { return &MockRenderer{} }

// RenderBlock implements Renderer.
func (m *MockRenderer) RenderBlock(_ context.Context, blockID string, _ map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Rendered = append(m.Rendered, blockID)
	return nil
}

// RemoveBlock implements Renderer.
func (m *MockRenderer) RemoveBlock(_ context.Context, blockID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Removed = append(m.Removed, blockID)
	return nil
}

// MockInteractionManager records shortcut registrations for tests.
type MockInteractionManager struct {
	mu        sync.Mutex
	shortcuts map[string]func()
}

// NewMockInteractionManager creates an empty mock interaction manager.
func NewMockInteractionManager() *MockInteractionManager {
	return &MockInteractionManager{shortcuts: make(map[string]func())}
}

// RegisterShortcut implements InteractionManager.
func (m *MockInteractionManager) RegisterShortcut(sequence string, fn func()) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.shortcuts[sequence]; exists {
		return nil, fmt.Errorf("shortcut %q already registered", sequence)
	}
	m.shortcuts[sequence] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.shortcuts, sequence)
	}, nil
}

// MockBlockStateAdapter is an in-memory block collection for tests.
type MockBlockStateAdapter struct {
	mu     sync.Mutex
	blocks map[string]Block
}

// NewMockBlockStateAdapter creates an empty mock adapter.
func NewMockBlockStateAdapter() *MockBlockStateAdapter {
	return &MockBlockStateAdapter{blocks: make(map[string]Block)}
}

// CreateBlock implements BlockStateAdapter.
func (m *MockBlockStateAdapter) CreateBlock(_ context.Context, block Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.blocks[block.ID]; exists {
		return fmt.Errorf("block %q already exists", block.ID)
	}
	m.blocks[block.ID] = block
	return nil
}

// UpdateBlock implements BlockStateAdapter.
func (m *MockBlockStateAdapter) UpdateBlock(_ context.Context, id string, content map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blocks[id]
	if !ok {
		return fmt.Errorf("block %q not found", id)
	}
	b.Content = content
	m.blocks[id] = b
	return nil
}

// DeleteBlock implements BlockStateAdapter.
func (m *MockBlockStateAdapter) DeleteBlock(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blocks, id)
	return nil
}

// GetBlock implements BlockStateAdapter.
func (m *MockBlockStateAdapter) GetBlock(_ context.Context, id string) (Block, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blocks[id]
	return b, ok
}

// Undo implements BlockStateAdapter.
func (m *MockBlockStateAdapter) Undo(context.Context) error { return nil }

// Redo implements BlockStateAdapter.
func (m *MockBlockStateAdapter) Redo(context.Context) error { return nil }

var (
	_ Renderer           = (*MockRenderer)(nil)
	_ InteractionManager = (*MockInteractionManager)(nil)
	_ BlockStateAdapter  = (*MockBlockStateAdapter)(nil)
)

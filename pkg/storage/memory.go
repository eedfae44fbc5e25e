// pkg/storage/memory.go
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"border/pkg/dec112"
	"border/pkg/metrics"
)

// MemoryStorage implements Store with in-memory maps
type MemoryStorage struct {
	mu      sync.RWMutex
	calls   map[int64]*memoryCall
	byID    map[string][]int64
	byAltID map[string][]int64
	nextID  int64
	closed  bool

	// Configuration
	persistPath string
	now         func() time.Time
	logger      *zap.Logger
}

type memoryCall struct {
	Record  CallRecord `json:"record"`
	Service string     `json:"service"`
	Raw     []string   `json:"raw"`
}

// MemoryConfig defines configuration for MemoryStorage
type MemoryConfig struct {
	PersistPath string `json:"persist_path"` // Snapshot file loaded on start and written on close (empty = disable)
}

// NewMemoryStorage creates a new in-memory storage
func NewMemoryStorage(config MemoryConfig, logger *zap.Logger) (*MemoryStorage, error) {
	if logger == nil {
		var err error
		logger, err = zap.NewProduction()
		if err != nil {
			return nil, err
		}
	}

	storage := &MemoryStorage{
		calls:       make(map[int64]*memoryCall),
		byID:        make(map[string][]int64),
		byAltID:     make(map[string][]int64),
		persistPath: config.PersistPath,
		now:         time.Now,
		logger:      logger,
	}

	// Load persisted data if available
	if config.PersistPath != "" {
		if err := storage.loadFromFile(); err != nil {
			logger.Warn("Failed to load persisted data", zap.Error(err))
		}
	}

	logger.Info("In-memory storage initialized",
		zap.String("persistPath", config.PersistPath),
		zap.Int("calls", len(storage.calls)))

	return storage, nil
}

// OpenCall stores a new call and its first entry
func (m *MemoryStorage) OpenCall(ctx context.Context, origin string, call NewCall, raw string, msg *dec112.Message) (*OpenedCall, error) {
	if call.CallID == "" {
		return nil, ErrInvalidKey
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	m.nextID++
	id := m.nextID
	now := m.now().UTC()
	mc := &memoryCall{
		Record: CallRecord{
			StorageID: id,
			CreatedAt: now,
			CallID:    call.CallID,
			CallIDAlt: call.CallIDAlt,
			DeviceID:  call.DeviceID,
			CallerID:  call.CallerID,
			CallerURI: call.CallerURI,
			CalledURI: call.CalledURI,
			Service:   call.Service,
			IsTest:    call.IsTest,
			Chat:      []Entry{},
		},
		Service: call.Service,
	}
	m.calls[id] = mc
	m.byID[call.CallID] = append(m.byID[call.CallID], id)
	if call.CallIDAlt != "" {
		m.byAltID[call.CallIDAlt] = append(m.byAltID[call.CallIDAlt], id)
	}
	m.appendEntry(mc, origin, raw, msg)

	metrics.RecordStorageOperation("open_call", "memory")
	return &OpenedCall{CreatedAt: now, CallID: call.CallID, CallIDAlt: call.CallIDAlt, StorageID: id}, nil
}

// StoreEntry appends a message to a stored call
func (m *MemoryStorage) StoreEntry(ctx context.Context, origin string, storageID int64, raw string, msg *dec112.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	mc, ok := m.calls[storageID]
	if !ok {
		metrics.RecordStorageError("store_entry", "memory")
		return fmt.Errorf("%w: storage id %d", ErrNotFound, storageID)
	}
	m.appendEntry(mc, origin, raw, msg)

	metrics.RecordStorageOperation("store_entry", "memory")
	return nil
}

func (m *MemoryStorage) appendEntry(mc *memoryCall, origin, raw string, msg *dec112.Message) {
	mc.Record.Chat = append(mc.Record.Chat, entryFromMessage(origin, msg, m.now().UTC()))
	mc.Record.Length = len(mc.Record.Chat)
	mc.Raw = append(mc.Raw, raw)
}

// GetCallByCallID returns the most recent call with that id
func (m *MemoryStorage) GetCallByCallID(ctx context.Context, callID, service string) (*CallRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lookup(m.byID[callID], service)
}

// GetCallByAltID returns the most recent call with that alternate id
func (m *MemoryStorage) GetCallByAltID(ctx context.Context, altID, service string) (*CallRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lookup(m.byAltID[altID], service)
}

func (m *MemoryStorage) lookup(ids []int64, service string) (*CallRecord, error) {
	for i := len(ids) - 1; i >= 0; i-- {
		mc := m.calls[ids[i]]
		if mc.Service != service {
			continue
		}
		rec := mc.Record
		rec.Chat = append([]Entry(nil), mc.Record.Chat...)
		return &rec, nil
	}
	return nil, ErrNotFound
}

// Ping checks if the storage is available
func (m *MemoryStorage) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// Close persists the calls if a snapshot path is configured
func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	if m.persistPath != "" {
		if err := m.persistToFile(); err != nil {
			m.logger.Error("Failed to persist data", zap.Error(err))
			return err
		}
	}
	return nil
}

type snapshotHeader struct {
	Version   int       `json:"version"`
	Snapshot  string    `json:"snapshot"`
	Timestamp time.Time `json:"timestamp"`
	NextID    int64     `json:"next_id"`
}

func (m *MemoryStorage) persistToFile() error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(m.persistPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	// Create a temporary file
	tempFile := m.persistPath + ".tmp"
	file, err := os.Create(tempFile)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	header := snapshotHeader{Version: 1, Snapshot: uuid.NewString(), Timestamp: m.now(), NextID: m.nextID}
	if err := encoder.Encode(header); err != nil {
		return fmt.Errorf("failed to encode header: %w", err)
	}

	calls := make([]*memoryCall, 0, len(m.calls))
	for _, mc := range m.calls {
		calls = append(calls, mc)
	}
	sort.Slice(calls, func(i, j int) bool { return calls[i].Record.StorageID < calls[j].Record.StorageID })
	if err := encoder.Encode(calls); err != nil {
		return fmt.Errorf("failed to encode calls: %w", err)
	}

	// Close the file before rename to ensure all data is written
	file.Close()

	if err := os.Rename(tempFile, m.persistPath); err != nil {
		return fmt.Errorf("failed to rename file: %w", err)
	}

	m.logger.Info("Data persisted to file",
		zap.String("path", m.persistPath),
		zap.String("snapshot", header.Snapshot),
		zap.Int("calls", len(calls)))
	return nil
}

func (m *MemoryStorage) loadFromFile() error {
	// Check if the file exists
	if _, err := os.Stat(m.persistPath); os.IsNotExist(err) {
		return nil // File doesn't exist, nothing to load
	}

	file, err := os.Open(m.persistPath)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	var header snapshotHeader
	if err := decoder.Decode(&header); err != nil {
		return fmt.Errorf("failed to decode header: %w", err)
	}
	var calls []*memoryCall
	if err := decoder.Decode(&calls); err != nil {
		return fmt.Errorf("failed to decode calls: %w", err)
	}

	// storage ids are not serialized with the record
	for i, mc := range calls {
		id := int64(i + 1)
		if header.NextID < id {
			header.NextID = id
		}
		mc.Record.StorageID = id
		mc.Record.Service = mc.Service
		m.calls[id] = mc
		m.byID[mc.Record.CallID] = append(m.byID[mc.Record.CallID], id)
		if mc.Record.CallIDAlt != "" {
			m.byAltID[mc.Record.CallIDAlt] = append(m.byAltID[mc.Record.CallIDAlt], id)
		}
	}
	m.nextID = header.NextID

	m.logger.Info("Data loaded from file",
		zap.String("path", m.persistPath),
		zap.String("snapshot", header.Snapshot),
		zap.Int("calls", len(calls)))
	return nil
}

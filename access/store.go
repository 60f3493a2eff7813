package access

import (
	"context"
	"sync"

	"github.com/mnehpets/rolerpc/rpcerr"
)

// Store persists access records keyed by token. Implementations must be
// safe for concurrent use.
type Store interface {
	// Get returns the record for token, or nil when there is none.
	Get(ctx context.Context, token string) (Fields, error)
	// Create stores a new record. It fails with ErrRecordExists if token is
	// taken.
	Create(ctx context.Context, token string, f Fields) error
	// Update replaces a record. It fails with ErrRecordDoesNotExist if
	// there is none.
	Update(ctx context.Context, token string, f Fields) error
	// Extend merges partial into an existing record.
	Extend(ctx context.Context, token string, partial Fields) error
}

// Sentinels for errors.Is; stores return coded errors that match them.
var (
	ErrRecordExists       = rpcerr.New(rpcerr.CodeRecordExists, "an access record with this token already exists.")
	ErrRecordDoesNotExist = rpcerr.New(rpcerr.CodeRecordDoesNotExist, "an access record with this token does not exist.")
)

// MemoryStore keeps records in process memory. Records are copied on the
// way in and out.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Fields
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]Fields{}}
}

func (s *MemoryStore) Get(_ context.Context, token string) (Fields, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records[token].Clone(), nil
}

func (s *MemoryStore) Create(_ context.Context, token string, f Fields) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[token]; ok {
		return ErrRecordExists
	}
	s.records[token] = f.Clone()
	return nil
}

func (s *MemoryStore) Update(_ context.Context, token string, f Fields) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[token]; !ok {
		return ErrRecordDoesNotExist
	}
	s.records[token] = f.Clone()
	return nil
}

func (s *MemoryStore) Extend(_ context.Context, token string, partial Fields) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[token]
	if !ok {
		return ErrRecordDoesNotExist
	}
	s.records[token] = Merge(cur, partial)
	return nil
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

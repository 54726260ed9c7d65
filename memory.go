package ledgerx

import (
	"context"
	"sort"
	"sync"

	"github.com/bwmarrin/snowflake"
)

var (
	_ Repository = (*MemoryStore)(nil)
)

// MemoryStore keeps accounts in a map owned by the store and guarded by mu.
// Callers only ever receive copies, so mutating a returned Account has no
// effect until it is passed back through Update or Modify.
type MemoryStore struct {
	mu    sync.RWMutex
	accts map[int64]*Account
	node  *snowflake.Node
}

func NewMemoryStore(nodeID int64) (*MemoryStore, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, err
	}
	return &MemoryStore{
		accts: make(map[int64]*Account),
		node:  node,
	}, nil
}

func (m *MemoryStore) FindAll(_ context.Context) ([]Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	accts := make([]Account, 0, len(m.accts))
	for _, a := range m.accts {
		accts = append(accts, *a)
	}
	sort.Slice(accts, func(i, j int) bool {
		return accts[i].AccountNumber < accts[j].AccountNumber
	})
	return accts, nil
}

func (m *MemoryStore) FindByAccountNumber(_ context.Context, acctNum int64) (*Account, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.accts[acctNum]
	if !ok {
		return nil, false, nil
	}
	cp := *a
	return &cp, true, nil
}

func (m *MemoryStore) Insert(_ context.Context, acct *Account) (*Account, error) {
	if acct.ID != 0 {
		return nil, errPresetID()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.accts[acct.AccountNumber]; exists {
		return nil, ErrDuplicateAccount{AccountNumber: acct.AccountNumber}
	}
	stored := *acct
	stored.ID = m.node.Generate().Int64()
	m.accts[stored.AccountNumber] = &stored

	cp := stored
	return &cp, nil
}

func (m *MemoryStore) Update(_ context.Context, acct *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.accts[acct.AccountNumber]
	if !ok {
		return ErrNotFound{AccountNumber: acct.AccountNumber}
	}
	updated := *acct
	updated.ID = cur.ID
	m.accts[acct.AccountNumber] = &updated
	return nil
}

func (m *MemoryStore) Modify(_ context.Context, acctNum int64, fn func(*Account) error) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.accts[acctNum]
	if !ok {
		return nil, ErrNotFound{AccountNumber: acctNum}
	}
	work := *cur
	if err := fn(&work); err != nil {
		return nil, err
	}
	// identity and business key are immutable
	work.ID = cur.ID
	work.AccountNumber = cur.AccountNumber
	m.accts[acctNum] = &work

	cp := work
	return &cp, nil
}

func (m *MemoryStore) Close() error {
	return nil
}

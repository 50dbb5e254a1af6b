package auth

import "sync"

type Revoker interface {
	Revoked(tokenId, userId string) bool
}

// MemoryRevoker keeps revoked token ids and users in process memory.
type MemoryRevoker struct {
	mu     sync.RWMutex
	tokens map[string]struct{}
	users  map[string]struct{}
}

func NewMemoryRevoker() *MemoryRevoker {
	return &MemoryRevoker{
		tokens: make(map[string]struct{}),
		users:  make(map[string]struct{}),
	}
}

func (r *MemoryRevoker) RevokeToken(tokenId string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[tokenId] = struct{}{}
}

// RevokeUser invalidates every token issued to userId.
func (r *MemoryRevoker) RevokeUser(userId string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[userId] = struct{}{}
}

func (r *MemoryRevoker) Revoked(tokenId, userId string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.users[userId]; ok {
		return true
	}
	if tokenId == "" {
		return false
	}
	_, ok := r.tokens[tokenId]
	return ok
}

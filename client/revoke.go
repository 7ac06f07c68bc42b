package client

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// revocations remembers refresh tokens that were logged out for a short
// window, along with what each recently exchanged token was rotated to.
// It lets a logout in one request invalidate a refresh running in another
// when the two requests do not share a Store, as with cookie sessions.
type revocations struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	revoked map[string]time.Time
	rotated map[string]rotation
}

type rotation struct {
	next string
	at   time.Time
}

func newRevocations(ttl time.Duration) *revocations {
	return &revocations{
		ttl:     ttl,
		now:     time.Now,
		revoked: make(map[string]time.Time),
		rotated: make(map[string]rotation),
	}
}

func tokenID(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// revoke marks token and every token it was recently rotated into.
func (v *revocations) revoke(token string) {
	if token == "" {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.now()
	v.prune(now)
	id := tokenID(token)
	for id != "" {
		v.revoked[id] = now
		r, ok := v.rotated[id]
		delete(v.rotated, id)
		if !ok || r.next == id {
			break
		}
		id = r.next
	}
}

func (v *revocations) isRevoked(token string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	at, ok := v.revoked[tokenID(token)]
	return ok && v.now().Sub(at) <= v.ttl
}

// commit records that old was exchanged for next. It fails when old was
// revoked while the exchange was in flight.
func (v *revocations) commit(old, next string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.now()
	v.prune(now)
	oldID := tokenID(old)
	if _, ok := v.revoked[oldID]; ok {
		return false
	}
	if next != "" {
		v.rotated[oldID] = rotation{next: tokenID(next), at: now}
	}
	return true
}

func (v *revocations) prune(now time.Time) {
	for id, at := range v.revoked {
		if now.Sub(at) > v.ttl {
			delete(v.revoked, id)
		}
	}
	for id, r := range v.rotated {
		if now.Sub(r.at) > v.ttl {
			delete(v.rotated, id)
		}
	}
}

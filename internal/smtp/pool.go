package smtp

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"gopkg.in/gomail.v2"
)

// dialerPool caches configured dialers per credential identity so repeated
// sends for one sender reuse the same configuration. The pool is bounded:
// when full, the least recently used entry is evicted.
type dialerPool struct {
	host string
	port int
	max  int

	mu      sync.Mutex
	entries map[string]*poolEntry
}

type poolEntry struct {
	dialer   *gomail.Dialer
	lastUsed time.Time
}

func newDialerPool(host string, port, max int) *dialerPool {
	return &dialerPool{
		host:    host,
		port:    port,
		max:     max,
		entries: make(map[string]*poolEntry),
	}
}

func (p *dialerPool) get(creds Credentials) *gomail.Dialer {
	key := credentialKey(creds)

	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.entries[key]; ok {
		entry.lastUsed = time.Now()
		return entry.dialer
	}

	if len(p.entries) >= p.max {
		p.evictOldest()
	}

	dialer := gomail.NewDialer(p.host, p.port, creds.Username, creds.Password)
	p.entries[key] = &poolEntry{dialer: dialer, lastUsed: time.Now()}
	return dialer
}

func (p *dialerPool) evictOldest() {
	var oldestKey string
	var oldest time.Time
	for key, entry := range p.entries {
		if oldestKey == "" || entry.lastUsed.Before(oldest) {
			oldestKey = key
			oldest = entry.lastUsed
		}
	}
	delete(p.entries, oldestKey)
}

func (p *dialerPool) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// credentialKey derives the cache key from the credential pair without
// keeping the password itself as a map key.
func credentialKey(creds Credentials) string {
	sum := sha256.Sum256([]byte(creds.Username + "\x00" + creds.Password))
	return hex.EncodeToString(sum[:])
}

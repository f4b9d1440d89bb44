package memory

import (
	"sync"
	"time"
)

const (
	expireScanInterval = 100 * time.Millisecond
	expireScanCount    = 20
	expireThreshold    = 0.25
)

// ExpiryManager actively removes expired keys so that TTL'd records
// (heartbeats, rendezvous keys) do not linger when nobody reads them.
type ExpiryManager struct {
	dict      *Dict
	onExpired func(n int)
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

func NewExpiryManager(dict *Dict, onExpired func(n int)) *ExpiryManager {
	return &ExpiryManager{
		dict:      dict,
		onExpired: onExpired,
		stopCh:    make(chan struct{}),
	}
}

func (m *ExpiryManager) Start() {
	m.wg.Add(1)
	go m.activeExpireLoop()
}

func (m *ExpiryManager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *ExpiryManager) activeExpireLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(expireScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.activeExpireCycle()
		}
	}
}

func (m *ExpiryManager) activeExpireCycle() {
	for {
		keys := m.dict.RandomKeys(expireScanCount)
		if len(keys) == 0 {
			return
		}

		expired := 0
		for _, key := range keys {
			if m.dict.delExpired(key) {
				expired++
			}
		}
		if expired > 0 && m.onExpired != nil {
			m.onExpired(expired)
		}

		if float64(expired)/float64(len(keys)) < expireThreshold {
			return
		}
	}
}

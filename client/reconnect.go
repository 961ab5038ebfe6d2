package client

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"
)

// reconnectManager restores a session after the pool breaks or disconnects:
// it watches the client's health and replays Reconnect with exponential
// backoff until the shell answers again or the attempt budget runs out.
type reconnectManager struct {
	client *Client
	policy ReconnectPolicy

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func newReconnectManager(c *Client, policy ReconnectPolicy) *reconnectManager {
	return &reconnectManager{client: c, policy: policy}
}

// watchInterval spaces the health checks between recovery rounds.
const watchInterval = 2 * time.Second

func (rm *reconnectManager) start() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.running || !rm.policy.Enabled {
		return
	}
	rm.running = true
	rm.stopCh = make(chan struct{})
	rm.stoppedCh = make(chan struct{})
	go rm.watch()
}

func (rm *reconnectManager) stop() {
	rm.mu.Lock()
	if !rm.running {
		rm.mu.Unlock()
		return
	}
	close(rm.stopCh)
	stopped := rm.stoppedCh
	rm.mu.Unlock()
	<-stopped
}

// watch alternates between pool-event wakeups and a slow health tick: the
// event pump fires the moment the pool reports Broken or Disconnected, the
// tick catches transports that died without a protocol-level signal.
func (rm *reconnectManager) watch() {
	defer func() {
		rm.mu.Lock()
		rm.running = false
		close(rm.stoppedCh)
		rm.mu.Unlock()
	}()

	wake := make(chan struct{}, 1)
	go rm.pumpEvents(wake)

	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rm.stopCh:
			return
		case <-wake:
		case <-ticker.C:
		}

		if rm.client.Health() != HealthUnhealthy {
			continue
		}
		rm.client.logInfo("reconnect: pool unhealthy, recovering")
		if err := rm.recover(); err != nil {
			rm.client.logError("reconnect: recovery failed: %v", err)
		}
	}
}

// pumpEvents forwards pool events as wakeups. The pool (and its event
// channel) is replaced on every reconnect, so it is re-resolved each round.
func (rm *reconnectManager) pumpEvents(wake chan<- struct{}) {
	for {
		pool := rm.client.Pool()
		if pool == nil {
			select {
			case <-rm.stopCh:
				return
			case <-time.After(watchInterval):
			}
			continue
		}
		select {
		case <-rm.stopCh:
			return
		case <-pool.Events():
			select {
			case wake <- struct{}{}:
			default:
			}
		case <-time.After(watchInterval):
			// Re-resolve the pool in case Reconnect swapped it.
		}
	}
}

// recover runs the backoff loop around Client.Reconnect.
func (rm *reconnectManager) recover() error {
	ctx, cancel := context.WithTimeout(context.Background(), rm.client.config.Timeout)
	defer cancel()

	shellID := rm.client.ShellID()
	delay := rm.policy.InitialDelay
	if delay <= 0 {
		delay = time.Second
	}

	var lastErr error
	for attempt := 1; rm.policy.MaxAttempts == 0 || attempt <= rm.policy.MaxAttempts; attempt++ {
		select {
		case <-rm.stopCh:
			return context.Canceled
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := rm.client.Reconnect(ctx, shellID); err == nil {
			return nil
		} else {
			lastErr = err
			rm.client.logWarn("reconnect: attempt %d failed: %v", attempt, err)
		}

		if rm.policy.MaxAttempts > 0 && attempt >= rm.policy.MaxAttempts {
			break
		}
		select {
		case <-rm.stopCh:
			return context.Canceled
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(applyJitter(delay, rm.policy.Jitter)):
		}
		delay *= 2
		if rm.policy.MaxDelay > 0 && delay > rm.policy.MaxDelay {
			delay = rm.policy.MaxDelay
		}
	}
	return lastErr
}

// cryptoRandFloat64 draws a uniform float in [0, 1) from crypto/rand, good
// enough for backoff jitter without seeding concerns.
func cryptoRandFloat64() (float64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	value := binary.LittleEndian.Uint64(buf[:])
	return float64(value>>11) / (1 << 53), nil
}

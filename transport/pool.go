package transport

import (
	"sync"
	"time"

	"github.com/miekg/dns"
)

// pooledConn is one idle, length-framed connection kept alive for reuse by
// the TCP and DoT transports.
type pooledConn struct {
	conn     *dns.Conn
	lastUsed time.Time
}

// connPool is a small per-destination connection pool for stream transports.
// Connections are taken out of the pool for the duration of one exchange and
// either returned afterwards or discarded on error.
type connPool struct {
	idleTimeout time.Duration

	mu    sync.Mutex
	conns map[string][]*pooledConn

	stop chan struct{}
	done chan struct{}
}

func newConnPool(idleTimeout time.Duration) *connPool {
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Second
	}
	p := &connPool{
		idleTimeout: idleTimeout,
		conns:       make(map[string][]*pooledConn),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	go p.sweepLoop()
	return p
}

// take removes and returns one idle connection for key, if any.
func (p *connPool) take(key string) *dns.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	bucket := p.conns[key]
	if len(bucket) == 0 {
		return nil
	}
	last := bucket[len(bucket)-1]
	p.conns[key] = bucket[:len(bucket)-1]
	return last.conn
}

// put returns a still-healthy connection to the pool.
func (p *connPool) put(key string, conn *dns.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conns[key] = append(p.conns[key], &pooledConn{conn: conn, lastUsed: time.Now()})
}

func (p *connPool) sweepLoop() {
	defer close(p.done)
	ticker := time.NewTicker(p.idleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

func (p *connPool) sweep() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	for key, bucket := range p.conns {
		var kept []*pooledConn
		for _, pc := range bucket {
			if now.Sub(pc.lastUsed) > p.idleTimeout {
				_ = pc.conn.Close()
				continue
			}
			kept = append(kept, pc)
		}
		if len(kept) == 0 {
			delete(p.conns, key)
		} else {
			p.conns[key] = kept
		}
	}
}

// closeAll stops the sweeper and closes every pooled connection.
func (p *connPool) closeAll() {
	close(p.stop)
	<-p.done

	p.mu.Lock()
	defer p.mu.Unlock()
	for key, bucket := range p.conns {
		for _, pc := range bucket {
			_ = pc.conn.Close()
		}
		delete(p.conns, key)
	}
}

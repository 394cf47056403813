package pubsub

import (
	"log/slog"
	"time"
)

// startKeepAliveLocked launches the keep-alive loop unless it is already
// running or disabled. Caller holds p.mu.
func (p *PubSub) startKeepAliveLocked() {
	if p.keepAliveRunning || p.opts.KeepAlivePeriod <= 0 || p.ctx == nil {
		return
	}
	p.keepAliveRunning = true
	go p.runKeepAlive()
}

// runKeepAlive publishes a BEEP on every channel with at least one live
// subscription, once per KeepAlivePeriod. The loop terminates when no
// subscriptions remain; the next Subscribe restarts it.
func (p *PubSub) runKeepAlive() {
	ticker := time.NewTicker(p.opts.KeepAlivePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			p.mu.Lock()
			p.keepAliveRunning = false
			p.mu.Unlock()
			return
		case <-ticker.C:
		}

		p.mu.Lock()
		if len(p.channels) == 0 {
			p.keepAliveRunning = false
			p.mu.Unlock()
			return
		}
		channels := make([]string, 0, len(p.channels))
		for ch := range p.channels {
			channels = append(channels, ch)
		}
		p.mu.Unlock()

		for _, ch := range channels {
			if err := p.PublishKeepAlive(p.ctx, ch); err != nil {
				slog.Warn("Keep-alive publish failed", "error", err, "channel", ch)
			}
		}
	}
}

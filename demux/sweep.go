package demux

import (
	"time"

	"github.com/sokmux/sokmux/types"
)

// sweep runs connection maintenance: handshaking connections past their
// deadline get one more handshake step until the retry ceiling,
// established connections get idle expiry when configured. The shared
// timer is re-armed afterwards to the minimum remaining deadline; an
// empty registry disarms it.
func (d *Demux) sweep(now time.Time) {
	for _, c := range d.reg.All() {
		if c.deadline.IsZero() || now.Before(c.deadline) {
			continue
		}

		switch c.state {
		case types.Handshaking:
			c.retries++
			if c.retries > d.cfg.MaxRetries {
				d.log.Info("handshake retry ceiling reached", "peer", c.peer, "retries", c.retries)
				d.removeConn(c.peer)
				continue
			}
			if err := c.tp.Drive(); err != nil && !types.IsTransient(err) {
				d.log.Info("handshake failed during retry", "peer", c.peer, "err", err)
				d.removeConn(c.peer)
				continue
			}
			if c.tp.Established() {
				d.establish(c, now)
				continue
			}
			c.deadline = now.Add(d.cfg.RetryBackoff(c.retries))

		case types.Established:
			if d.cfg.IdleTimeout > 0 {
				d.log.Info("idle peer expired", "peer", c.peer)
				d.removeConn(c.peer)
			} else {
				c.deadline = time.Time{}
			}
		}
	}

	d.rearm()
}

// rearm schedules the maintenance timer for the earliest connection
// deadline, or disarms it when nothing is scheduled.
func (d *Demux) rearm() {
	var next time.Time
	for _, c := range d.reg.All() {
		if c.deadline.IsZero() {
			continue
		}
		if next.IsZero() || c.deadline.Before(next) {
			next = c.deadline
		}
	}

	if next.IsZero() {
		if err := d.timer.Disarm(); err != nil {
			d.log.Warn("could not disarm maintenance timer", "err", err)
		}
		return
	}
	if err := d.timer.ArmAfter(time.Until(next)); err != nil {
		d.log.Warn("could not arm maintenance timer", "err", err)
	}
}

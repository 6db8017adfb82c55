package power

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Poller turns periodic Source readings into change signals. It only
// forwards a reading when it differs from the previous known reading;
// Unknown readings are ignored.
type Poller struct {
	Prober   Prober
	Interval time.Duration
	// OnChange receives every observed change. Polling pauses while it runs.
	OnChange func(Source)

	last Source
}

// Run polls until ctx is done. The first known reading is recorded but
// not forwarded, since the consumer seeds its own state at startup.
func (p *Poller) Run(ctx context.Context) {
	interval := p.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	logrus.WithField("interval", interval).Debug("power poller started")
	defer logrus.Debug("power poller stopped")

	p.last = p.read()

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.poll()
		}
	}
}

func (p *Poller) poll() {
	cur := p.read()
	if cur == Unknown || cur == p.last {
		return
	}
	logrus.WithFields(logrus.Fields{
		"from": p.last.String(),
		"to":   cur.String(),
	}).Debug("power source reading changed")
	p.last = cur
	if p.OnChange != nil {
		p.OnChange(cur)
	}
}

func (p *Poller) read() Source {
	src, err := p.Prober.Source()
	if err != nil {
		logrus.WithError(err).Trace("failed to read power source")
	}
	return src
}

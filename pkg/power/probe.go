package power

import (
	"github.com/distatus/battery"
	"github.com/sirupsen/logrus"

	"github.com/charlie0129/powerwatch/pkg/types"
)

// Prober reads point-in-time power information from the host.
type Prober interface {
	// BatteryPresent reports whether at least one battery is installed.
	BatteryPresent() (bool, error)
	// Source reads the current power source.
	Source() (Source, error)
	// Dump logs every known property of every battery, for support purposes.
	Dump(log logrus.FieldLogger)
}

var _ Prober = &Probe{}

// Probe is the Prober backed by the OS battery interfaces.
type Probe struct {
	// getAll is swapped in tests.
	getAll func() ([]*battery.Battery, error)
}

// NewProbe returns a Probe reading from the host.
func NewProbe() *Probe {
	return &Probe{getAll: battery.GetAll}
}

// batteries returns whatever batteries could be read. Partial errors
// are tolerated as long as at least one battery was returned.
func (p *Probe) batteries() ([]*battery.Battery, error) {
	bats, err := p.getAll()
	var usable []*battery.Battery
	for _, b := range bats {
		if b != nil {
			usable = append(usable, b)
		}
	}
	if len(usable) > 0 {
		return usable, nil
	}
	return nil, err
}

// BatteryPresent reports whether any battery could be read. Enumeration
// errors are returned alongside false so the caller can log them.
func (p *Probe) BatteryPresent() (bool, error) {
	bats, err := p.batteries()
	if len(bats) > 0 {
		return true, nil
	}
	return false, err
}

// Source classifies the host power source from battery states. Any
// discharging battery means we are on battery. Otherwise the host runs on
// wall power: besides charging and full, that covers a battery held idle
// at a charge threshold, which Linux reports as "Not charging" and the
// battery library reads as an unknown state. Unknown is only returned when
// no battery could be read.
func (p *Probe) Source() (Source, error) {
	bats, err := p.batteries()
	if len(bats) == 0 {
		return Unknown, err
	}

	for _, b := range bats {
		if b.State == battery.Discharging {
			return Battery, nil
		}
	}
	return Wall, nil
}

// Info returns a snapshot of every readable battery. Charge rates are
// negative while discharging.
func (p *Probe) Info() ([]types.BatteryInfo, error) {
	bats, err := p.batteries()
	if len(bats) == 0 {
		return nil, err
	}

	infos := make([]types.BatteryInfo, 0, len(bats))
	for i, b := range bats {
		rate := b.ChargeRate
		if b.State == battery.Discharging && rate > 0 {
			rate = -rate
		}
		infos = append(infos, types.BatteryInfo{
			Index:         i,
			State:         b.State.String(),
			Current:       b.Current,
			Full:          b.Full,
			Design:        b.Design,
			ChargeRate:    rate,
			Voltage:       b.Voltage,
			DesignVoltage: b.DesignVoltage,
		})
	}
	return infos, nil
}

func (p *Probe) Dump(log logrus.FieldLogger) {
	log.Info("fetching battery info")
	bats, err := p.getAll()
	if err != nil {
		log.WithError(err).Warn("failed to enumerate some batteries")
	}
	log.Infof("found %d battery element(s)", len(bats))
	for i, b := range bats {
		if b == nil {
			continue
		}
		log.WithFields(logrus.Fields{
			"index":         i,
			"state":         b.State.String(),
			"current":       b.Current,
			"full":          b.Full,
			"design":        b.Design,
			"chargeRate":    b.ChargeRate,
			"voltage":       b.Voltage,
			"designVoltage": b.DesignVoltage,
		}).Info("battery properties")
	}
}

package types

// BatteryInfo is a snapshot of one battery as reported by the OS.
// Energies are in mWh, rates in mW and voltages in V.
type BatteryInfo struct {
	Index         int     `json:"index"`
	State         string  `json:"state"`
	Current       float64 `json:"current"`
	Full          float64 `json:"full"`
	Design        float64 `json:"design"`
	ChargeRate    float64 `json:"chargeRate"`
	Voltage       float64 `json:"voltage"`
	DesignVoltage float64 `json:"designVoltage"`
}

// Percent is the charge relative to the last full charge.
func (b BatteryInfo) Percent() float64 {
	if b.Full <= 0 {
		return 0
	}
	return b.Current / b.Full * 100
}

// Health is the last full charge relative to the design capacity.
func (b BatteryInfo) Health() float64 {
	if b.Design <= 0 {
		return 0
	}
	return b.Full / b.Design * 100
}

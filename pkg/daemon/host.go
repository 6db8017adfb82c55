package daemon

// hostListener receives host power management events.
type hostListener interface {
	NotifyResumed()
	NotifyHostShutdown()
}

package core

// Metrics receives relay counters. Implementations must be safe for concurrent use.
type Metrics interface {
	SessionOpened()
	SessionClosed(reason CloseReason)
	RoomsChanged(rooms int)
	MessageRelayed()
	DeliveryFailed(n int)
	LicenseDenied(reason string)
}

type nopMetrics struct{}

func (nopMetrics) SessionOpened()            {}
func (nopMetrics) SessionClosed(CloseReason) {}
func (nopMetrics) RoomsChanged(int)          {}
func (nopMetrics) MessageRelayed()           {}
func (nopMetrics) DeliveryFailed(int)        {}
func (nopMetrics) LicenseDenied(string)      {}

//go:build !linux

package dispatcher

// pinToCore is a no-op on platforms without a Linux-style affinity API.
func (d *Dispatcher) pinToCore() {}

package connectivity

import (
	"context"
	"net"
	"sync"
	"time"
)

// InterfaceSignal derives host connectivity from the network interfaces:
// the host is online when any non-loopback interface is up and has an address.
type InterfaceSignal struct {
	interval   time.Duration
	interfaces func() ([]net.Interface, error)
	addrs      func(net.Interface) ([]net.Addr, error)

	mu   sync.Mutex
	last *bool
}

func NewInterfaceSignal(interval time.Duration) *InterfaceSignal {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	return &InterfaceSignal{
		interval:   interval,
		interfaces: net.Interfaces,
		addrs:      func(i net.Interface) ([]net.Addr, error) { return i.Addrs() },
	}
}

func (s *InterfaceSignal) Online() (bool, bool) {
	ifaces, err := s.interfaces()
	if err != nil {
		return false, false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := s.addrs(iface)
		if err == nil && len(addrs) > 0 {
			return true, true
		}
	}
	return false, true
}

func (s *InterfaceSignal) Watch(ctx context.Context, fn func(online bool)) {
	if online, known := s.Online(); known {
		s.mu.Lock()
		s.last = &online
		s.mu.Unlock()
	}
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.poll(fn)
			}
		}
	}()
}

// poll reports a transition against the previously seen state.
func (s *InterfaceSignal) poll(fn func(online bool)) {
	online, known := s.Online()
	if !known {
		return
	}
	s.mu.Lock()
	changed := s.last != nil && *s.last != online
	s.last = &online
	s.mu.Unlock()
	if changed {
		fn(online)
	}
}

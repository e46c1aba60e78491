// Package ports hands out the host ports containers are published on.
package ports

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/perfci/perfci/internal/common/config"
)

// Allocator reserves host ports so that two builds running on the same host are never given the same port.
// If a fixed port is configured it is returned verbatim on every call and nothing is tracked.
type Allocator struct {
	fixed     int
	portRange config.PortRange
	// Reports whether nothing outside perfci is listening on port.
	available func(port int) bool
	rand      *rand.Rand
	reserved  map[int]bool
	mutex     sync.Mutex
}

func NewAllocator(fixed int, portRange config.PortRange) *Allocator {
	return &Allocator{
		fixed:     fixed,
		portRange: portRange,
		available: canListen,
		rand:      rand.New(rand.NewSource(time.Now().UnixNano())),
		reserved:  map[int]bool{},
	}
}

// Reserve returns a port that stays reserved until Release is called with it.
func (a *Allocator) Reserve() (int, error) {
	if a.fixed != 0 {
		return a.fixed, nil
	}
	a.mutex.Lock()
	defer a.mutex.Unlock()

	size := a.portRange.Size()
	if len(a.reserved) >= size {
		return 0, errors.Errorf("all %d ports in %s are reserved", size, a.portRange)
	}
	// Start at a random offset and walk the range, so the choice is random but always terminates.
	offset := a.rand.Intn(size)
	for i := 0; i < size; i++ {
		port := a.portRange.Min + (offset+i)%size
		if a.reserved[port] || !a.available(port) {
			continue
		}
		a.reserved[port] = true
		return port, nil
	}
	return 0, errors.Errorf("no free port in %s", a.portRange)
}

// Release makes port available again. Releasing a port that isn't reserved does nothing.
func (a *Allocator) Release(port int) {
	if a.fixed != 0 {
		return
	}
	a.mutex.Lock()
	defer a.mutex.Unlock()
	delete(a.reserved, port)
}

func (a *Allocator) Reserved() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return len(a.reserved)
}

func canListen(port int) bool {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	_ = listener.Close()
	return true
}

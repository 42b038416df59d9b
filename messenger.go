package virtiofwd

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"virtiofwd/vcpu"
)

// Event is one of the four cross-CPU message events from §6.
type Event uint8

const (
	EventWriteNotify Event = iota
	EventReadNotify
	EventInjectInterrupt
	EventNotifyBackendPoll
)

func (e Event) String() string {
	switch e {
	case EventWriteNotify:
		return "WRITE_NOTIFY"
	case EventReadNotify:
		return "READ_NOTIFY"
	case EventInjectInterrupt:
		return "INJECT_INTERRUPT"
	case EventNotifyBackendPoll:
		return "NOTIFY_BACKEND_POLL"
	default:
		return "UNKNOWN_EVENT"
	}
}

// Message is the fixed-shape payload carried by the cross-CPU message
// contract: an event plus the virtio id it concerns.
type Message struct {
	Event    Event
	VirtioID uint64
}

// Messenger is the cross-CPU IPI primitive C6 needs: deliver a message
// to a target physical CPU and have it invoke that CPU's registered
// handler asynchronously. Send must never block the caller on handler
// completion.
type Messenger interface {
	Send(target vcpu.CPUID, msg Message) error
	Handle(cpuID vcpu.CPUID, handler func(Message))
	Run(ctx context.Context) error
	Close() error
}

// cpuChannel is one physical CPU's inbox: a FIFO of pending messages
// drained whenever its eventfd becomes readable.
type cpuChannel struct {
	mu      sync.Mutex
	fd      int
	queue   []Message
	handler func(Message)
}

// EventfdMessenger implements Messenger with one Linux eventfd per
// registered physical CPU and a single epoll loop multiplexing them,
// the same host-level doorbell primitive the teacher's TAP device uses
// golang.org/x/sys/unix for (core_engine/network/tap_device.go), and the
// mechanism real partitioning hypervisors use for inter-core kicks
// (irqfd/ioeventfd in KVM, doorbells in Jailhouse/ACRN).
type EventfdMessenger struct {
	mu       sync.Mutex
	channels map[vcpu.CPUID]*cpuChannel
	epollFD  int
}

// NewEventfdMessenger creates a messenger with its own epoll instance.
func NewEventfdMessenger() (*EventfdMessenger, error) {
	epollFD, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("virtiofwd: epoll_create1: %w", err)
	}
	return &EventfdMessenger{
		channels: make(map[vcpu.CPUID]*cpuChannel),
		epollFD:  epollFD,
	}, nil
}

// Handle registers the callback invoked, on the messenger's dispatch
// goroutine, for every message delivered to cpuID. It must be called
// before Run. Handle lazily creates the backing eventfd for cpuID.
func (m *EventfdMessenger) Handle(cpuID vcpu.CPUID, handler func(Message)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.channels[cpuID]
	if !ok {
		fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
		if err != nil {
			// The eventfd family only fails on resource exhaustion; the
			// core has nothing useful to do but disable this CPU's inbox.
			return
		}
		ch = &cpuChannel{fd: fd}
		m.channels[cpuID] = ch
		_ = unix.EpollCtl(m.epollFD, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
			Events: unix.EPOLLIN,
			Fd:     int32(fd),
		})
	}
	ch.handler = handler
}

// Send enqueues msg for target and rings its eventfd. It never blocks on
// the handler. Sending to a CPU for which Handle was never called returns
// an error; a channel whose handler is nil drops its messages at
// dispatch time.
func (m *EventfdMessenger) Send(target vcpu.CPUID, msg Message) error {
	m.mu.Lock()
	ch, ok := m.channels[target]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("virtiofwd: no messenger channel registered for cpu %d", target)
	}

	ch.mu.Lock()
	ch.queue = append(ch.queue, msg)
	ch.mu.Unlock()

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(ch.fd, buf[:])
	if err != nil && err != unix.EAGAIN {
		return fmt.Errorf("virtiofwd: ringing eventfd for cpu %d: %w", target, err)
	}
	return nil
}

// Run drains the epoll loop until ctx is canceled. It is meant to be
// launched once, typically from an errgroup so a fatal epoll error
// surfaces through Core.Run's returned error instead of vanishing in a
// goroutine.
func (m *EventfdMessenger) Run(ctx context.Context) error {
	events := make([]unix.EpollEvent, 32)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, err := unix.EpollWait(m.epollFD, events, 100)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("virtiofwd: epoll_wait: %w", err)
		}
		for i := 0; i < n; i++ {
			m.dispatchFD(int(events[i].Fd))
		}
	}
}

func (m *EventfdMessenger) dispatchFD(fd int) {
	var drain [8]byte
	_, _ = unix.Read(fd, drain[:])

	m.mu.Lock()
	var target *cpuChannel
	for _, ch := range m.channels {
		if ch.fd == fd {
			target = ch
			break
		}
	}
	m.mu.Unlock()
	if target == nil {
		return
	}

	target.mu.Lock()
	pending := target.queue
	target.queue = nil
	handler := target.handler
	target.mu.Unlock()

	if handler == nil {
		return
	}
	for _, msg := range pending {
		handler(msg)
	}
}

// Close releases the messenger's file descriptors.
func (m *EventfdMessenger) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.channels {
		_ = unix.Close(ch.fd)
	}
	return unix.Close(m.epollFD)
}

// runMessenger launches m.Run under an errgroup so its failure is
// observable through Core.Run's returned error, per the DOMAIN STACK note on
// golang.org/x/sync/errgroup.
func runMessenger(ctx context.Context, g *errgroup.Group, m Messenger) {
	g.Go(func() error {
		return m.Run(ctx)
	})
}

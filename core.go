package virtiofwd

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"virtiofwd/vcpu"
)

// recordPoolCapacity sizes each of the two access-record pools. The
// registry caps instances at maxInstances; a pool sized at eight times
// that lets every instance have several in-flight records before
// exhaustion becomes a realistic operator-visible event rather than a
// routine one.
const recordPoolCapacity = maxInstances * 8

// Core is the request-forwarding core: the registry, the two record
// pools, the cross-CPU messenger, and the bookkeeping that ties backend
// hypercalls to frontend trap handling. One Core serves a whole static
// partition of VMs, mirroring the single global virtio_state the source
// keeps for the whole hypervisor.
type Core struct {
	registry     *Registry
	backendPool  *recordPool
	frontendPool *recordPool
	messenger    Messenger
	metrics      *Metrics
	log          *logrus.Entry
	askLimiter   *askSemaphores

	mu    sync.Mutex
	vcpus map[vcpu.CPUID]vcpu.VCPU

	group  *errgroup.Group
	cancel context.CancelFunc
}

// Option configures a Core at construction time.
type Option func(*Core)

// WithLogLevel overrides the default (logrus.InfoLevel) logging level.
func WithLogLevel(level logrus.Level) Option {
	return func(c *Core) { c.log.Logger.SetLevel(level) }
}

// WithMetricsRegisterer registers the core's collectors against reg
// instead of a private prometheus.NewRegistry().
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(c *Core) { c.metrics = NewMetrics(reg) }
}

// NewCore builds the registry from cfg and wires up the pools and
// messenger. messenger may be nil, in which case an EventfdMessenger is
// created; tests typically supply a fake in its place.
func NewCore(cfg *TopologyConfig, messenger Messenger, opts ...Option) (*Core, error) {
	registry, err := NewRegistry(cfg)
	if err != nil {
		return nil, fmt.Errorf("virtiofwd: building instance registry: %w", err)
	}

	if messenger == nil {
		messenger, err = NewEventfdMessenger()
		if err != nil {
			return nil, fmt.Errorf("virtiofwd: building default messenger: %w", err)
		}
	}

	c := &Core{
		registry:     registry,
		backendPool:  newRecordPool(recordPoolCapacity),
		frontendPool: newRecordPool(recordPoolCapacity),
		messenger:    messenger,
		metrics:      noopMetrics(),
		log:          newLogger(logrus.InfoLevel),
		askLimiter:   newAskSemaphores(),
		vcpus:        make(map[vcpu.CPUID]vcpu.VCPU),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// RegisterVCPU associates a VCPU with its physical CPU id, resolves that
// id into every instance belonging to the VCPU's VM (§4.1's lazy cpu
// assignment), and wires the messenger's inbox for that physical CPU to
// this core's dispatch logic.
func (c *Core) RegisterVCPU(v vcpu.VCPU) {
	c.mu.Lock()
	c.vcpus[v.CPUID()] = v
	c.mu.Unlock()

	c.registry.AssignCPU(v.VMID(), v.CPUID())
	c.messenger.Handle(v.CPUID(), func(msg Message) {
		c.dispatch(v, msg)
	})
}

// dispatch runs on the messenger's delivery goroutine for whichever
// physical CPU owns v, handling the cross-CPU events §4.6/§4.7 define.
func (c *Core) dispatch(v vcpu.VCPU, msg Message) {
	inst, ok := c.registry.Lookup(msg.VirtioID)
	if !ok {
		c.log.WithField("virtio_id", msg.VirtioID).Warn("virtiofwd: message for unknown instance")
		return
	}

	switch msg.Event {
	case EventReadNotify, EventWriteNotify:
		if err := c.deliverReply(inst, v); err != nil {
			c.log.WithError(err).WithField("virtio_id", msg.VirtioID).Warn("virtiofwd: delivering reply")
		}
	case EventInjectInterrupt:
		if err := c.injectInterrupt(msg.VirtioID, v); err != nil {
			c.log.WithError(err).WithField("virtio_id", msg.VirtioID).Warn("virtiofwd: injecting interrupt")
		}
	case EventNotifyBackendPoll:
		// No handler in the source's dispatch either (§9 Open Question
		// b); only counted in the unhandled-events metric, not acted on.
		c.metrics.unhandledEvents.Inc()
	default:
		c.log.WithField("event", msg.Event).Warn("virtiofwd: unrecognized message event")
	}
}

// Run starts the messenger's dispatch loop and blocks until ctx is
// canceled or the messenger fails. Launch it in its own goroutine from
// the embedding binary's main.
func (c *Core) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	c.group = g
	runMessenger(gctx, g, c.messenger)
	err := g.Wait()
	_ = c.messenger.Close()
	return err
}

// Stop cancels the running core's messenger loop.
func (c *Core) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

// Metrics exposes the core's collector bundle, e.g. for tests that want
// to assert on counter values directly.
func (c *Core) Metrics() *Metrics { return c.metrics }

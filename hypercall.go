package virtiofwd

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"virtiofwd/vcpu"
)

// HyperOp is one of the four backend hypercall opcodes a backend vCPU
// traps into the core with (§4.4).
type HyperOp uint8

const (
	OpAsk HyperOp = iota
	OpReadReply
	OpWriteAck
	OpNotify
)

// AskResult is what ASK hands back to a waiting backend: the next
// unhandled record's fields, flattened into registers the way the source
// packs them into the vCPU's general-purpose register file before
// resuming it.
type AskResult struct {
	VirtioID    uint64
	RegOff      uint64
	Op          Op
	AccessWidth uint8
	Value       uint64
}

// askLimiter bounds the number of ASK hypercalls a single instance can
// have in flight at once, bounding how far a misbehaving or very fast
// backend can run ahead of the frontend queue before it blocks — the
// closest analogue this forwarding core has to the source's lack of any
// backpressure at all.
type askSemaphores struct {
	mu         sync.Mutex
	byInstance map[uint64]*semaphore.Weighted
}

func newAskSemaphores() *askSemaphores {
	return &askSemaphores{byInstance: make(map[uint64]*semaphore.Weighted)}
}

const maxInFlightAsks = 8

func (a *askSemaphores) get(virtioID uint64) *semaphore.Weighted {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.byInstance[virtioID]
	if !ok {
		s = semaphore.NewWeighted(maxInFlightAsks)
		a.byInstance[virtioID] = s
	}
	return s
}

// Ask is C5's ASK handler. It scans the instance's backend_pending queue
// in priority order for the first record not yet handled, marks it
// handled, and returns its contents. ErrNoUnhandledRequest signals the
// backend should keep polling (or go idle, if it is interrupt-driven).
func (c *Core) Ask(ctx context.Context, v vcpu.VCPU, virtioID uint64) (AskResult, error) {
	inst, ok := c.registry.Lookup(virtioID)
	if !ok {
		return AskResult{}, fmt.Errorf("%w: %d", ErrUnknownInstance, virtioID)
	}
	if inst.BackendVMID != v.VMID() {
		return AskResult{}, fmt.Errorf("%w: vm %d is not the backend for virtio id %d", ErrNotBackend, v.VMID(), virtioID)
	}

	sem := c.askLimiter.get(virtioID)
	if err := sem.Acquire(ctx, 1); err != nil {
		return AskResult{}, fmt.Errorf("virtiofwd: ask: %w", err)
	}
	defer sem.Release(1)

	inst.mu.Lock()
	depth := inst.pending.len()
	h, found := inst.pending.firstUnhandled(c.backendPool)
	if !found {
		inst.mu.Unlock()
		c.metrics.backendQueueDepth.Observe(float64(depth))
		c.metrics.hypercalls.WithLabelValues("ASK", "empty").Inc()
		return AskResult{}, ErrNoUnhandledRequest
	}
	rec := c.backendPool.get(h)
	rec.Handled = true
	res := AskResult{
		VirtioID:    virtioID,
		RegOff:      rec.RegOff,
		Op:          rec.Op,
		AccessWidth: rec.AccessWidth,
		Value:       rec.Value,
	}
	inst.mu.Unlock()

	c.metrics.backendQueueDepth.Observe(float64(depth))
	c.metrics.hypercalls.WithLabelValues("ASK", "ok").Inc()
	return res, nil
}

// completeBackendRecord pops the head of inst.pending (after verifying it
// is the record regOff names), frees it from the backend pool, and
// allocates a fresh frontend-pool record carrying the reply so ownership
// never crosses pools by pointer (invariant 2).
//
// Unlike the source, which pops the head unconditionally and only checks
// reg_off afterward — leaking the backend record on a mismatch — this
// peeks before popping, so a desynced backend leaves the queue untouched
// and the leaked-record failure mode in §9 cannot occur here.
func (c *Core) completeBackendRecord(inst *Instance, regOff uint64, value uint64) (recordHandle, error) {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	head, ok := inst.pending.peekHead()
	if !ok {
		return noHandle, ErrProtocolDesync
	}
	rec := c.backendPool.get(head)
	if rec.RegOff != regOff {
		c.metrics.protocolDesync.Inc()
		return noHandle, fmt.Errorf("%w: expected reg_off %d, got %d", ErrProtocolDesync, rec.RegOff, regOff)
	}

	inst.pending.popHead()

	fh, err := c.frontendPool.alloc()
	if err != nil {
		c.backendPool.release(head)
		c.metrics.poolExhausted.Inc()
		return noHandle, err
	}
	frec := c.frontendPool.get(fh)
	*frec = *rec
	frec.Value = value
	frec.Handled = false

	c.backendPool.release(head)
	inst.replies.push(fh)
	inst.direction = BackendToFrontend

	c.metrics.backendPoolLive.Set(float64(c.backendPool.liveCount()))
	c.metrics.frontendPoolLive.Set(float64(c.frontendPool.liveCount()))
	return fh, nil
}

// WriteAck is C5's WRITE handler: the backend acknowledges it applied a
// write whose reg_off must match the head of backend_pending.
func (c *Core) WriteAck(v vcpu.VCPU, virtioID, regOff uint64) error {
	inst, ok := c.registry.Lookup(virtioID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownInstance, virtioID)
	}
	if inst.BackendVMID != v.VMID() {
		return fmt.Errorf("%w: vm %d is not the backend for virtio id %d", ErrNotBackend, v.VMID(), virtioID)
	}

	fh, err := c.completeBackendRecord(inst, regOff, 0)
	if err != nil {
		c.metrics.hypercalls.WithLabelValues("WRITE", "desync").Inc()
		return err
	}

	c.metrics.hypercalls.WithLabelValues("WRITE", "ok").Inc()
	return c.wakeFrontend(inst, fh, EventWriteNotify)
}

// ReadReply is C5's READ handler: the backend supplies the value it read
// for the record at the head of backend_pending.
func (c *Core) ReadReply(v vcpu.VCPU, virtioID, regOff, value uint64) error {
	inst, ok := c.registry.Lookup(virtioID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownInstance, virtioID)
	}
	if inst.BackendVMID != v.VMID() {
		return fmt.Errorf("%w: vm %d is not the backend for virtio id %d", ErrNotBackend, v.VMID(), virtioID)
	}

	fh, err := c.completeBackendRecord(inst, regOff, value)
	if err != nil {
		c.metrics.hypercalls.WithLabelValues("READ", "desync").Inc()
		return err
	}

	c.metrics.hypercalls.WithLabelValues("READ", "ok").Inc()
	return c.wakeFrontend(inst, fh, EventReadNotify)
}

// wakeFrontend notifies the instance's frontend physical CPU that a reply
// is waiting, so it can pop inst.replies and resume the vCPU that
// trapped. The actual pop happens in deliverReply, invoked from the
// messenger's dispatch goroutine on the frontend CPU.
func (c *Core) wakeFrontend(inst *Instance, _ recordHandle, event Event) error {
	target, resolved := inst.FrontendCPU()
	if !resolved {
		return fmt.Errorf("%w: virtio id %d", ErrFrontendNotRunning, inst.VirtioID)
	}
	return c.messenger.Send(target, Message{Event: event, VirtioID: inst.VirtioID})
}

// Notify is C5's NOTIFY hypercall (op=NOTIFY): no queue interaction, just
// a direction flip and an interrupt for the frontend. Not to be confused
// with the NOTIFY_BACKEND_POLL cross-CPU event the trap adaptor sends a
// polling backend, which §9 Open Question (b) notes the source never
// dispatches anywhere — that case is handled in Core.dispatch instead.
func (c *Core) Notify(v vcpu.VCPU, virtioID uint64) error {
	inst, ok := c.registry.Lookup(virtioID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownInstance, virtioID)
	}
	if inst.BackendVMID != v.VMID() {
		return fmt.Errorf("%w: vm %d is not the backend for virtio id %d", ErrNotBackend, v.VMID(), virtioID)
	}

	inst.mu.Lock()
	inst.direction = BackendToFrontend
	inst.mu.Unlock()

	target, resolved := inst.FrontendCPU()
	if !resolved {
		c.metrics.hypercalls.WithLabelValues("NOTIFY", "no_frontend").Inc()
		return fmt.Errorf("%w: virtio id %d", ErrFrontendNotRunning, virtioID)
	}

	c.metrics.hypercalls.WithLabelValues("NOTIFY", "ok").Inc()
	return c.messenger.Send(target, Message{Event: EventInjectInterrupt, VirtioID: virtioID})
}

// deliverReply pops the instance's reply queue and applies the record's
// value to the frontend vCPU's register, invoked on the frontend
// messenger callback for EventReadNotify / EventWriteNotify.
func (c *Core) deliverReply(inst *Instance, v vcpu.VCPU) error {
	inst.mu.Lock()
	fh, ok := inst.replies.pop()
	inst.mu.Unlock()
	if !ok {
		return ErrProtocolDesync
	}

	rec := c.frontendPool.get(fh)
	if rec.Op == OpRead {
		v.WriteRegister(rec.Reg, rec.Value)
	}
	v.SetActive(true)

	c.frontendPool.release(fh)
	c.metrics.frontendPoolLive.Set(float64(c.frontendPool.liveCount()))
	return nil
}

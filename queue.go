package virtiofwd

// backendQueue is the priority-ordered sequence of backend-pool record
// handles awaiting backend service for one instance. Insertion is a
// stable insertion sort on priority: lower priority number sorts first,
// and among equal priorities insertion order is preserved (spec §3, §5).
type backendQueue struct {
	handles []recordHandle
}

// insert places h into the queue keeping it sorted by the priority of
// the record each handle names, stable with respect to ties.
func (q *backendQueue) insert(pool *recordPool, h recordHandle) {
	prio := pool.get(h).Priority
	i := len(q.handles)
	for i > 0 && pool.get(q.handles[i-1]).Priority > prio {
		i--
	}
	q.handles = append(q.handles, noHandle)
	copy(q.handles[i+1:], q.handles[i:])
	q.handles[i] = h
}

// firstUnhandled returns the first record in priority order whose
// Handled flag is false, per ASK's scan (§4.4). It does not remove
// anything from the queue.
func (q *backendQueue) firstUnhandled(pool *recordPool) (recordHandle, bool) {
	for _, h := range q.handles {
		if !pool.get(h).Handled {
			return h, true
		}
	}
	return noHandle, false
}

// peekHead returns the handle at the head of the queue without removing
// it, used by the corrected WRITE/READ path (§9) to check reg_off before
// committing to a pop.
func (q *backendQueue) peekHead() (recordHandle, bool) {
	if len(q.handles) == 0 {
		return noHandle, false
	}
	return q.handles[0], true
}

// popHead removes and returns the head of the queue.
func (q *backendQueue) popHead() (recordHandle, bool) {
	h, ok := q.peekHead()
	if !ok {
		return noHandle, false
	}
	q.handles = q.handles[1:]
	return h, true
}

func (q *backendQueue) len() int { return len(q.handles) }

// frontendQueue is the FIFO of frontend-pool record handles awaiting
// resumption of the vCPU that submitted them.
type frontendQueue struct {
	handles []recordHandle
}

func (q *frontendQueue) push(h recordHandle) {
	q.handles = append(q.handles, h)
}

func (q *frontendQueue) pop() (recordHandle, bool) {
	if len(q.handles) == 0 {
		return noHandle, false
	}
	h := q.handles[0]
	q.handles = q.handles[1:]
	return h, true
}

func (q *frontendQueue) len() int { return len(q.handles) }

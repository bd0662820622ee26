package nvdec

// PermitPool gates reuse of the engine's fixed surface pool. Each slot holds
// one token: the decode-submit handler takes it before the engine is allowed
// to write the surface, and the converter returns it once the surface's
// pixels have been fully read. Without this gate the engine could overwrite
// a surface the converter has not consumed yet.
type PermitPool struct {
	slots []*Queue[struct{}]
}

// NewPermitPool creates a pool with one available permit per slot.
func NewPermitPool(size int) *PermitPool {
	p := &PermitPool{slots: make([]*Queue[struct{}], size)}
	for i := range p.slots {
		p.slots[i] = NewQueue[struct{}]()
		p.slots[i].Push(struct{}{})
	}
	return p
}

// Size returns the number of slots.
func (p *PermitPool) Size() int {
	return len(p.slots)
}

// Acquire blocks until the slot's permit is available and takes it.
// It returns false if the pool was killed while waiting.
func (p *PermitPool) Acquire(slot int) bool {
	_, ok := p.slots[slot].Pop()
	return ok
}

// Release returns the slot's permit. It must be called exactly once per
// successful Acquire.
func (p *PermitPool) Release(slot int) {
	p.slots[slot].Push(struct{}{})
}

// Kill wakes every blocked Acquire with failure and disables the pool.
func (p *PermitPool) Kill() {
	for _, s := range p.slots {
		s.Kill()
	}
}

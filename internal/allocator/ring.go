package allocator

// Ring is a fixed-capacity reward buffer. Old entries fall off once
// the window is full.
type Ring struct {
	buf  []float64
	next int
	full bool
}

// NewRing creates a ring with the given window.
func NewRing(window int) *Ring {
	if window <= 0 {
		window = 1
	}
	return &Ring{buf: make([]float64, window)}
}

// Push appends a reward, evicting the oldest when full.
func (r *Ring) Push(reward float64) {
	r.buf[r.next] = reward
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

// Len is the number of live entries.
func (r *Ring) Len() int {
	if r.full {
		return len(r.buf)
	}
	return r.next
}

// Mean is the average over live entries, 0 when empty.
func (r *Ring) Mean() float64 {
	n := r.Len()
	if n == 0 {
		return 0
	}
	sum := 0.0
	if r.full {
		for _, v := range r.buf {
			sum += v
		}
	} else {
		for _, v := range r.buf[:r.next] {
			sum += v
		}
	}
	return sum / float64(n)
}

// Values returns the live entries, oldest first.
func (r *Ring) Values() []float64 {
	if !r.full {
		out := make([]float64, r.next)
		copy(out, r.buf[:r.next])
		return out
	}
	out := make([]float64, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}

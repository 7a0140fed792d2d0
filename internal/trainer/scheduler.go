package trainer

// Plateau lowers the learning rate by Factor once the monitored loss has
// not improved for more than Patience epochs.
type Plateau struct {
	Factor   float64
	Patience int
	MinLR    float64

	best float64
	bad  int
	seen bool
}

// plateauThreshold is the relative improvement that resets the count.
const plateauThreshold = 1e-4

// Step records the epoch's monitored value and returns the learning rate
// to use next.
func (p *Plateau) Step(lr, value float64) float64 {
	if !p.seen || value < p.best*(1-plateauThreshold) {
		p.best = value
		p.bad = 0
		p.seen = true
		return lr
	}
	p.bad++
	if p.bad <= p.Patience {
		return lr
	}
	p.bad = 0
	next := lr * p.Factor
	if next < p.MinLR {
		next = p.MinLR
	}
	return next
}

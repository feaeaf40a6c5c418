package device

// Threshold is one breakpoint of a voltage->percent curve.
type Threshold struct {
	VoltageMV int
	Percent   float64
}

// Curve is an ordered (ascending voltage) set of breakpoints. Walked
// from full to empty it is strictly decreasing; capacity between
// breakpoints is linearly interpolated.
type Curve []Threshold

// Standard curves measured by the vendor for each chip family.
var (
	curvePiSugar2 = Curve{
		{3100, 0.0},
		{3490, 6.2},
		{3520, 12.5},
		{3660, 25.0},
		{3790, 37.5},
		{3860, 50.0},
		{3920, 62.5},
		{4000, 75.0},
		{4050, 87.5},
		{4160, 100.0},
	}
	curvePiSugar2Pro = Curve{
		{3100, 0.0},
		{3320, 4.5},
		{3490, 25.6},
		{3580, 49.0},
		{3620, 55.0},
		{3700, 65.0},
		{3800, 77.0},
		{3900, 88.0},
		{4050, 95.0},
		{4160, 100.0},
	}
)

// Percent maps a voltage onto the curve, clamped to [0, 100].
func (c Curve) Percent(voltageMV int) float64 {
	if len(c) == 0 {
		return 0
	}
	if voltageMV <= c[0].VoltageMV {
		return c[0].Percent
	}
	if voltageMV >= c[len(c)-1].VoltageMV {
		return c[len(c)-1].Percent
	}
	for i := 1; i < len(c); i++ {
		lo, hi := c[i-1], c[i]
		if voltageMV < hi.VoltageMV {
			frac := float64(voltageMV-lo.VoltageMV) / float64(hi.VoltageMV-lo.VoltageMV)
			return lo.Percent + frac*(hi.Percent-lo.Percent)
		}
	}
	return c[len(c)-1].Percent
}

const (
	ringSize      = 30
	ringPrefillMV = 4200
)

// voltageRing keeps the trailing voltage samples used for capacity
// smoothing. It starts pre-filled so the first reported capacity does
// not jump from zero.
type voltageRing struct {
	buf [ringSize]int
	idx int
}

func newVoltageRing() *voltageRing {
	r := &voltageRing{}
	for i := range r.buf {
		r.buf[i] = ringPrefillMV
	}
	return r
}

// Push records a sample, evicting the oldest.
func (r *voltageRing) Push(mv int) {
	r.buf[r.idx] = mv
	r.idx = (r.idx + 1) % ringSize
}

// Mean is the trailing average over the whole ring.
func (r *voltageRing) Mean() int {
	total := 0
	for _, v := range r.buf {
		total += v
	}
	return total / ringSize
}

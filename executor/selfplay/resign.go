package selfplay

// resignWindow is the number of audited games between threshold updates.
const resignWindow = 100

// ResignController tunes the resignation threshold from games played with
// resignation disabled. A false positive is a game whose eventual winner had
// wanted to resign.
type ResignController struct {
	threshold float32
	ceiling   float64
	delta     float32

	tested         int
	falsePositives int
}

func NewResignController(threshold float32, falsePositiveCeiling float64, delta float32) *ResignController {
	return &ResignController{threshold: threshold, ceiling: falsePositiveCeiling, delta: delta}
}

func (r *ResignController) Threshold() float32 { return r.threshold }

func (r *ResignController) FalsePositiveRate() float64 {
	if r.tested == 0 {
		return 0
	}
	return float64(r.falsePositives) / float64(r.tested)
}

// Record audits one game. It reports whether the threshold changed; the
// audit window starts over whenever it does.
func (r *ResignController) Record(falsePositive bool) (old, updated float32, changed bool) {
	r.tested++
	if falsePositive {
		r.falsePositives++
	}
	if r.tested < resignWindow {
		return r.threshold, r.threshold, false
	}
	old = r.threshold
	if r.FalsePositiveRate() >= r.ceiling {
		r.threshold -= r.delta
	} else {
		r.threshold += r.delta
	}
	r.tested, r.falsePositives = 0, 0
	return old, r.threshold, true
}

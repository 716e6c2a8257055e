package watermark

// Level-1 Haar transform with the (a+b)/2, (a-b)/2 convention. Sums and
// halves of 8-bit samples are exact in float64, so a forward/inverse pass
// with untouched coefficients reproduces the input bit for bit.

// subbands holds the four half-resolution coefficient planes of one channel.
// Odd dimensions are edge-replicated up to even before pairing.
type subbands struct {
	w, h         int // original plane size
	halfW, halfH int // sub-band size
	ll           []float64
	lh           []float64 // horizontal low, vertical high
	hl           []float64 // horizontal high, vertical low
	hh           []float64
}

// detail returns the three high-frequency bands in their fixed traversal
// order. Embedding and extraction must walk them identically.
func (s *subbands) detail() [][]float64 {
	return [][]float64{s.lh, s.hl, s.hh}
}

func forwardHaar(plane []float64, w, h int) *subbands {
	pw, ph := (w+1)&^1, (h+1)&^1
	hw, hh := pw/2, ph/2

	at := func(x, y int) float64 {
		if x >= w {
			x = w - 1
		}
		if y >= h {
			y = h - 1
		}
		return plane[y*w+x]
	}

	// Row pass over all (possibly padded) rows.
	rowLow := make([]float64, hw*ph)
	rowHigh := make([]float64, hw*ph)
	for y := 0; y < ph; y++ {
		for x := 0; x < hw; x++ {
			a, b := at(2*x, y), at(2*x+1, y)
			rowLow[y*hw+x] = (a + b) / 2
			rowHigh[y*hw+x] = (a - b) / 2
		}
	}

	// Column pass.
	s := &subbands{
		w: w, h: h, halfW: hw, halfH: hh,
		ll: make([]float64, hw*hh),
		lh: make([]float64, hw*hh),
		hl: make([]float64, hw*hh),
		hh: make([]float64, hw*hh),
	}
	for y := 0; y < hh; y++ {
		for x := 0; x < hw; x++ {
			lo0, lo1 := rowLow[(2*y)*hw+x], rowLow[(2*y+1)*hw+x]
			hi0, hi1 := rowHigh[(2*y)*hw+x], rowHigh[(2*y+1)*hw+x]
			i := y*hw + x
			s.ll[i] = (lo0 + lo1) / 2
			s.lh[i] = (lo0 - lo1) / 2
			s.hl[i] = (hi0 + hi1) / 2
			s.hh[i] = (hi0 - hi1) / 2
		}
	}
	return s
}

func inverseHaar(s *subbands) []float64 {
	hw, hh := s.halfW, s.halfH
	ph := hh * 2

	rowLow := make([]float64, hw*ph)
	rowHigh := make([]float64, hw*ph)
	for y := 0; y < hh; y++ {
		for x := 0; x < hw; x++ {
			i := y*hw + x
			rowLow[(2*y)*hw+x] = s.ll[i] + s.lh[i]
			rowLow[(2*y+1)*hw+x] = s.ll[i] - s.lh[i]
			rowHigh[(2*y)*hw+x] = s.hl[i] + s.hh[i]
			rowHigh[(2*y+1)*hw+x] = s.hl[i] - s.hh[i]
		}
	}

	plane := make([]float64, s.w*s.h)
	for y := 0; y < s.h; y++ {
		for x := 0; x < hw; x++ {
			lo, hi := rowLow[y*hw+x], rowHigh[y*hw+x]
			px := 2 * x
			plane[y*s.w+px] = lo + hi
			if px+1 < s.w {
				plane[y*s.w+px+1] = lo - hi
			}
		}
	}
	return plane
}

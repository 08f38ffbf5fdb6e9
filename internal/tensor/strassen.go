package tensor

import (
	"github.com/tilegrid-ml/tilegrid/internal/kernel"
	"github.com/tilegrid-ml/tilegrid/internal/sched"
	"github.com/tilegrid-ml/tilegrid/internal/tile"
)

// Strassen submits C = beta*C + alpha * op(A) @ op(B) using the
// seven-multiplication recursion over tile-grid halves. The recursion applies
// per batch element while the remaining tile ranges of m, n and the shared
// dimension are all even and larger than minTile, down to at most splitFactor
// halvings; smaller or odd ranges use the conventional blocked multiply. The
// whole call degrades to Gemm when the operands are not eligible: non-uniform
// tiles, batch cells spanning more than one element, splitFactor below 1, or
// alpha == 0.
//
// redux is an accumulation-mode hint and has no effect on this backend.
func Strassen[T kernel.Float](alpha T, transA TransOp, a *Tensor[T], transB TransOp, b *Tensor[T], beta T, c *Tensor[T], splitFactor, minTile, redux int) error {
	_ = redux
	batchNdim := len(c.Shape()) - 2
	env, err := newGemmEnv(alpha, transA, a, transB, b, beta, c, 1, batchNdim)
	if err != nil {
		return err
	}
	if splitFactor < 1 || alpha == 0 || !env.strassenEligible() {
		return env.submitBlocked()
	}

	ctx := &strassenCtx[T]{env: env, split: splitFactor, minTile: minTile}
	if ctx.minTile < 1 {
		ctx.minTile = 1
	}
	defer ctx.release()

	dims := c.Grid().Dims()
	mCells := dims[batchNdim]
	nCells := dims[batchNdim+1]
	akOff, _ := env.aK()
	kCells := a.Grid().Dims()[akOff]

	batchCells := prod(dims[:batchNdim])
	batchIdx := make([]int, batchNdim)
	for bLin := 0; bLin < batchCells; bLin++ {
		unravel(bLin, dims[:batchNdim], batchIdx)
		batch := append([]int(nil), batchIdx...)
		aB := matBlock[T]{t: a, batch: batch, rows: mCells, cols: kCells, trans: transA == Trans}
		bB := matBlock[T]{t: b, batch: batch, rows: kCells, cols: nCells, trans: transB == Trans}
		cB := matBlock[T]{t: c, batch: batch, rows: mCells, cols: nCells}
		if err := ctx.multiply(alpha, aB, bB, beta, cB, 0); err != nil {
			return err
		}
	}
	return nil
}

// strassenEligible reports whether the recursion's layout assumptions hold:
// uniform tiles in the matrix dimensions and single-element batch cells.
func (e *gemmEnv[T]) strassenEligible() bool {
	uniform := func(t *Tensor[T], dims ...int) bool {
		s, ts := t.Shape(), t.Traits().TileShape()
		for _, d := range dims {
			if ts[d] == 0 || s[d]%ts[d] != 0 {
				return false
			}
		}
		return true
	}
	mOff, _ := e.aM()
	akOff, _ := e.aK()
	bkOff, _ := e.bK()
	nOff, _ := e.bN()
	if !uniform(e.a, mOff, akOff) || !uniform(e.b, bkOff, nOff) ||
		!uniform(e.c, e.batch, e.batch+1) {
		return false
	}
	for d := 0; d < e.batch; d++ {
		if e.c.Traits().TileShape()[d] != 1 {
			return false
		}
	}
	return e.a.Grid().Dims()[akOff] > 0
}

// strassenCtx tracks the temporaries of one Strassen call. Submitted tasks
// capture tile storage directly, so the temporaries are unregistered as soon
// as submission finishes.
type strassenCtx[T kernel.Float] struct {
	env     *gemmEnv[T]
	split   int // maximum number of halvings
	minTile int
	temps   []*Tensor[T]
}

func (s *strassenCtx[T]) release() {
	for _, t := range s.temps {
		_ = t.Unregister()
	}
	s.temps = nil
}

// matBlock is a rectangular range of tiles viewed as a matrix of rows x cols
// tiles. Logical coordinates: trans marks storage with the two matrix
// dimensions swapped.
type matBlock[T kernel.Float] struct {
	t          *Tensor[T]
	batch      []int
	row0, col0 int
	rows, cols int
	trans      bool
}

// tileAt returns the linear grid index of the logical tile (r, c).
func (b matBlock[T]) tileAt(r, c int) int {
	idx := make([]int, 0, len(b.batch)+2)
	idx = append(idx, b.batch...)
	if b.trans {
		idx = append(idx, b.col0+c, b.row0+r)
	} else {
		idx = append(idx, b.row0+r, b.col0+c)
	}
	return b.t.Grid().IndexToLinear(idx)
}

// quad returns the (i, j) quadrant, i and j in {0, 1}.
func (b matBlock[T]) quad(i, j int) matBlock[T] {
	hr, hc := b.rows/2, b.cols/2
	nb := b
	nb.row0 += i * hr
	nb.col0 += j * hc
	nb.rows, nb.cols = hr, hc
	return nb
}

// tileDims returns the logical element extents of one tile.
func (b matBlock[T]) tileDims() (int, int) {
	ts := b.t.Traits().TileShape()
	sr, sc := ts[len(ts)-2], ts[len(ts)-1]
	if b.trans {
		return sc, sr
	}
	return sr, sc
}

// newTemp allocates a 2-dimensional temporary of rows x cols uniform tiles,
// stored in the same orientation as the blocks it will be combined with.
func (s *strassenCtx[T]) newTemp(rows, cols, tr, tc int, trans bool) (matBlock[T], error) {
	srows, scols, str, stc := rows, cols, tr, tc
	if trans {
		srows, scols, str, stc = cols, rows, tc, tr
	}
	traits, err := NewTraits(tile.Shape{srows * str, scols * stc}, tile.Shape{str, stc})
	if err != nil {
		return matBlock[T]{}, err
	}
	g := s.env.c.Graph()
	t, err := New[T](g, traits, SingleNode(traits.Grid(), g.NodeID()))
	if err != nil {
		return matBlock[T]{}, err
	}
	s.temps = append(s.temps, t)
	return matBlock[T]{t: t, rows: rows, cols: cols, trans: trans}, nil
}

// sum materializes sx*x + sy*y into a fresh temporary, tile by tile.
func (s *strassenCtx[T]) sum(sx T, x matBlock[T], sy T, y matBlock[T]) (matBlock[T], error) {
	tr, tc := x.tileDims()
	dst, err := s.newTemp(x.rows, x.cols, tr, tc, x.trans)
	if err != nil {
		return matBlock[T]{}, err
	}
	for r := 0; r < x.rows; r++ {
		for col := 0; col < x.cols; col++ {
			xi, yi, di := x.tileAt(r, col), y.tileAt(r, col), dst.tileAt(r, col)
			xd, err := x.t.acquire(xi)
			if err != nil {
				return matBlock[T]{}, err
			}
			yd, err := y.t.acquire(yi)
			if err != nil {
				return matBlock[T]{}, err
			}
			dd, err := dst.t.acquire(di)
			if err != nil {
				return matBlock[T]{}, err
			}
			sx, sy := sx, sy
			if _, err := dst.t.graph.Submit("strassen_sum",
				[]sched.TileRef{x.t.Ref(xi), y.t.Ref(yi)},
				[]sched.TileRef{dst.t.Ref(di)},
				func() error {
					kernel.Add2(dd, sx, xd, sy, yd)
					return nil
				}); err != nil {
				return matBlock[T]{}, err
			}
		}
	}
	return dst, nil
}

// multiply computes cB = beta*cB + alpha*aB@bB, recursing while all three
// tile ranges split evenly into halves above minTile and the halving budget
// is not exhausted.
func (s *strassenCtx[T]) multiply(alpha T, aB, bB matBlock[T], beta T, cB matBlock[T], depth int) error {
	rows, cols, inner := cB.rows, cB.cols, aB.cols
	if depth >= s.split || rows%2 != 0 || cols%2 != 0 || inner%2 != 0 ||
		rows <= s.minTile || cols <= s.minTile || inner <= s.minTile {
		return s.blockedMultiply(alpha, aB, bB, beta, cB)
	}

	a11, a12 := aB.quad(0, 0), aB.quad(0, 1)
	a21, a22 := aB.quad(1, 0), aB.quad(1, 1)
	b11, b12 := bB.quad(0, 0), bB.quad(0, 1)
	b21, b22 := bB.quad(1, 0), bB.quad(1, 1)
	tm, tn := cB.tileDims()

	product := func(x, y matBlock[T]) (matBlock[T], error) {
		m, err := s.newTemp(rows/2, cols/2, tm, tn, false)
		if err != nil {
			return matBlock[T]{}, err
		}
		if err := s.multiply(1, x, y, 0, m, depth+1); err != nil {
			return matBlock[T]{}, err
		}
		return m, nil
	}
	s1, err := s.sum(1, a11, 1, a22)
	if err != nil {
		return err
	}
	s2, err := s.sum(1, b11, 1, b22)
	if err != nil {
		return err
	}
	m1, err := product(s1, s2)
	if err != nil {
		return err
	}

	s3, err := s.sum(1, a21, 1, a22)
	if err != nil {
		return err
	}
	m2, err := product(s3, b11)
	if err != nil {
		return err
	}

	s4, err := s.sum(1, b12, -1, b22)
	if err != nil {
		return err
	}
	m3, err := product(a11, s4)
	if err != nil {
		return err
	}

	s5, err := s.sum(1, b21, -1, b11)
	if err != nil {
		return err
	}
	m4, err := product(a22, s5)
	if err != nil {
		return err
	}

	s6, err := s.sum(1, a11, 1, a12)
	if err != nil {
		return err
	}
	m5, err := product(s6, b22)
	if err != nil {
		return err
	}

	s7, err := s.sum(1, a21, -1, a11)
	if err != nil {
		return err
	}
	s8, err := s.sum(1, b11, 1, b12)
	if err != nil {
		return err
	}
	m6, err := product(s7, s8)
	if err != nil {
		return err
	}

	s9, err := s.sum(1, a12, -1, a22)
	if err != nil {
		return err
	}
	s10, err := s.sum(1, b21, 1, b22)
	if err != nil {
		return err
	}
	m7, err := product(s9, s10)
	if err != nil {
		return err
	}

	if err := s.combine(alpha, beta, cB.quad(0, 0),
		[]T{1, 1, -1, 1}, []matBlock[T]{m1, m4, m5, m7}); err != nil {
		return err
	}
	if err := s.combine(alpha, beta, cB.quad(0, 1),
		[]T{1, 1}, []matBlock[T]{m3, m5}); err != nil {
		return err
	}
	if err := s.combine(alpha, beta, cB.quad(1, 0),
		[]T{1, 1}, []matBlock[T]{m2, m4}); err != nil {
		return err
	}
	return s.combine(alpha, beta, cB.quad(1, 1),
		[]T{1, -1, 1, 1}, []matBlock[T]{m1, m2, m3, m6})
}

// combine folds the products into one quadrant of the destination:
// cq = beta*cq + alpha * sum(coefs[i]*ms[i]). The accumulation runs as a
// chain of in-place tasks per tile, the first carrying beta.
func (s *strassenCtx[T]) combine(alpha, beta T, cq matBlock[T], coefs []T, ms []matBlock[T]) error {
	for r := 0; r < cq.rows; r++ {
		for col := 0; col < cq.cols; col++ {
			ci := cq.tileAt(r, col)
			cd, err := cq.t.acquire(ci)
			if err != nil {
				return err
			}
			for i, m := range ms {
				mi := m.tileAt(r, col)
				md, err := m.t.acquire(mi)
				if err != nil {
					return err
				}
				a := alpha * coefs[i]
				b := beta
				if i > 0 {
					b = 1
				}
				if _, err := cq.t.graph.Submit("strassen_combine",
					[]sched.TileRef{m.t.Ref(mi), cq.t.Ref(ci)},
					[]sched.TileRef{cq.t.Ref(ci)},
					func() error {
						kernel.Axpby(a, md, b, cd)
						return nil
					}); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// blockedMultiply is the recursion's leaf: a conventional tile-blocked
// multiply over the block's ranges, beta applied on the first contribution
// to each destination tile.
func (s *strassenCtx[T]) blockedMultiply(alpha T, aB, bB matBlock[T], beta T, cB matBlock[T]) error {
	m, n := cB.tileDims()
	_, k := aB.tileDims()
	tA, tB := aB.trans, bB.trans
	for r := 0; r < cB.rows; r++ {
		for col := 0; col < cB.cols; col++ {
			ci := cB.tileAt(r, col)
			cd, err := cB.t.acquire(ci)
			if err != nil {
				return err
			}
			for kk := 0; kk < aB.cols; kk++ {
				ai, bi := aB.tileAt(r, kk), bB.tileAt(kk, col)
				ad, err := aB.t.acquire(ai)
				if err != nil {
					return err
				}
				bd, err := bB.t.acquire(bi)
				if err != nil {
					return err
				}
				betaEff := beta
				if kk > 0 {
					betaEff = 1
				}
				alpha := alpha
				if _, err := cB.t.graph.Submit("strassen_gemm",
					[]sched.TileRef{aB.t.Ref(ai), bB.t.Ref(bi), cB.t.Ref(ci)},
					[]sched.TileRef{cB.t.Ref(ci)},
					func() error {
						kernel.Gemm(tA, tB, m, n, k, alpha, ad, bd, betaEff, cd)
						return nil
					}); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

package placement

import (
	"fmt"

	"github.com/justinsb/tiledispatch/pkg/device"
)

const tileSize = 32

// maxSubblockTiles bounds OutSubblockH*OutSubblockW by the destination register capacity.
const maxSubblockTiles = 4

// maxIn0BlockW bounds how many K tiles are staged per inner-loop step.
const maxIn0BlockW = 4

// MathFidelity trades multiplier input precision for throughput.
type MathFidelity int

const (
	LoFi MathFidelity = iota
	// HiFi2 drops one bit of the activations compared to HiFi4.
	HiFi2
	HiFi3
	HiFi4
)

func (f MathFidelity) String() string {
	switch f {
	case LoFi:
		return "LoFi"
	case HiFi2:
		return "HiFi2"
	case HiFi3:
		return "HiFi3"
	case HiFi4:
		return "HiFi4"
	default:
		return fmt.Sprintf("MathFidelity(%d)", int(f))
	}
}

// ProgramKind names how an operation is parallelized over the core grid.
type ProgramKind int

const (
	// DRAMShardedMatmul streams width-sharded weights from DRAM; each core owns a slice of N.
	DRAMShardedMatmul ProgramKind = iota
	// MultiCastMatmul2D tiles M over grid rows and N over grid columns.
	MultiCastMatmul2D
	// Eltwise splits elements evenly across cores.
	Eltwise
)

func (k ProgramKind) String() string {
	switch k {
	case DRAMShardedMatmul:
		return "dram-sharded-matmul"
	case MultiCastMatmul2D:
		return "multicast-matmul-2d"
	case Eltwise:
		return "eltwise"
	default:
		return fmt.Sprintf("ProgramKind(%d)", int(k))
	}
}

// ProgramConfig is the tiling descriptor of one operation. Block sizes are in tiles.
type ProgramConfig struct {
	Kind ProgramKind
	Grid device.Grid

	In0BlockW    int
	PerCoreM     int
	PerCoreN     int
	OutSubblockH int
	OutSubblockW int
}

func (p ProgramConfig) String() string {
	return fmt.Sprintf("%s{grid=%v, in0_block_w=%d, per_core_m=%d, per_core_n=%d, out_subblock=%dx%d}",
		p.Kind, p.Grid, p.In0BlockW, p.PerCoreM, p.PerCoreN, p.OutSubblockH, p.OutSubblockW)
}

// dramShardedMatmul splits K and N evenly over the largest core count that divides both.
func dramShardedMatmul(m, k, n int, grid device.Grid) (ProgramConfig, int) {
	mTiles, kTiles, nTiles := ceilDiv(m, tileSize), k/tileSize, n/tileSize
	cores := shardCores(grid, kTiles, nTiles)
	perCoreN := nTiles / cores
	h, w := outSubblock(mTiles, perCoreN)
	return ProgramConfig{
		Kind:         DRAMShardedMatmul,
		Grid:         coreGrid(cores, grid),
		In0BlockW:    kTiles / cores,
		PerCoreM:     mTiles,
		PerCoreN:     perCoreN,
		OutSubblockH: h,
		OutSubblockW: w,
	}, cores
}

// multiCastMatmul2D spreads M tiles over grid rows and N tiles over grid columns.
func multiCastMatmul2D(m, k, n int, grid device.Grid) (ProgramConfig, int) {
	mTiles, kTiles, nTiles := ceilDiv(m, tileSize), k/tileSize, n/tileSize
	perCoreM := ceilDiv(mTiles, grid.Rows)
	perCoreN := ceilDiv(nTiles, grid.Cols)
	rows := ceilDiv(mTiles, perCoreM)
	cols := ceilDiv(nTiles, perCoreN)
	h, w := outSubblock(perCoreM, perCoreN)
	return ProgramConfig{
		Kind:         MultiCastMatmul2D,
		Grid:         device.Grid{Rows: rows, Cols: cols},
		In0BlockW:    largestDivisorAtMost(kTiles, maxIn0BlockW),
		PerCoreM:     perCoreM,
		PerCoreN:     perCoreN,
		OutSubblockH: h,
		OutSubblockW: w,
	}, rows * cols
}

// eltwise shards the width of an m x n activation across cores.
func eltwise(m, n int, grid device.Grid, sharded bool) (ProgramConfig, int) {
	mTiles, nTiles := ceilDiv(m, tileSize), ceilDiv(n, tileSize)
	cores := grid.Cores()
	if sharded {
		cores = shardCores(grid, nTiles)
	}
	return ProgramConfig{
		Kind:     Eltwise,
		Grid:     coreGrid(cores, grid),
		PerCoreM: mTiles,
		PerCoreN: ceilDiv(nTiles, cores),
	}, cores
}

// outSubblock picks the largest h x w block within the register budget that divides the per-core block,
// preferring wider blocks.
func outSubblock(perCoreM, perCoreN int) (int, int) {
	bestH, bestW := 1, 1
	for h := 1; h <= maxSubblockTiles; h++ {
		for w := 1; h*w <= maxSubblockTiles; w++ {
			if perCoreM%h != 0 || perCoreN%w != 0 {
				continue
			}
			if h*w > bestH*bestW || (h*w == bestH*bestW && w > bestW) {
				bestH, bestW = h, w
			}
		}
	}
	return bestH, bestW
}

// shardCores returns the largest core count that divides every value and fills a
// rectangle of grid: part of one row, or whole rows.
func shardCores(grid device.Grid, values ...int) int {
	for c := grid.Cores(); c > 1; c-- {
		if !fitsRectangle(c, grid) {
			continue
		}
		if largestCommonDivisor(c, values...) == c {
			return c
		}
	}
	return 1
}

func fitsRectangle(cores int, grid device.Grid) bool {
	return cores <= grid.Cols || cores%grid.Cols == 0
}

// coreGrid lays out cores row by row on grid. cores must satisfy fitsRectangle.
func coreGrid(cores int, grid device.Grid) device.Grid {
	if cores <= grid.Cols {
		return device.Grid{Rows: 1, Cols: cores}
	}
	return device.Grid{Rows: cores / grid.Cols, Cols: grid.Cols}
}

// largestCommonDivisor returns the largest c <= limit dividing every value.
func largestCommonDivisor(limit int, values ...int) int {
	for c := limit; c > 1; c-- {
		ok := true
		for _, v := range values {
			if v%c != 0 {
				ok = false
				break
			}
		}
		if ok {
			return c
		}
	}
	return 1
}

func largestDivisorAtMost(n, limit int) int {
	return largestCommonDivisor(limit, n)
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

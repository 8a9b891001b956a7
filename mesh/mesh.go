// Package mesh provides small canned geometries for kernel tests that need
// realistic vertex and index buffers as inputs. Grids are built on first use
// and cached; the harness releases the cache at suite teardown.
package mesh

import (
	"sync"

	"gonum.org/v1/gonum/mat"
)

// Grid holds flat, device-bindable geometry: interleaved xyz vertex
// coordinates and triangle indices.
type Grid struct {
	Vertices []float32 // 3 floats per vertex
	Indices  []int32   // 3 indices per triangle
}

// NumVertices returns the vertex count.
func (g *Grid) NumVertices() int {
	return len(g.Vertices) / 3
}

// NumTriangles returns the triangle count.
func (g *Grid) NumTriangles() int {
	return len(g.Indices) / 3
}

var (
	mu    sync.Mutex
	cache map[string]*Grid
)

// UnitSquare returns the unit square [0,1]^2 at z=0 as two triangles.
func UnitSquare() *Grid {
	return cached("square", buildSquare)
}

// UnitCube returns the unit cube [0,1]^3 as twelve triangles.
func UnitCube() *Grid {
	return cached("cube", buildCube)
}

// Built reports whether any grid has been constructed and not yet released.
func Built() bool {
	mu.Lock()
	defer mu.Unlock()
	return len(cache) > 0
}

// Release drops every cached grid. Safe to call when nothing was built.
func Release() {
	mu.Lock()
	defer mu.Unlock()
	cache = nil
}

func cached(name string, build func() *Grid) *Grid {
	mu.Lock()
	defer mu.Unlock()
	if g, exists := cache[name]; exists {
		return g
	}
	if cache == nil {
		cache = make(map[string]*Grid)
	}
	g := build()
	cache[name] = g
	return g
}

func buildSquare() *Grid {
	corners := mat.NewDense(4, 3, []float64{
		0, 0, 0,
		1, 0, 0,
		1, 1, 0,
		0, 1, 0,
	})
	return &Grid{
		Vertices: flatten(corners),
		Indices:  []int32{0, 1, 2, 0, 2, 3},
	}
}

func buildCube() *Grid {
	// Bottom face vertices, then the same face lifted by the z axis
	bottom := mat.NewDense(4, 3, []float64{
		0, 0, 0,
		1, 0, 0,
		1, 1, 0,
		0, 1, 0,
	})
	lift := mat.NewDense(4, 3, nil)
	lift.Apply(func(_, j int, v float64) float64 {
		if j == 2 {
			return v + 1
		}
		return v
	}, bottom)

	var verts mat.Dense
	verts.Stack(bottom, lift)

	// Two triangles per face, outward winding
	quads := [][4]int32{
		{0, 3, 2, 1}, // bottom
		{4, 5, 6, 7}, // top
		{0, 1, 5, 4}, // front
		{1, 2, 6, 5}, // right
		{2, 3, 7, 6}, // back
		{3, 0, 4, 7}, // left
	}
	indices := make([]int32, 0, len(quads)*6)
	for _, q := range quads {
		indices = append(indices, q[0], q[1], q[2], q[0], q[2], q[3])
	}

	return &Grid{
		Vertices: flatten(&verts),
		Indices:  indices,
	}
}

func flatten(m mat.Matrix) []float32 {
	rows, cols := m.Dims()
	out := make([]float32, 0, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out = append(out, float32(m.At(i, j)))
		}
	}
	return out
}

package parallax

import "github.com/stevecastle/gazefield/depth"

// Mesh is a subdivided unit plane centered on the origin, y up, scaled so
// its aspect matches the portrait. UV (0,0) is the portrait's top-left.
type Mesh struct {
	Segments int
	ScaleX   float64
	ScaleY   float64

	Positions [][2]float64
	UVs       [][2]float64
	Indices   [][3]int
}

// NewMesh builds a segments x segments grid for a portrait of the given
// width/height aspect. The short side spans 1 unit and the long side spans
// aspect (or 1/aspect) units, so the texture is never stretched.
func NewMesh(segments int, aspect float64) *Mesh {
	if segments < 1 {
		segments = 1
	}
	sx, sy := 1.0, 1.0
	if aspect > 0 {
		if aspect >= 1 {
			sx = aspect
		} else {
			sy = 1 / aspect
		}
	}

	n := segments + 1
	m := &Mesh{
		Segments:  segments,
		ScaleX:    sx,
		ScaleY:    sy,
		Positions: make([][2]float64, 0, n*n),
		UVs:       make([][2]float64, 0, n*n),
		Indices:   make([][3]int, 0, 2*segments*segments),
	}
	for row := 0; row < n; row++ {
		v := float64(row) / float64(segments)
		for col := 0; col < n; col++ {
			u := float64(col) / float64(segments)
			m.Positions = append(m.Positions, [2]float64{(u - 0.5) * sx, (0.5 - v) * sy})
			m.UVs = append(m.UVs, [2]float64{u, v})
		}
	}
	for row := 0; row < segments; row++ {
		for col := 0; col < segments; col++ {
			a := row*n + col
			b := a + 1
			c := a + n
			d := c + 1
			m.Indices = append(m.Indices, [3]int{a, c, b}, [3]int{b, c, d})
		}
	}
	return m
}

// VertexCount returns the number of vertices.
func (m *Mesh) VertexCount() int { return len(m.Positions) }

// Displace evaluates the displacement rule at every vertex. It writes into
// out (grown as needed) and also returns the sampled depth per vertex.
func (m *Mesh) Displace(field *depth.Field, u Uniforms, out [][2]float64, depths []float64) ([][2]float64, []float64) {
	nv := len(m.Positions)
	if cap(out) < nv {
		out = make([][2]float64, nv)
	}
	out = out[:nv]
	if cap(depths) < nv {
		depths = make([]float64, nv)
	}
	depths = depths[:nv]

	scale := u.EffectiveScale()
	for i, p := range m.Positions {
		uv := m.UVs[i]
		d := field.Sample(uv[0], uv[1])
		depths[i] = d
		dx, dy := Displace(d, u.Yaw, u.Pitch, scale)
		out[i] = [2]float64{p[0] + dx, p[1] + dy}
	}
	return out, depths
}

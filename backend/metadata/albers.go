package metadata

import (
	"math"
	"strings"
)

// albers is an ellipsoidal Albers equal-area conic projection
type albers struct {
	a    float64 // semi-major axis
	e    float64 // eccentricity
	e2   float64
	lon0 float64 // central meridian, radians
	n    float64
	c    float64
	rho0 float64
}

// australianAlbers is GDA94 / Australian Albers (EPSG:3577)
var australianAlbers = newAlbers(6378137, 1/298.257222101, 0, 132, -18, -36)

func newAlbers(a, flattening, lat0, lon0, lat1, lat2 float64) *albers {
	p := &albers{a: a, lon0: radians(lon0)}
	p.e2 = 2*flattening - flattening*flattening
	p.e = math.Sqrt(p.e2)

	phi1, phi2 := radians(lat1), radians(lat2)
	m1, m2 := p.m(phi1), p.m(phi2)
	q0, q1, q2 := p.q(radians(lat0)), p.q(phi1), p.q(phi2)

	p.n = (m1*m1 - m2*m2) / (q2 - q1)
	p.c = m1*m1 + p.n*q1
	p.rho0 = a * math.Sqrt(p.c-p.n*q0) / p.n
	return p
}

func (p *albers) m(phi float64) float64 {
	sin := math.Sin(phi)
	return math.Cos(phi) / math.Sqrt(1-p.e2*sin*sin)
}

func (p *albers) q(phi float64) float64 {
	sin := math.Sin(phi)
	return (1 - p.e2) * (sin/(1-p.e2*sin*sin) - math.Log((1-p.e*sin)/(1+p.e*sin))/(2*p.e))
}

// forward projects lon/lat degrees to metres
func (p *albers) forward(lon, lat float64) (x, y float64) {
	rho := p.a * math.Sqrt(p.c-p.n*p.q(radians(lat))) / p.n
	theta := p.n * (radians(lon) - p.lon0)
	return rho * math.Sin(theta), p.rho0 - rho*math.Cos(theta)
}

// inverse returns lon/lat degrees of a projected point
func (p *albers) inverse(x, y float64) (lon, lat float64) {
	dy := p.rho0 - y
	rho := math.Hypot(x, dy)
	theta := math.Atan2(x, dy)
	if p.n < 0 {
		// Southern cones measure the angle from the reversed axes
		theta = math.Atan2(-x, -dy)
	}
	q := (p.c - rho*rho*p.n*p.n/(p.a*p.a)) / p.n

	phi := math.Asin(math.Max(-1, math.Min(1, q/2)))
	for i := 0; i < 15; i++ {
		sin := math.Sin(phi)
		w := 1 - p.e2*sin*sin
		delta := w * w / (2 * math.Cos(phi)) *
			(q/(1-p.e2) - sin/w + math.Log((1-p.e*sin)/(1+p.e*sin))/(2*p.e))
		phi += delta
		if math.Abs(delta) < 1e-12 {
			break
		}
	}

	return degrees(p.lon0 + theta/p.n), degrees(phi)
}

// isAustralianAlbers reports whether a spatial reference names EPSG:3577
func isAustralianAlbers(crs string) bool {
	crs = strings.ToUpper(strings.TrimSpace(crs))
	return crs == "EPSG:3577" || strings.Contains(crs, `"EPSG","3577"`) || strings.Contains(crs, "AUSTRALIAN ALBERS")
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }

func degrees(rad float64) float64 { return rad * 180 / math.Pi }

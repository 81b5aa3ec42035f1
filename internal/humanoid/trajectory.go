// Package humanoid plans pointer movements that look like a person moved the
// mouse: curved paths with eased speed and a duration that grows with distance.
package humanoid

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Config tunes the movement model.
type Config struct {
	// FittsA and FittsB are in milliseconds.
	FittsA         float64
	FittsB         float64
	Curvature      float64
	StepsPerSecond int
}

// DefaultConfig returns a moderate movement model.
func DefaultConfig() Config {
	return Config{FittsA: 100, FittsB: 120, Curvature: 0.15, StepsPerSecond: 60}
}

// targetWidth is the assumed width, in pixels, of what the pointer aims at.
const targetWidth = 30.0

// Waypoint is one intermediate pointer position and when to reach it,
// relative to the start of the movement.
type Waypoint struct {
	Pos Vector2D
	At  time.Duration
}

// Planner generates trajectories. It is safe for concurrent use.
type Planner struct {
	cfg Config
	mu  sync.Mutex
	rng *rand.Rand
}

// NewPlanner creates a planner. A zero seed seeds from the clock.
func NewPlanner(cfg Config, seed int64) *Planner {
	def := DefaultConfig()
	if cfg.StepsPerSecond <= 0 {
		cfg.StepsPerSecond = def.StepsPerSecond
	}
	if cfg.FittsA <= 0 && cfg.FittsB <= 0 {
		cfg.FittsA, cfg.FittsB = def.FittsA, def.FittsB
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Planner{cfg: cfg, rng: rand.New(rand.NewSource(seed))}
}

// Duration estimates how long a person takes to cover distance, following
// Fitts's law: MT = a + b * log2(1 + d/w).
func (p *Planner) Duration(distance float64) time.Duration {
	if distance <= 0 {
		return 0
	}
	id := math.Log2(1.0 + distance/targetWidth)
	ms := p.cfg.FittsA + p.cfg.FittsB*id
	return time.Duration(ms * float64(time.Millisecond))
}

// Plan returns the waypoints from start to end. A non-positive duration is
// replaced by the Fitts estimate. The first waypoint is the start and the
// last is exactly end.
func (p *Planner) Plan(start, end Vector2D, duration time.Duration) []Waypoint {
	dist := start.Dist(end)
	if dist < 1.0 {
		return []Waypoint{{Pos: end}}
	}
	if duration <= 0 {
		duration = p.Duration(dist)
	}

	steps := int(duration.Seconds() * float64(p.cfg.StepsPerSecond))
	if steps < 2 {
		steps = 2
	}

	dir := end.Sub(start).Normalize()
	normal := dir.Perp()

	p.mu.Lock()
	bend1 := (p.rng.Float64()*2 - 1) * p.cfg.Curvature * dist
	bend2 := (p.rng.Float64()*2 - 1) * p.cfg.Curvature * dist
	p.mu.Unlock()

	c1 := start.Add(dir.Mul(dist / 3)).Add(normal.Mul(bend1))
	c2 := start.Add(dir.Mul(dist * 2 / 3)).Add(normal.Mul(bend2))

	path := make([]Waypoint, steps)
	for i := range path {
		t := float64(i) / float64(steps-1)
		path[i] = Waypoint{
			Pos: bezier(start, c1, c2, end, easeInOutCubic(t)),
			At:  time.Duration(t * float64(duration)),
		}
	}
	path[steps-1].Pos = end
	return path
}

// easeInOutCubic accelerates through the first half and decelerates through the second.
func easeInOutCubic(t float64) float64 {
	if t < 0.5 {
		return 4 * t * t * t
	}
	return 1 - math.Pow(-2*t+2, 3)/2
}

func bezier(p0, p1, p2, p3 Vector2D, t float64) Vector2D {
	omt := 1.0 - t
	omt2 := omt * omt
	t2 := t * t
	return p0.Mul(omt2 * omt).
		Add(p1.Mul(3 * omt2 * t)).
		Add(p2.Mul(3 * omt * t2)).
		Add(p3.Mul(t2 * t))
}

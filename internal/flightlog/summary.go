package flightlog

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

type Summary struct {
	Rows     int
	Duration float64

	FinalX, FinalY float64
	MaxDrift       float64 // largest distance from the origin, m
	StdDevX        float64
	StdDevY        float64

	MeanSpeed float64
	MaxSpeed  float64

	MeanAbsPitch, MaxAbsPitch float64
	MeanAbsRoll, MaxAbsRoll   float64

	MeanSqual float64
	MinSqual  int

	ModeCounts map[string]int
}

// Summarize computes flight statistics over rows in file order.
func Summarize(rows []Row) Summary {
	s := Summary{ModeCounts: map[string]int{}}
	if len(rows) == 0 {
		return s
	}
	n := len(rows)
	xs := make([]float64, n)
	ys := make([]float64, n)
	drift := make([]float64, n)
	speed := make([]float64, n)
	pitch := make([]float64, n)
	roll := make([]float64, n)
	squal := make([]float64, n)

	s.MinSqual = rows[0].Squal
	for i, r := range rows {
		xs[i], ys[i] = r.PosX, r.PosY
		drift[i] = math.Hypot(r.PosX, r.PosY)
		speed[i] = math.Hypot(r.VelX, r.VelY)
		pitch[i] = math.Abs(r.PitchCmd)
		roll[i] = math.Abs(r.RollCmd)
		squal[i] = float64(r.Squal)
		if r.Squal < s.MinSqual {
			s.MinSqual = r.Squal
		}
		s.ModeCounts[r.Mode]++
	}

	s.Rows = n
	s.Duration = rows[n-1].Time - rows[0].Time
	s.FinalX, s.FinalY = rows[n-1].PosX, rows[n-1].PosY
	s.MaxDrift = floats.Max(drift)
	if n > 1 {
		s.StdDevX = stat.StdDev(xs, nil)
		s.StdDevY = stat.StdDev(ys, nil)
	}
	s.MeanSpeed = stat.Mean(speed, nil)
	s.MaxSpeed = floats.Max(speed)
	s.MeanAbsPitch = stat.Mean(pitch, nil)
	s.MaxAbsPitch = floats.Max(pitch)
	s.MeanAbsRoll = stat.Mean(roll, nil)
	s.MaxAbsRoll = floats.Max(roll)
	s.MeanSqual = stat.Mean(squal, nil)
	return s
}

package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"betafly-ng/internal/flightlog"
)

func readFlightLog(path string) ([]flightlog.Row, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("path is empty")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return flightlog.NewReader(f).ReadAll()
}

func printLogSummary(w io.Writer, path string) error {
	rows, err := readFlightLog(path)
	if err != nil {
		return err
	}
	s := flightlog.Summarize(rows)

	fmt.Fprintf(w, "path: %s\n", strings.TrimSpace(path))
	fmt.Fprintf(w, "rows: %d\n", s.Rows)
	fmt.Fprintf(w, "duration_s: %.2f\n", s.Duration)
	fmt.Fprintf(w, "final_position_m: (%.3f, %.3f)\n", s.FinalX, s.FinalY)
	fmt.Fprintf(w, "max_drift_m: %.3f\n", s.MaxDrift)
	fmt.Fprintf(w, "stddev_m: (%.3f, %.3f)\n", s.StdDevX, s.StdDevY)
	fmt.Fprintf(w, "speed_m_s: mean=%.3f max=%.3f\n", s.MeanSpeed, s.MaxSpeed)
	fmt.Fprintf(w, "pitch_cmd_deg: mean_abs=%.2f max_abs=%.2f\n", s.MeanAbsPitch, s.MaxAbsPitch)
	fmt.Fprintf(w, "roll_cmd_deg: mean_abs=%.2f max_abs=%.2f\n", s.MeanAbsRoll, s.MaxAbsRoll)
	fmt.Fprintf(w, "squal: mean=%.1f min=%d\n", s.MeanSqual, s.MinSqual)

	modes := make([]string, 0, len(s.ModeCounts))
	for m := range s.ModeCounts {
		modes = append(modes, m)
	}
	sort.Strings(modes)
	fmt.Fprintf(w, "mode_counts:\n")
	for _, m := range modes {
		fmt.Fprintf(w, "  %s: %d\n", m, s.ModeCounts[m])
	}
	return nil
}

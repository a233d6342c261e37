package main

import (
	"os"
	"path/filepath"
	"testing"

	"betafly-ng/internal/flightlog"
)

func TestTrackPlot(t *testing.T) {
	if _, err := trackPlot(nil); err == nil {
		t.Fatalf("expected error for empty log")
	}

	p, err := trackPlot([]flightlog.Row{{PosX: -1, PosY: 0}, {PosX: 2, PosY: 3}})
	if err != nil {
		t.Fatalf("trackPlot() error: %v", err)
	}
	if p.X.Min > -1 || p.X.Max < 2 || p.Y.Min > 0 || p.Y.Max < 3 {
		t.Fatalf("axes x=[%v,%v] y=[%v,%v] do not cover the track", p.X.Min, p.X.Max, p.Y.Min, p.Y.Max)
	}
}

func TestPlotLog_WritesPNG(t *testing.T) {
	csvPath := writeTestLog(t, []flightlog.Row{
		{Time: 0, PosX: 0, PosY: 0, Mode: "position_hold"},
		{Time: 0.2, PosX: 0.1, PosY: 0.05, Mode: "position_hold"},
		{Time: 0.4, PosX: 0.05, PosY: -0.02, Mode: "position_hold"},
	})
	pngPath := filepath.Join(t.TempDir(), "track.png")

	if err := plotLog(csvPath, pngPath); err != nil {
		t.Fatalf("plotLog() error: %v", err)
	}
	b, err := os.ReadFile(pngPath)
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}
	if len(b) < 8 || string(b[1:4]) != "PNG" {
		t.Fatalf("output is not a PNG (%d bytes)", len(b))
	}
}

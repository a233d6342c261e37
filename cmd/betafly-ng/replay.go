package main

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"betafly-ng/internal/flightlog"
	"betafly-ng/internal/udp"
)

// correctionSender is satisfied by *udp.Broadcaster.
type correctionSender interface {
	SendCorrection(udp.Correction) error
}

// ctxSleeper stops waiting once ctx is done; the next callback then returns
// ctx.Err() and ends playback.
type ctxSleeper struct{ ctx context.Context }

func (s ctxSleeper) Sleep(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.ctx.Done():
	case <-t.C:
	}
}

func replayLog(ctx context.Context, path, dest string, speed float64, loop bool) error {
	rows, err := readFlightLog(path)
	if err != nil {
		return err
	}
	b, err := udp.NewBroadcaster(dest)
	if err != nil {
		return err
	}
	defer b.Close()

	session := uuid.NewString()
	log.Printf("replay: %s -> %s (%d rows, speed=%.2fx, loop=%t, session=%s)", path, dest, len(rows), speed, loop, session)
	n, err := playCorrections(ctx, rows, speed, loop, ctxSleeper{ctx: ctx}, b, session)
	log.Printf("replay: sent %d corrections", n)
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

func playCorrections(ctx context.Context, rows []flightlog.Row, speed float64, loop bool, sl flightlog.Sleeper, out correctionSender, session string) (int, error) {
	sent := 0
	err := flightlog.Play(rows, speed, loop, sl, func(r flightlog.Row) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		c := udp.FromRow(r)
		c.Session = session
		if err := out.SendCorrection(c); err != nil {
			return err
		}
		sent++
		return nil
	})
	return sent, err
}

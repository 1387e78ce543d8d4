package sim

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Replay emits one speed per line of R. Blank lines and lines starting with '#'
// are skipped. Interval, if set, paces the lines. Speeds go through
// Vehicle.SetSpeed, so they are clamped and changes of 0.1 or less are dropped.
type Replay struct {
	R        io.Reader
	Interval time.Duration
	Vehicle  *Vehicle
}

func (r *Replay) Run(ctx context.Context, emit func(float64)) error {
	if r.Vehicle == nil {
		r.Vehicle = NewVehicle(0, 0, 0)
	}
	sc := bufio.NewScanner(r.R)

	var pace <-chan time.Time
	if r.Interval > 0 {
		t := time.NewTicker(r.Interval)
		defer t.Stop()
		pace = t.C
	}

	for line := 1; sc.Scan(); line++ {
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		speed, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return fmt.Errorf("line %d: invalid speed %q", line, text)
		}

		if pace != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-pace:
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}

		if r.Vehicle.SetSpeed(speed) {
			emit(r.Vehicle.Speed())
		}
	}

	return sc.Err()
}

package notify

import (
	"context"
	"errors"

	"github.com/gen2brain/beeep"
)

// Alerter surfaces an alert to the user.
type Alerter interface {
	Alert(ctx context.Context, a Alert) error
}

type AlerterFunc func(ctx context.Context, a Alert) error

func (f AlerterFunc) Alert(ctx context.Context, a Alert) error { return f(ctx, a) }

type nopAlerter struct{}

func (nopAlerter) Alert(context.Context, Alert) error { return nil }

// Multi fans an alert out to every alerter.
func Multi(alerters ...Alerter) Alerter {
	return AlerterFunc(func(ctx context.Context, a Alert) error {
		var errs []error
		for _, al := range alerters {
			if err := al.Alert(ctx, a); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// Two-tone cue played before desktop notifications.
var cue = [2]struct {
	freq     float64
	duration int
}{
	{freq: 880, duration: 120},
	{freq: 660, duration: 160},
}

// DesktopAlerter shows alerts as OS notifications.
type DesktopAlerter struct {
	Icon string
}

func (d DesktopAlerter) Alert(_ context.Context, a Alert) error {
	if a.Sound {
		for _, tone := range cue {
			if err := beeep.Beep(tone.freq, tone.duration); err != nil {
				return err
			}
		}
	}
	return beeep.Notify(a.Title, a.Message, d.Icon)
}

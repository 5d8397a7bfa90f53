package dali

import (
	"time"
)

// fadeUnknown marks a device whose FADE_TIME has not been set yet.
const fadeUnknown = -1

// Device is one DALI control gear. It caches the last known level so
// state can be reported without querying the bus.
//
// Not safe for concurrent use; the bridge only touches devices from the
// main loop.
type Device struct {
	ID      string
	Name    string
	Address ShortAddress

	level      float64
	minLevel   float64
	fadeTime   int
	transition time.Duration
	present    bool
	lastSeen   time.Time
}

// NewDevice creates a device with unknown level and fade time.
func NewDevice(id, name string, addr ShortAddress) *Device {
	return &Device{ID: id, Name: name, Address: addr, fadeTime: fadeUnknown}
}

// Level returns the cached level (0-100 %).
func (d *Device) Level() float64 { return d.level }

// MinLevel returns the lowest level the gear can dim to.
func (d *Device) MinLevel() float64 { return d.minLevel }

// FadeTime returns the last FADE_TIME sent, or -1.
func (d *Device) FadeTime() int { return d.fadeTime }

// Present reports whether the gear answered the last query.
func (d *Device) Present() bool { return d.present }

// LastSeen is when the gear last answered.
func (d *Device) LastSeen() time.Time { return d.lastSeen }

// State returns the device state as published over MQTT.
func (d *Device) State() map[string]any {
	return map[string]any{
		"on":      d.level > 0,
		"level":   roundLevel(d.level),
		"present": d.present,
	}
}

// restore loads persisted values without touching the bus.
func (d *Device) restore(level, minLevel float64, fadeTime int, present bool, lastSeen time.Time) {
	d.level = level
	d.minLevel = minLevel
	d.fadeTime = fadeTime
	d.present = present
	d.lastSeen = lastSeen
}

// Initialize reads the actual and the minimum level from the gear. Failed
// queries leave the cached values alone; done always runs, with the error
// of the level query if there was one.
func (d *Device) Initialize(c *Comm, now func() time.Time, done StatusCallback) {
	c.SendQuery(d.Address, CmdQueryActualLevel, func(ans Answer, err error) {
		if err == nil && !ans.NoAnswer {
			d.level = ArcPowerToLevel(ans.Value)
			d.seen(now())
		}
		levelErr := err
		c.SendQuery(d.Address, CmdQueryMinLevel, func(ans Answer, err error) {
			if err == nil && !ans.NoAnswer {
				d.minLevel = ArcPowerToLevel(ans.Value)
			}
			if done != nil {
				done(levelErr)
			}
		})
	})
}

// SetLevel dims the gear to level (0-100 %) over transition. A new fade
// time is only sent when it differs from the last one. Levels between 0
// and the minimum level are raised to the minimum.
func (d *Device) SetLevel(c *Comm, level float64, transition time.Duration, cb StatusCallback) {
	if level > 0 && level < d.minLevel {
		level = d.minLevel
	}
	d.applyTransition(c, transition)

	c.SendDirectPower(d.Address, LevelToArcPower(level), func(err error) {
		if err == nil {
			d.level = level
		}
		if cb != nil {
			cb(err)
		}
	})
}

// applyTransition sends STORE DTR AS FADE TIME when the transition maps to
// a different fade setting, or on first use.
func (d *Device) applyTransition(c *Comm, transition time.Duration) {
	if d.fadeTime != fadeUnknown && transition == d.transition {
		return
	}
	d.transition = transition

	tr := int(FadeTimeFor(transition))
	if tr == d.fadeTime {
		return
	}
	d.fadeTime = tr
	c.SendDtrAndConfigCommand(d.Address, CmdStoreDTRFadeTime, byte(tr), func(err error) {
		if err != nil {
			// Retry on the next level change.
			d.fadeTime = fadeUnknown
		}
	})
}

// QueryLevel reads the actual level from the gear into the cache.
func (d *Device) QueryLevel(c *Comm, now func() time.Time, cb StatusCallback) {
	c.SendQuery(d.Address, CmdQueryActualLevel, func(ans Answer, err error) {
		switch {
		case err != nil:
		case ans.NoAnswer:
			d.present = false
		default:
			d.level = ArcPowerToLevel(ans.Value)
			d.seen(now())
		}
		if cb != nil {
			cb(err)
		}
	})
}

// CheckPresence asks whether the gear is there. Only a clean YES counts.
func (d *Device) CheckPresence(c *Comm, now func() time.Time, cb func(present bool)) {
	c.SendQuery(d.Address, CmdQueryControlGear, func(ans Answer, err error) {
		present := IsYes(ans, err, false)
		d.present = present
		if present {
			d.lastSeen = now()
		}
		if cb != nil {
			cb(present)
		}
	})
}

func (d *Device) seen(at time.Time) {
	d.present = true
	d.lastSeen = at
}

// roundLevel keeps two decimals for state messages.
func roundLevel(level float64) float64 {
	return float64(int(level*100+0.5)) / 100
}

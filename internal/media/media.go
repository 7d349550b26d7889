// Package media reacts to headset events by driving desktop players over
// MPRIS and detaching the audio profile over BlueZ. Everything here is best
// effort: a missing player or a failed call is logged and swallowed, the
// protocol session never sees it.
package media

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"

	"aacpd/internal/aacp"
	"aacpd/internal/bluez"
)

const (
	mprisPrefix = "org.mpris.MediaPlayer2."
	playerPath  = dbus.ObjectPath("/org/mpris/MediaPlayer2")
	playerIface = "org.mpris.MediaPlayer2.Player"

	// duckFactor is how far volume drops while the wearer is talking.
	duckFactor = 0.25
)

// ProfileDisconnector detaches one profile from a device, leaving the
// link up. *bluez.Adapter implements it.
type ProfileDisconnector interface {
	DisconnectProfile(mac, uuid string) error
}

// Controller implements the session's media collaborator for one device.
type Controller struct {
	conn     *dbus.Conn
	log      logrus.FieldLogger
	profiles ProfileDisconnector
	mac      string

	mu     sync.Mutex
	paused []string           // players we paused, resumed on ear-in
	ducked map[string]float64 // original volumes while awareness is active
}

// NewController builds a controller for one device. conn is the session
// bus; profiles may be nil when profile deactivation is unavailable.
func NewController(conn *dbus.Conn, log logrus.FieldLogger, profiles ProfileDisconnector, mac string) *Controller {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Controller{
		conn:     conn,
		log:      log.WithField("mac", mac),
		profiles: profiles,
		mac:      mac,
		ducked:   make(map[string]float64),
	}
}

type earAction int

const (
	earNothing earAction = iota
	earPause
	earResume
)

// transition maps a wear change to the player action: a bud leaving an ear
// pauses, a bud returning resumes what was paused.
func transition(old, new aacp.EarState) earAction {
	before, after := wornCount(old), wornCount(new)
	switch {
	case after < before:
		return earPause
	case after > before:
		return earResume
	default:
		return earNothing
	}
}

// HandleEarDetection pauses playback when a bud leaves an ear and resumes
// whatever it paused when one returns.
func (c *Controller) HandleEarDetection(old, new aacp.EarState) {
	switch transition(old, new) {
	case earPause:
		c.PauseAll()
	case earResume:
		c.resume()
	}
}

// HandleConversationalAwareness ducks player volume while the wearer is
// speaking and restores it afterwards.
func (c *Controller) HandleConversationalAwareness(active bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if active {
		if len(c.ducked) > 0 {
			return
		}
		for _, name := range c.playerNames() {
			obj := c.conn.Object(name, playerPath)
			variant, err := obj.GetProperty(playerIface + ".Volume")
			if err != nil {
				continue
			}
			volume, ok := variant.Value().(float64)
			if !ok {
				continue
			}
			if err := obj.SetProperty(playerIface+".Volume", dbus.MakeVariant(volume*duckFactor)); err != nil {
				c.log.WithError(err).WithField("player", name).Debug("volume duck failed")
				continue
			}
			c.ducked[name] = volume
		}
		c.log.WithField("players", len(c.ducked)).Debug("volume ducked")
		return
	}

	for name, volume := range c.ducked {
		obj := c.conn.Object(name, playerPath)
		if err := obj.SetProperty(playerIface+".Volume", dbus.MakeVariant(volume)); err != nil {
			c.log.WithError(err).WithField("player", name).Debug("volume restore failed")
		}
	}
	c.ducked = make(map[string]float64)
}

// PauseAll pauses every playing player and remembers them for resume.
func (c *Controller) PauseAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, name := range c.playerNames() {
		obj := c.conn.Object(name, playerPath)
		variant, err := obj.GetProperty(playerIface + ".PlaybackStatus")
		if err != nil {
			continue
		}
		if status, _ := variant.Value().(string); status != "Playing" {
			continue
		}
		if err := obj.Call(playerIface+".Pause", 0).Err; err != nil {
			c.log.WithError(err).WithField("player", name).Debug("pause failed")
			continue
		}
		c.paused = append(c.paused, name)
	}
	if len(c.paused) > 0 {
		c.log.WithField("players", len(c.paused)).Debug("playback paused")
	}
}

func (c *Controller) resume() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, name := range c.paused {
		if err := c.conn.Object(name, playerPath).Call(playerIface+".Play", 0).Err; err != nil {
			c.log.WithError(err).WithField("player", name).Debug("resume failed")
		}
	}
	c.paused = nil
}

// DeactivateAudioProfile detaches the A2DP sink so another host can take
// the audio stream.
func (c *Controller) DeactivateAudioProfile() {
	if c.profiles == nil {
		return
	}
	if err := c.profiles.DisconnectProfile(c.mac, bluez.A2DPSinkUUID); err != nil {
		c.log.WithError(err).Debug("audio profile deactivation failed")
	}
}

// WatchPlayback blocks reporting playback starting on any local player,
// which the daemon uses to take the audio connection back from another
// host. Runs until the context is cancelled.
func (c *Controller) WatchPlayback(ctx context.Context, onPlaying func()) error {
	rule := fmt.Sprintf("type='signal',interface='org.freedesktop.DBus.Properties',member='PropertiesChanged',path='%s'", playerPath)
	if err := c.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule).Err; err != nil {
		return fmt.Errorf("add match rule: %w", err)
	}
	signals := make(chan *dbus.Signal, 16)
	c.conn.Signal(signals)
	defer c.conn.RemoveSignal(signals)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig, ok := <-signals:
			if !ok {
				return nil
			}
			if playbackStarted(sig) {
				onPlaying()
			}
		}
	}
}

// playerNames lists the MPRIS bus names currently on the session bus.
// Callers hold c.mu or otherwise serialize.
func (c *Controller) playerNames() []string {
	var names []string
	if err := c.conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		c.log.WithError(err).Debug("list names failed")
		return nil
	}
	return filterPlayers(names)
}

func filterPlayers(names []string) []string {
	var players []string
	for _, name := range names {
		if strings.HasPrefix(name, mprisPrefix) {
			players = append(players, name)
		}
	}
	return players
}

func playbackStarted(sig *dbus.Signal) bool {
	if sig.Name != "org.freedesktop.DBus.Properties.PropertiesChanged" || len(sig.Body) < 2 {
		return false
	}
	if iface, ok := sig.Body[0].(string); !ok || iface != playerIface {
		return false
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return false
	}
	status, _ := changed["PlaybackStatus"].Value().(string)
	return status == "Playing"
}

func wornCount(s aacp.EarState) int {
	n := 0
	if s.PrimaryInEar {
		n++
	}
	if s.SecondaryInEar {
		n++
	}
	return n
}

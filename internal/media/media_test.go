package media

import (
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"

	"aacpd/internal/aacp"
)

func ear(primary, secondary bool) aacp.EarState {
	return aacp.EarState{PrimaryInEar: primary, SecondaryInEar: secondary}
}

func TestTransition(t *testing.T) {
	cases := []struct {
		name     string
		old, new aacp.EarState
		want     earAction
	}{
		{"one bud removed", ear(true, true), ear(true, false), earPause},
		{"both removed at once", ear(true, true), ear(false, false), earPause},
		{"last bud removed", ear(true, false), ear(false, false), earPause},
		{"bud returned", ear(true, false), ear(true, true), earResume},
		{"from none to one", ear(false, false), ear(false, true), earResume},
		{"steady worn", ear(true, true), ear(true, true), earNothing},
		{"steady off", ear(false, false), ear(false, false), earNothing},
		{"swap which bud", ear(true, false), ear(false, true), earNothing},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, transition(tc.old, tc.new))
		})
	}
}

func TestFilterPlayers(t *testing.T) {
	names := []string{
		"org.freedesktop.DBus",
		"org.mpris.MediaPlayer2.spotify",
		"org.mpris.MediaPlayer2.firefox.instance_1_23",
		":1.42",
		"org.bluez",
	}
	assert.Equal(t, []string{
		"org.mpris.MediaPlayer2.spotify",
		"org.mpris.MediaPlayer2.firefox.instance_1_23",
	}, filterPlayers(names))
	assert.Nil(t, filterPlayers(nil))
}

func playerSignal(iface string, changed map[string]dbus.Variant) *dbus.Signal {
	return &dbus.Signal{
		Path: playerPath,
		Name: "org.freedesktop.DBus.Properties.PropertiesChanged",
		Body: []interface{}{iface, changed, []string{}},
	}
}

func TestPlaybackStarted(t *testing.T) {
	assert.True(t, playbackStarted(playerSignal(playerIface, map[string]dbus.Variant{
		"PlaybackStatus": dbus.MakeVariant("Playing"),
	})))

	assert.False(t, playbackStarted(playerSignal(playerIface, map[string]dbus.Variant{
		"PlaybackStatus": dbus.MakeVariant("Paused"),
	})), "pausing is not a start")
	assert.False(t, playbackStarted(playerSignal(playerIface, map[string]dbus.Variant{
		"Metadata": dbus.MakeVariant(map[string]dbus.Variant{}),
	})), "unrelated property change")
	assert.False(t, playbackStarted(playerSignal("org.mpris.MediaPlayer2", map[string]dbus.Variant{
		"PlaybackStatus": dbus.MakeVariant("Playing"),
	})), "wrong interface")
	assert.False(t, playbackStarted(&dbus.Signal{Name: "org.freedesktop.DBus.NameAcquired", Body: []interface{}{"x"}}))
}

package remote

import "github.com/charmbracelet/bubbles/help"

// HelpBindings returns the help.KeyMap for the focused pane.
func HelpBindings(focus Focus) help.KeyMap {
	if focus == PanePad {
		return PadKeyMap()
	}
	return DeviceKeyMap()
}

package remote

import "github.com/charmbracelet/bubbles/key"

// deviceKeys holds key bindings for the peripheral list.
type deviceKeys struct {
	Up         key.Binding
	Down       key.Binding
	Connect    key.Binding
	Scan       key.Binding
	Disconnect key.Binding
	Follow     key.Binding
	Tab        key.Binding
	Quit       key.Binding
}

// ShortHelp returns the peripheral list bindings for the help bar.
func (k deviceKeys) ShortHelp() []key.Binding {
	return []key.Binding{k.Up, k.Down, k.Connect, k.Scan, k.Disconnect, k.Tab, k.Quit}
}

// FullHelp returns the peripheral list bindings grouped for expanded help.
func (k deviceKeys) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Up, k.Down, k.Connect},
		{k.Scan, k.Disconnect, k.Follow},
		{k.Tab, k.Quit},
	}
}

// padKeys holds key bindings for the direction pad.
type padKeys struct {
	Forward    key.Binding
	Backward   key.Binding
	Left       key.Binding
	Right      key.Binding
	Stop       key.Binding
	Follow     key.Binding
	Disconnect key.Binding
	Tab        key.Binding
	Quit       key.Binding
}

// ShortHelp returns the pad bindings for the help bar.
func (k padKeys) ShortHelp() []key.Binding {
	return []key.Binding{k.Forward, k.Backward, k.Left, k.Right, k.Stop, k.Follow, k.Tab, k.Quit}
}

// FullHelp returns the pad bindings grouped for expanded help.
func (k padKeys) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Forward, k.Backward, k.Left, k.Right},
		{k.Stop, k.Follow, k.Disconnect},
		{k.Tab, k.Quit},
	}
}

// DeviceKeyMap returns the key bindings for the peripheral list.
func DeviceKeyMap() deviceKeys {
	return deviceKeys{
		Up: key.NewBinding(
			key.WithKeys("up", "k"),
			key.WithHelp("↑/k", "up"),
		),
		Down: key.NewBinding(
			key.WithKeys("down", "j"),
			key.WithHelp("↓/j", "down"),
		),
		Connect: key.NewBinding(
			key.WithKeys("enter"),
			key.WithHelp("enter", "connect"),
		),
		Scan: key.NewBinding(
			key.WithKeys("s"),
			key.WithHelp("s", "scan"),
		),
		Disconnect: disconnectBinding(),
		Follow:     followBinding(),
		Tab:        tabBinding(),
		Quit:       quitBinding(),
	}
}

// PadKeyMap returns the key bindings for the direction pad.
// Terminals report no key release, so a held key is recognised by its
// auto-repeat and released when the repeats stop.
func PadKeyMap() padKeys {
	return padKeys{
		Forward: key.NewBinding(
			key.WithKeys("up", "w"),
			key.WithHelp("↑/w", "forward"),
		),
		Backward: key.NewBinding(
			key.WithKeys("down", "s"),
			key.WithHelp("↓/s", "back"),
		),
		Left: key.NewBinding(
			key.WithKeys("left", "a"),
			key.WithHelp("←/a", "left"),
		),
		Right: key.NewBinding(
			key.WithKeys("right", "d"),
			key.WithHelp("→/d", "right"),
		),
		Stop: key.NewBinding(
			key.WithKeys(" ", "space"),
			key.WithHelp("space", "stop"),
		),
		Follow:     followBinding(),
		Disconnect: disconnectBinding(),
		Tab:        tabBinding(),
		Quit:       quitBinding(),
	}
}

func disconnectBinding() key.Binding {
	return key.NewBinding(
		key.WithKeys("x"),
		key.WithHelp("x", "disconnect"),
	)
}

func followBinding() key.Binding {
	return key.NewBinding(
		key.WithKeys("f"),
		key.WithHelp("f", "follow"),
	)
}

func tabBinding() key.Binding {
	return key.NewBinding(
		key.WithKeys("tab"),
		key.WithHelp("tab", "switch pane"),
	)
}

func quitBinding() key.Binding {
	return key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	)
}

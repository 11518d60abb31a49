package main

import "tinygo.org/x/bluetooth"

// radioAdapter returns the BlueZ adapter with the given id (e.g. "hci0").
func radioAdapter(id string) *bluetooth.Adapter {
	return bluetooth.NewAdapter(id)
}

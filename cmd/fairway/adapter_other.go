//go:build !linux

package main

import "tinygo.org/x/bluetooth"

// radioAdapter returns the system's only adapter; ids are a BlueZ concept.
func radioAdapter(string) *bluetooth.Adapter {
	return bluetooth.DefaultAdapter
}

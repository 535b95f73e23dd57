//go:build linux

package main

import (
	"fmt"

	goble "github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
)

// openHCI opens the default HCI adapter and installs it for BLE links.
func openHCI() (func() error, error) {
	d, err := linux.NewDevice()
	if err != nil {
		return nil, fmt.Errorf("opening HCI device: %w", err)
	}
	goble.SetDefaultDevice(d)
	return d.Stop, nil
}

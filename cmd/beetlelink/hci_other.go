//go:build !linux

package main

import "errors"

func openHCI() (func() error, error) {
	return nil, errors.New("BLE devices need a Linux HCI adapter; use a serial bridge instead")
}

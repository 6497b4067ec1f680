//go:build !no_serial

package main

import (
	"fmt"

	"github.com/tarm/serial"
)

type serialPort = *serial.Port

func openSerial(name string, baud int) (serialPort, error) {
	p, err := serial.OpenPort(&serial.Config{Name: name, Baud: baud})
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", name, err)
	}
	return p, nil
}

//go:build no_serial

package main

import (
	"errors"
	"io"
)

type serialPort = io.ReadCloser

func openSerial(string, int) (serialPort, error) {
	return nil, errors.New("built with no_serial: use -sim or -bridge")
}

package models

import "fmt"

// Sensor codes carried in gateway frames.
const (
	SensorTemperature byte = 1
	SensorHumidity    byte = 2
	SensorRainfall    byte = 3
)

// LegacyDataField is the single-value field older nodes send; it holds a
// temperature.
const LegacyDataField = "data"

func SensorName(code byte) string {
	switch code {
	case SensorTemperature:
		return "temperature"
	case SensorHumidity:
		return "humidity"
	case SensorRainfall:
		return "rainfall"
	default:
		return fmt.Sprintf("sensor_%d", code)
	}
}

// KnownField reports whether name is a field produced by a known sensor.
func KnownField(name string) bool {
	switch name {
	case "temperature", "humidity", "rainfall", LegacyDataField:
		return true
	}
	return false
}

// Package present turns metric forecast payloads into what a widget shows:
// converted values, condition labels and a bounded hourly table.
package present

import "github.com/kjstillabower/tourweather/internal/models"

// CelsiusToFahrenheit converts a temperature.
func CelsiusToFahrenheit(c float64) float64 {
	return c*9/5 + 32
}

// KmhToMph converts a wind speed.
func KmhToMph(kmh float64) float64 {
	return kmh * 0.621371
}

// Units holds display labels for a unit system.
type Units struct {
	System      models.UnitSystem `json:"system"`
	Temperature string            `json:"temperature"`
	WindSpeed   string            `json:"windSpeed"`
}

// UnitsFor returns display labels. Unknown systems are treated as metric.
func UnitsFor(u models.UnitSystem) Units {
	if u == models.Imperial {
		return Units{System: models.Imperial, Temperature: "°F", WindSpeed: "mph"}
	}
	return Units{System: models.Metric, Temperature: "°C", WindSpeed: "km/h"}
}

func temperature(c float64, u models.UnitSystem) float64 {
	if u == models.Imperial {
		return CelsiusToFahrenheit(c)
	}
	return c
}

func windSpeed(kmh float64, u models.UnitSystem) float64 {
	if u == models.Imperial {
		return KmhToMph(kmh)
	}
	return kmh
}

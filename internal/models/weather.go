package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Location is an entry of the location registry. Values are immutable once the registry is built.
type Location struct {
	ID          string  `json:"id" yaml:"id" validate:"required,max=64,locid"`
	DisplayName string  `json:"displayName" yaml:"display_name" validate:"required"`
	Latitude    float64 `json:"latitude" yaml:"latitude" validate:"latitude"`
	Longitude   float64 `json:"longitude" yaml:"longitude" validate:"longitude"`
}

// UnitSystem selects how temperatures and wind speeds are presented.
// Stored and fetched data is always metric.
type UnitSystem string

const (
	Metric   UnitSystem = "metric"
	Imperial UnitSystem = "imperial"
)

// ParseUnitSystem accepts "metric" or "imperial" in any case. Empty input is metric.
func ParseUnitSystem(s string) (UnitSystem, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(Metric):
		return Metric, nil
	case string(Imperial):
		return Imperial, nil
	}
	return "", fmt.Errorf("unknown unit system %q", s)
}

// Valid reports whether u is one of the known unit systems.
func (u UnitSystem) Valid() bool {
	return u == Metric || u == Imperial
}

// CacheKey derives the cache key for a location and unit system.
func CacheKey(locationID string, units UnitSystem) string {
	return locationID + "_" + string(units)
}

// Source tells where a fetch result came from.
type Source string

const (
	SourceCache Source = "cache"
	SourceLive  Source = "live"
)

// CurrentConditions is the "current" record of the Open-Meteo forecast response.
type CurrentConditions struct {
	Time                string  `json:"time"`
	Interval            int     `json:"interval,omitempty"`
	Temperature2m       float64 `json:"temperature_2m"`
	RelativeHumidity2m  float64 `json:"relative_humidity_2m"`
	ApparentTemperature float64 `json:"apparent_temperature"`
	WeatherCode         int     `json:"weather_code"`
	WindSpeed10m        float64 `json:"wind_speed_10m"`
}

// HourlyForecast holds parallel, time-ascending arrays. Lengths are not guaranteed to match.
type HourlyForecast struct {
	Time                []string  `json:"time"`
	Temperature2m       []float64 `json:"temperature_2m"`
	RelativeHumidity2m  []float64 `json:"relative_humidity_2m"`
	ApparentTemperature []float64 `json:"apparent_temperature,omitempty"`
	WeatherCode         []int     `json:"weather_code"`
	WindSpeed10m        []float64 `json:"wind_speed_10m"`
}

// WeatherPayload is the upstream response body, always in metric units.
type WeatherPayload struct {
	Latitude     float64           `json:"latitude"`
	Longitude    float64           `json:"longitude"`
	Timezone     string            `json:"timezone,omitempty"`
	CurrentUnits map[string]string `json:"current_units,omitempty"`
	Current      CurrentConditions `json:"current"`
	HourlyUnits  map[string]string `json:"hourly_units,omitempty"`
	Hourly       HourlyForecast    `json:"hourly"`

	// Raw is the body as received. Decoding fills it and encoding writes it back, so
	// fields the typed view does not declare survive the cache. Empty for payloads
	// built in code, which encode from the typed fields.
	Raw json.RawMessage `json:"-"`
}

// weatherPayloadFields has WeatherPayload's fields without its methods.
type weatherPayloadFields WeatherPayload

// UnmarshalJSON decodes the typed view and keeps a copy of data in Raw.
func (p *WeatherPayload) UnmarshalJSON(data []byte) error {
	var fields weatherPayloadFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	*p = WeatherPayload(fields)
	if t := bytes.TrimSpace(data); len(t) > 0 && !bytes.Equal(t, []byte("null")) {
		p.Raw = append(json.RawMessage(nil), t...)
	}
	return nil
}

// MarshalJSON writes Raw when present, otherwise the typed fields.
func (p WeatherPayload) MarshalJSON() ([]byte, error) {
	if len(p.Raw) > 0 {
		return p.Raw, nil
	}
	return json.Marshal(weatherPayloadFields(p))
}

// CacheEntry is a captured payload with its capture time in Unix milliseconds.
type CacheEntry struct {
	CapturedAtMillis int64          `json:"capturedAtMillis"`
	Payload          WeatherPayload `json:"payload"`
}

// CapturedAt returns the capture time.
func (e CacheEntry) CapturedAt() time.Time {
	return time.UnixMilli(e.CapturedAtMillis)
}

// FreshAt reports whether the entry is still valid at now for the given ttl.
// An entry exactly ttl old is still fresh.
func (e CacheEntry) FreshAt(now time.Time, ttl time.Duration) bool {
	return now.UnixMilli()-e.CapturedAtMillis <= ttl.Milliseconds()
}

// Preferences are the persisted user choices of a widget.
type Preferences struct {
	Units      UnitSystem `json:"units"`
	LocationID string     `json:"locationId"`
}

// FetchResult is what a widget fetch returns on success.
type FetchResult struct {
	Key        string         `json:"key"`
	Location   Location       `json:"location"`
	Units      UnitSystem     `json:"units"`
	Payload    WeatherPayload `json:"payload"`
	Source     Source         `json:"source"`
	CapturedAt time.Time      `json:"capturedAt"`
	// PersistErr is set when the fetch succeeded but the cache could not be written to durable storage.
	PersistErr error `json:"-"`
}

// Persisted reports whether the result is known to be in durable storage.
func (r FetchResult) Persisted() bool {
	return r.PersistErr == nil
}

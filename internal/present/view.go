package present

import (
	"fmt"
	"io"
	"math"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/kjstillabower/tourweather/internal/models"
)

// DefaultHourlyLimit is how many hourly rows a widget shows.
const DefaultHourlyLimit = 24

// CurrentView is the current-conditions block in display units.
type CurrentView struct {
	Time                string    `json:"time"`
	Temperature         float64   `json:"temperature"`
	ApparentTemperature float64   `json:"apparentTemperature"`
	RelativeHumidity    float64   `json:"relativeHumidity"`
	WindSpeed           float64   `json:"windSpeed"`
	WeatherCode         int       `json:"weatherCode"`
	Condition           Condition `json:"condition"`
}

// HourRow is one row of the hourly table.
type HourRow struct {
	Time             string    `json:"time"`
	Temperature      float64   `json:"temperature"`
	RelativeHumidity float64   `json:"relativeHumidity"`
	WindSpeed        float64   `json:"windSpeed"`
	WeatherCode      int       `json:"weatherCode"`
	Condition        Condition `json:"condition"`

	// ApparentTemperature is nil when the payload has no value for this hour.
	ApparentTemperature *float64 `json:"apparentTemperature,omitempty"`
}

// View is everything a client needs to draw the widget.
type View struct {
	Location   models.Location `json:"location"`
	Units      Units           `json:"units"`
	Source     models.Source   `json:"source"`
	CapturedAt time.Time       `json:"capturedAt"`
	Current    CurrentView     `json:"current"`
	Hourly     []HourRow       `json:"hourly"`
}

// Current converts the current record of a metric payload.
func Current(p models.WeatherPayload, u models.UnitSystem) CurrentView {
	c := p.Current
	return CurrentView{
		Time:                c.Time,
		Temperature:         round1(temperature(c.Temperature2m, u)),
		ApparentTemperature: round1(temperature(c.ApparentTemperature, u)),
		RelativeHumidity:    c.RelativeHumidity2m,
		WindSpeed:           round1(windSpeed(c.WindSpeed10m, u)),
		WeatherCode:         c.WeatherCode,
		Condition:           DescribeCode(c.WeatherCode),
	}
}

// Hourly builds up to limit rows over the shortest of the time, temperature, weather code,
// humidity and wind arrays, so ragged payloads are truncated rather than indexed past the
// end. Apparent temperature is optional and filled where its array reaches.
// limit <= 0 means no limit.
func Hourly(p models.WeatherPayload, u models.UnitSystem, limit int) []HourRow {
	h := p.Hourly
	n := min(len(h.Time), len(h.Temperature2m), len(h.WeatherCode), len(h.RelativeHumidity2m), len(h.WindSpeed10m))
	if limit > 0 && limit < n {
		n = limit
	}
	rows := make([]HourRow, 0, n)
	for i := 0; i < n; i++ {
		row := HourRow{
			Time:             h.Time[i],
			Temperature:      round1(temperature(h.Temperature2m[i], u)),
			RelativeHumidity: h.RelativeHumidity2m[i],
			WindSpeed:        round1(windSpeed(h.WindSpeed10m[i], u)),
			WeatherCode:      h.WeatherCode[i],
			Condition:        DescribeCode(h.WeatherCode[i]),
		}
		if i < len(h.ApparentTemperature) {
			feels := round1(temperature(h.ApparentTemperature[i], u))
			row.ApparentTemperature = &feels
		}
		rows = append(rows, row)
	}
	return rows
}

// Build assembles the view for a fetch result.
func Build(r models.FetchResult, limit int) View {
	return View{
		Location:   r.Location,
		Units:      UnitsFor(r.Units),
		Source:     r.Source,
		CapturedAt: r.CapturedAt,
		Current:    Current(r.Payload, r.Units),
		Hourly:     Hourly(r.Payload, r.Units, limit),
	}
}

// Text renders a view for a terminal.
func Text(w io.Writer, v View) error {
	var b strings.Builder
	c := v.Current
	fmt.Fprintf(&b, "%s  %s %s\n", v.Location.DisplayName, c.Condition.Icon, c.Condition.Label)
	fmt.Fprintf(&b, "  %.1f%s (feels like %.1f%s)  humidity %.0f%%  wind %.1f %s\n",
		c.Temperature, v.Units.Temperature,
		c.ApparentTemperature, v.Units.Temperature,
		c.RelativeHumidity,
		c.WindSpeed, v.Units.WindSpeed)
	fmt.Fprintf(&b, "  as of %s (%s)\n\n", c.Time, v.Source)
	if _, err := io.WriteString(w, b.String()); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, row := range v.Hourly {
		fmt.Fprintf(tw, "  %s\t%.1f%s\t%.0f%%\t%.1f %s\t%s %s\n",
			hourLabel(row.Time), row.Temperature, v.Units.Temperature,
			row.RelativeHumidity, row.WindSpeed, v.Units.WindSpeed,
			row.Condition.Icon, row.Condition.Label)
	}
	return tw.Flush()
}

// hourLabel shortens Open-Meteo's "2006-01-02T15:04" to "15:04".
func hourLabel(ts string) string {
	if t, err := time.Parse("2006-01-02T15:04", ts); err == nil {
		return t.Format("15:04")
	}
	return ts
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

package present

// Condition is the icon and label shown for a WMO weather code.
type Condition struct {
	Icon  string `json:"icon"`
	Label string `json:"label"`
}

var (
	condClear        = Condition{Icon: "☀️", Label: "Clear sky"}
	condPartlyCloudy = Condition{Icon: "⛅", Label: "Partly cloudy"}
	condOvercast     = Condition{Icon: "☁️", Label: "Overcast"}
	condFog          = Condition{Icon: "🌫️", Label: "Fog"}
	condDrizzle      = Condition{Icon: "🌦️", Label: "Drizzle"}
	condFreezingDriz = Condition{Icon: "🌧️", Label: "Freezing drizzle"}
	condRain         = Condition{Icon: "🌧️", Label: "Rain"}
	condFreezingRain = Condition{Icon: "🌨️", Label: "Freezing rain"}
	condSnow         = Condition{Icon: "❄️", Label: "Snow"}
	condSnowGrains   = Condition{Icon: "🌨️", Label: "Snow grains"}
	condShowers      = Condition{Icon: "🌦️", Label: "Showers"}
	condThunder      = Condition{Icon: "⛈️", Label: "Thunderstorm"}
	condThunderHail  = Condition{Icon: "⛈️", Label: "Thunderstorm with hail"}

	// Variable is shown for codes outside the table.
	Variable = Condition{Icon: "🌤️", Label: "Variable"}
)

var conditionsByCode = map[int]Condition{
	0:  condClear,
	1:  condPartlyCloudy,
	2:  condPartlyCloudy,
	3:  condOvercast,
	45: condFog,
	48: condFog,
	51: condDrizzle,
	53: condDrizzle,
	55: condDrizzle,
	56: condFreezingDriz,
	57: condFreezingDriz,
	61: condRain,
	63: condRain,
	65: condRain,
	66: condFreezingRain,
	67: condFreezingRain,
	71: condSnow,
	73: condSnow,
	75: condSnow,
	77: condSnowGrains,
	80: condShowers,
	81: condShowers,
	82: condShowers,
	85: condShowers,
	86: condShowers,
	95: condThunder,
	96: condThunderHail,
	99: condThunderHail,
}

// DescribeCode maps a WMO weather code to a condition. Never fails.
func DescribeCode(code int) Condition {
	if c, ok := conditionsByCode[code]; ok {
		return c
	}
	return Variable
}

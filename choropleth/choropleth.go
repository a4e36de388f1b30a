// Package choropleth maps a regional statistic onto a fixed stepped palette.
// Region fills and legend swatches both come from Colorize.
package choropleth

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/lucasb-eyer/go-colorful"
)

// NoData is used when a region has no value or the scale has no maximum.
var NoData = mustHex("#e5e7eb")

// Step is one band of the scale: ratios strictly above Above get Color.
type Step struct {
	Above float64
	Color colorful.Color
}

// Steps is ordered darkest first. The first matching band wins.
var Steps = []Step{
	{Above: 0.8, Color: mustHex("#1e3a8a")},
	{Above: 0.6, Color: mustHex("#1d4ed8")},
	{Above: 0.4, Color: mustHex("#3b82f6")},
	{Above: 0.2, Color: mustHex("#93c5fd")},
	{Above: 0, Color: mustHex("#dbeafe")},
}

// Colorize returns the colour of value on a scale topping out at max.
func Colorize(value, max float64) colorful.Color {
	if max <= 0 {
		return NoData
	}
	ratio := value / max
	for _, s := range Steps {
		if ratio > s.Above {
			return s.Color
		}
	}
	return NoData
}

// Hex is Colorize formatted as #rrggbb.
func Hex(value, max float64) string {
	return Colorize(value, max).Hex()
}

type Swatch struct {
	Color string  `json:"color"`
	From  float64 `json:"from"`
	To    float64 `json:"to"`
	Label string  `json:"label"`
}

// Legend lists the swatches for a scale, darkest first, followed by the
// no-data swatch. Each swatch colour is computed by Colorize on the middle of
// its band.
func Legend(max float64) []Swatch {
	noData := Swatch{Color: NoData.Hex(), Label: "Ingen data"}
	if max <= 0 {
		return []Swatch{noData}
	}

	swatches := make([]Swatch, 0, len(Steps)+1)
	upper := 1.0
	for _, s := range Steps {
		from, to := s.Above*max, upper*max
		mid := (from + to) / 2
		swatches = append(swatches, Swatch{
			Color: Hex(mid, max),
			From:  from,
			To:    to,
			Label: fmt.Sprintf("%s – %s", formatValue(from), formatValue(to)),
		})
		upper = s.Above
	}
	return append(swatches, noData)
}

func formatValue(v float64) string {
	if v >= 10 || v == float64(int64(v)) {
		return humanize.Comma(int64(v + 0.5))
	}
	return humanize.CommafWithDigits(v, 1)
}

// mustHex parses a "#rrggbb" colour and panics if it is malformed.
func mustHex(s string) colorful.Color {
	c, err := colorful.Hex(s)
	if err != nil {
		panic("choropleth: " + err.Error())
	}
	return c
}

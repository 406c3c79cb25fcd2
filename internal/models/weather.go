package models

import (
	"math"
	"strings"
	"time"
)

// City is a board entry with fixed coordinates. Identity is Name, compared case-insensitively.
type City struct {
	Name    string   `json:"name"`
	Lat     float64  `json:"lat"`
	Lon     float64  `json:"lon"`
	Aliases []string `json:"aliases,omitempty"`
}

// Matches reports whether query names this city, by name or alias, ignoring case and surrounding space.
func (c City) Matches(query string) bool {
	q := strings.TrimSpace(query)
	if q == "" {
		return false
	}
	if strings.EqualFold(c.Name, q) {
		return true
	}
	for _, a := range c.Aliases {
		if strings.EqualFold(a, q) {
			return true
		}
	}
	return false
}

// AirQuality holds pollutant concentrations as reported by the provider.
type AirQuality struct {
	CO         float64 `json:"co"`
	NO2        float64 `json:"no2"`
	O3         float64 `json:"o3"`
	SO2        float64 `json:"so2"`
	PM2_5      float64 `json:"pm2_5"`
	PM10       float64 `json:"pm10"`
	USEPAIndex int     `json:"usEpaIndex"`
}

// WeatherRecord is a normalized current-conditions snapshot for one city.
// Records are replaced wholesale on every successful fetch.
type WeatherRecord struct {
	City        string      `json:"city"`
	Temperature int         `json:"temperature"`
	FeelsLike   int         `json:"feelsLike"`
	Humidity    int         `json:"humidity"`
	WindSpeed   float64     `json:"windSpeed"`
	WindDegree  int         `json:"windDeg"`
	Pressure    float64     `json:"pressure"`
	Description string      `json:"description"`
	Icon        string      `json:"icon"`
	AirQuality  *AirQuality `json:"airQuality,omitempty"`
	FetchedAt   time.Time   `json:"fetchedAt"`
}

var compassPoints = [8]string{"N", "NE", "E", "SE", "S", "SW", "W", "NW"}

// CompassPoint returns the 8-point compass label for a wind direction in degrees.
func CompassPoint(degrees int) string {
	idx := int(math.Round(float64(degrees)/45)) % 8
	if idx < 0 {
		idx += 8
	}
	return compassPoints[idx]
}

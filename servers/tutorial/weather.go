package tutorial

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

const maxForecastPeriods = 5

type alertsResponse struct {
	Features []alertFeature `json:"features"`
}

type alertFeature struct {
	Properties map[string]any `json:"properties"`
}

type pointsResponse struct {
	Properties struct {
		Forecast string `json:"forecast"`
	} `json:"properties"`
}

type forecastResponse struct {
	Properties struct {
		Periods []forecastPeriod `json:"periods"`
	} `json:"properties"`
}

type forecastPeriod struct {
	Name             string `json:"name"`
	Temperature      any    `json:"temperature"`
	TemperatureUnit  string `json:"temperatureUnit"`
	WindSpeed        string `json:"windSpeed"`
	WindDirection    string `json:"windDirection"`
	DetailedForecast string `json:"detailedForecast"`
}

// fetchNWS GETs url and decodes the JSON body into v. Any failure is reported as false, since the
// weather tools answer with a readable message instead of an error.
func (s *Server) fetchNWS(ctx context.Context, url string, v any) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		s.logger.Warn("failed to create NWS request", slog.String("url", url), slog.String("err", err.Error()))
		return false
	}
	req.Header.Set("User-Agent", nwsUserAgent)
	req.Header.Set("Accept", "application/geo+json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.Warn("failed to call NWS", slog.String("url", url), slog.String("err", err.Error()))
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.logger.Warn("NWS returned an error status", slog.String("url", url), slog.Int("status", resp.StatusCode))
		return false
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		s.logger.Warn("failed to decode NWS response", slog.String("url", url), slog.String("err", err.Error()))
		return false
	}
	return true
}

func formatAlert(feature alertFeature) string {
	prop := func(key, fallback string) string {
		v, ok := feature.Properties[key].(string)
		if !ok || v == "" {
			return fallback
		}
		return v
	}

	return fmt.Sprintf("Event: %s\nArea: %s\nSeverity: %s\nDescription: %s\nInstructions: %s",
		prop("event", "Unknown"),
		prop("areaDesc", "Unknown"),
		prop("severity", "Unknown"),
		prop("description", "No description available"),
		prop("instruction", "No specific instructions provided"),
	)
}

func formatForecast(periods []forecastPeriod) string {
	if len(periods) > maxForecastPeriods {
		periods = periods[:maxForecastPeriods]
	}

	forecasts := make([]string, 0, len(periods))
	for _, p := range periods {
		forecasts = append(forecasts, fmt.Sprintf("%s:\nTemperature: %v°%s\nWind: %s %s\nForecast: %s",
			p.Name, p.Temperature, p.TemperatureUnit, p.WindSpeed, p.WindDirection, p.DetailedForecast))
	}
	return strings.Join(forecasts, "\n---\n")
}

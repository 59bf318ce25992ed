package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"printer_link/internal/pacer"
	"printer_link/internal/service"
)

// Request payloads shared by the REST routes and the /ws methods.

type temperatureRequest struct {
	// Tool is a nozzle index or "bed".
	Tool   json.RawMessage `json:"tool"`
	Target *float64        `json:"target"`
}

func (r temperatureRequest) heater() (int, error) {
	if r.Target == nil {
		return 0, fmt.Errorf("%w: target is required", service.ErrInvalidRequest)
	}
	raw := strings.TrimSpace(string(r.Tool))
	if raw == "" || raw == "null" {
		return 0, fmt.Errorf("%w: tool is required", service.ErrInvalidRequest)
	}
	var name string
	if err := json.Unmarshal(r.Tool, &name); err == nil {
		if strings.EqualFold(name, "bed") {
			return service.BedHeater, nil
		}
		return 0, fmt.Errorf("%w: unknown heater %q", service.ErrInvalidRequest, name)
	}
	var idx int
	if err := json.Unmarshal(r.Tool, &idx); err != nil || idx < 0 {
		return 0, fmt.Errorf("%w: tool must be a nozzle index or \"bed\"", service.ErrInvalidRequest)
	}
	return idx, nil
}

type homeRequest struct {
	X bool `json:"x"`
	Y bool `json:"y"`
	Z bool `json:"z"`
}

type moveRequest struct {
	X        *float64 `json:"x"`
	Y        *float64 `json:"y"`
	Z        *float64 `json:"z"`
	Relative bool     `json:"relative"`
	Feedrate float64  `json:"feedrate"`
}

func (r moveRequest) params() service.MoveParams {
	return service.MoveParams{X: r.X, Y: r.Y, Z: r.Z, Relative: r.Relative, Feedrate: r.Feedrate}
}

type gcodeRequest struct {
	Line string `json:"line"`
}

type printRequest struct {
	Path          string `json:"path"`
	FromBeginning bool   `json:"from_beginning"`
}

type pathRequest struct {
	Path string `json:"path"`
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidRequest),
		errors.Is(err, service.ErrInvalidPath),
		errors.Is(err, pacer.ErrInvalidCommand):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrNotReady),
		errors.Is(err, service.ErrJobAlreadyActive),
		errors.Is(err, service.ErrNoActiveJob):
		return http.StatusConflict
	case errors.Is(err, pacer.ErrBacklogFull):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

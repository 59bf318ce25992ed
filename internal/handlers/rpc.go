package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"printer_link/internal/service"
)

var (
	errMalformedRequest = fmt.Errorf("%w: malformed request", service.ErrInvalidRequest)
	errUnknownMethod    = errors.New("unknown method")
)

type okResult struct {
	Status string `json:"status"`
}

// done turns a command error into a call result.
func done(err error) (any, error) {
	if err != nil {
		return nil, err
	}
	return okResult{Status: "ok"}, nil
}

// dispatch runs one /ws call against the services.
func (h *Handler) dispatch(ctx context.Context, method string, params json.RawMessage) (any, error) {
	s := h.services
	switch method {
	case "get_status":
		st, err := s.Monitoring.GetState(ctx)
		if err != nil {
			return nil, err
		}
		return st, nil

	case "set_temperature":
		var req temperatureRequest
		if err := decodeParams(params, &req); err != nil {
			return nil, err
		}
		heater, err := req.heater()
		if err != nil {
			return nil, err
		}
		return done(s.Printer.SetTemperature(heater, *req.Target))

	case "print_file":
		var req printRequest
		if err := decodeParams(params, &req); err != nil {
			return nil, err
		}
		job, err := s.Jobs.Start(ctx, req.Path, service.StartOptions{FromBeginning: req.FromBeginning})
		if err != nil {
			return nil, err
		}
		return job, nil

	case "pause_print":
		return done(s.Jobs.Pause())
	case "resume_print":
		return done(s.Jobs.Resume())
	case "cancel_print":
		return done(s.Jobs.Cancel())

	case "list_gcode_files":
		files, err := s.Files.List()
		if err != nil {
			return nil, err
		}
		return files, nil

	case "delete_gcode_file":
		var req pathRequest
		if err := decodeParams(params, &req); err != nil {
			return nil, err
		}
		if req.Path == "" {
			return nil, fmt.Errorf("%w: path is required", service.ErrInvalidRequest)
		}
		return done(s.Files.Delete(req.Path))

	case "home":
		var req homeRequest
		if err := decodeParams(params, &req); err != nil {
			return nil, err
		}
		return done(s.Printer.Home(service.HomeAxes{X: req.X, Y: req.Y, Z: req.Z}))

	case "move":
		var req moveRequest
		if err := decodeParams(params, &req); err != nil {
			return nil, err
		}
		return done(s.Printer.Move(req.params()))

	case "send_gcode":
		var req gcodeRequest
		if err := decodeParams(params, &req); err != nil {
			return nil, err
		}
		return done(s.Printer.SendGcode(req.Line))

	case "request_position":
		return done(s.Printer.RequestPosition())
	case "emergency_stop":
		return done(s.Printer.EmergencyStop())
	case "reset":
		return done(s.Printer.Reset())

	default:
		return nil, fmt.Errorf("%w %q", errUnknownMethod, method)
	}
}

func decodeParams(raw json.RawMessage, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: bad params: %v", service.ErrInvalidRequest, err)
	}
	return nil
}

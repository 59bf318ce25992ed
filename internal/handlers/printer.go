package handlers

import (
	"net/http"

	"printer_link/internal/service"

	"github.com/gin-gonic/gin"
)

const (
	statusOK       = "ok"
	statusQueued   = "queued"
	statusStopped  = "stopped"
	statusReset    = "reset"
	errInvalidBody = "invalid body: "
	errGetState    = "failed to load state"
)

// logAndJSONError writes userMsg with the given status. Server errors are
// logged, client errors are not.
func (h *Handler) logAndJSONError(c *gin.Context, httpCode int, userMsg, logKey string, err error, kv ...interface{}) {
	if err != nil && httpCode >= http.StatusInternalServerError {
		fields := append([]interface{}{"err", err}, kv...)
		h.log.Errorw(logKey, fields...)
	}
	c.JSON(httpCode, gin.H{"error": userMsg})
}

// fail maps a service error to its status and writes it.
func (h *Handler) fail(c *gin.Context, logKey string, err error, kv ...interface{}) {
	h.logAndJSONError(c, statusFor(err), err.Error(), logKey, err, kv...)
}

// respondWithStatusAndState answers a command with the current snapshot.
func (h *Handler) respondWithStatusAndState(c *gin.Context, status string, extra gin.H) {
	resp := gin.H{"status": status}
	for k, v := range extra {
		resp[k] = v
	}
	if st, err := h.services.Monitoring.GetState(c.Request.Context()); err == nil {
		resp["state"] = st
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) bindBody(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errInvalidBody + err.Error()})
		return false
	}
	return true
}

// @Summary      Health check
// @Tags         system
// @Produce      json
// @Success      200  {object}  map[string]string
// @Router       /health [get]
func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": statusOK})
}

// @Summary      Get printer state
// @Tags         printer
// @Produce      json
// @Success      200  {object}  printer_link.Snapshot
// @Failure      401  {object}  map[string]string
// @Failure      500  {object}  map[string]string
// @Router       /api/v1/printer/state [get]
// @Security     BearerAuth
func (h *Handler) getState(c *gin.Context) {
	st, err := h.services.Monitoring.GetState(c.Request.Context())
	if err != nil {
		h.logAndJSONError(c, http.StatusInternalServerError, errGetState, "printer_get_state_failed", err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// @Summary      List serial ports
// @Tags         printer
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "ports"
// @Router       /api/v1/printer/ports [get]
// @Security     BearerAuth
func (h *Handler) listPorts(c *gin.Context) {
	ports, err := h.services.Printer.Ports()
	if err != nil {
		h.logAndJSONError(c, http.StatusInternalServerError, "failed to list ports", "printer_list_ports_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ports": ports})
}

// @Summary      Set a heater target
// @Description  tool is a nozzle index or "bed"; target 0 turns the heater off
// @Tags         printer
// @Accept       json
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Failure      400  {object}  map[string]string
// @Failure      409  {object}  map[string]string
// @Router       /api/v1/printer/temperature [post]
// @Security     BearerAuth
func (h *Handler) setTemperature(c *gin.Context) {
	var req temperatureRequest
	if !h.bindBody(c, &req) {
		return
	}
	heater, err := req.heater()
	if err != nil {
		h.fail(c, "printer_set_temperature_failed", err)
		return
	}
	if err := h.services.Printer.SetTemperature(heater, *req.Target); err != nil {
		h.fail(c, "printer_set_temperature_failed", err, "heater", heater)
		return
	}
	h.respondWithStatusAndState(c, statusQueued, nil)
}

// @Summary      Home axes
// @Description  No axis flags homes all axes
// @Tags         printer
// @Accept       json
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Failure      409  {object}  map[string]string
// @Router       /api/v1/printer/home [post]
// @Security     BearerAuth
func (h *Handler) home(c *gin.Context) {
	var req homeRequest
	if c.Request.ContentLength != 0 && !h.bindBody(c, &req) {
		return
	}
	if err := h.services.Printer.Home(service.HomeAxes{X: req.X, Y: req.Y, Z: req.Z}); err != nil {
		h.fail(c, "printer_home_failed", err)
		return
	}
	h.respondWithStatusAndState(c, statusQueued, nil)
}

// @Summary      Move the toolhead
// @Tags         printer
// @Accept       json
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Failure      400  {object}  map[string]string
// @Failure      409  {object}  map[string]string
// @Router       /api/v1/printer/move [post]
// @Security     BearerAuth
func (h *Handler) move(c *gin.Context) {
	var req moveRequest
	if !h.bindBody(c, &req) {
		return
	}
	if err := h.services.Printer.Move(req.params()); err != nil {
		h.fail(c, "printer_move_failed", err)
		return
	}
	h.respondWithStatusAndState(c, statusQueued, nil)
}

// @Summary      Send one raw gcode line
// @Tags         printer
// @Accept       json
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Failure      400  {object}  map[string]string
// @Failure      409  {object}  map[string]string
// @Router       /api/v1/printer/gcode [post]
// @Security     BearerAuth
func (h *Handler) sendGcode(c *gin.Context) {
	var req gcodeRequest
	if !h.bindBody(c, &req) {
		return
	}
	if err := h.services.Printer.SendGcode(req.Line); err != nil {
		h.fail(c, "printer_send_gcode_failed", err, "line", req.Line)
		return
	}
	h.respondWithStatusAndState(c, statusQueued, gin.H{"line": req.Line})
}

// @Summary      Request the toolhead position
// @Tags         printer
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Router       /api/v1/printer/position [post]
// @Security     BearerAuth
func (h *Handler) requestPosition(c *gin.Context) {
	if err := h.services.Printer.RequestPosition(); err != nil {
		h.fail(c, "printer_request_position_failed", err)
		return
	}
	h.respondWithStatusAndState(c, statusQueued, nil)
}

// @Summary      Emergency stop
// @Description  Sends M112 immediately and cancels the active job
// @Tags         printer
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Router       /api/v1/printer/emergency_stop [post]
// @Security     BearerAuth
func (h *Handler) emergencyStop(c *gin.Context) {
	if err := h.services.Printer.EmergencyStop(); err != nil {
		h.fail(c, "printer_emergency_stop_failed", err)
		return
	}
	h.respondWithStatusAndState(c, statusStopped, nil)
}

// @Summary      Clear the error state
// @Tags         printer
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Router       /api/v1/printer/reset [post]
// @Security     BearerAuth
func (h *Handler) reset(c *gin.Context) {
	if err := h.services.Printer.Reset(); err != nil {
		h.fail(c, "printer_reset_failed", err)
		return
	}
	h.respondWithStatusAndState(c, statusReset, nil)
}

// @Summary      List observer queues
// @Tags         system
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "count, observers"
// @Router       /api/v1/observers [get]
// @Security     BearerAuth
func (h *Handler) listObservers(c *gin.Context) {
	stats := h.services.Observers.Stats()
	c.JSON(http.StatusOK, gin.H{"count": len(stats), "observers": stats})
}

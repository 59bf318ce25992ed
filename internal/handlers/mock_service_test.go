package handlers

import (
	"context"
	"net/http"
	"time"

	"printer_link"
	"printer_link/internal/models"
	"printer_link/internal/service"

	"github.com/gin-gonic/gin"
)

// ---- Service Mocks ----

type mockAuth struct {
	signUpID      int
	signUpErr     error
	genTokenToken string
	genTokenErr   error
	parseID       int
	parseErr      error

	lastSignUpUsername string
	lastGenUsername    string
	lastParseToken     string
}

func (m *mockAuth) SignUp(username, _ string) (int, error) {
	m.lastSignUpUsername = username
	return m.signUpID, m.signUpErr
}
func (m *mockAuth) GenerateToken(username, _ string) (string, error) {
	m.lastGenUsername = username
	return m.genTokenToken, m.genTokenErr
}
func (m *mockAuth) ParseToken(token string) (int, error) {
	m.lastParseToken = token
	return m.parseID, m.parseErr
}

// mockPrinter records the last call of each kind and returns err from all
// of them.
type mockPrinter struct {
	state printer_link.Snapshot
	ports []string
	err   error

	calls      []string
	lastHeater int
	lastTarget float64
	lastHome   service.HomeAxes
	lastMove   service.MoveParams
	lastLine   string
}

func (m *mockPrinter) State() printer_link.Snapshot { return m.state }
func (m *mockPrinter) SetTemperature(heater int, target float64) error {
	m.calls = append(m.calls, "set_temperature")
	m.lastHeater, m.lastTarget = heater, target
	return m.err
}
func (m *mockPrinter) Home(axes service.HomeAxes) error {
	m.calls = append(m.calls, "home")
	m.lastHome = axes
	return m.err
}
func (m *mockPrinter) Move(p service.MoveParams) error {
	m.calls = append(m.calls, "move")
	m.lastMove = p
	return m.err
}
func (m *mockPrinter) SendGcode(line string) error {
	m.calls = append(m.calls, "send_gcode")
	m.lastLine = line
	return m.err
}
func (m *mockPrinter) EmergencyStop() error {
	m.calls = append(m.calls, "emergency_stop")
	return m.err
}
func (m *mockPrinter) Reset() error {
	m.calls = append(m.calls, "reset")
	return m.err
}
func (m *mockPrinter) RequestPosition() error {
	m.calls = append(m.calls, "request_position")
	return m.err
}
func (m *mockPrinter) Ports() ([]string, error) { return m.ports, m.err }

type mockJobs struct {
	view    printer_link.JobView
	history []models.JobCheckpoint
	err     error

	calls    []string
	lastPath string
	lastOpts service.StartOptions
}

func (m *mockJobs) Start(_ context.Context, path string, opts service.StartOptions) (printer_link.JobView, error) {
	m.calls = append(m.calls, "start")
	m.lastPath, m.lastOpts = path, opts
	if m.err != nil {
		return printer_link.JobView{}, m.err
	}
	return m.view, nil
}
func (m *mockJobs) Pause() error  { m.calls = append(m.calls, "pause"); return m.err }
func (m *mockJobs) Resume() error { m.calls = append(m.calls, "resume"); return m.err }
func (m *mockJobs) Cancel() error { m.calls = append(m.calls, "cancel"); return m.err }
func (m *mockJobs) History(context.Context) ([]models.JobCheckpoint, error) {
	return m.history, m.err
}

type mockFiles struct {
	files       []printer_link.GcodeFile
	err         error
	lastDeleted string
}

func (m *mockFiles) List() ([]printer_link.GcodeFile, error) { return m.files, m.err }
func (m *mockFiles) Delete(path string) error {
	m.lastDeleted = path
	return m.err
}

type mockMonitoring struct {
	state printer_link.Snapshot
	err   error
}

func (m *mockMonitoring) GetState(context.Context) (printer_link.Snapshot, error) {
	return m.state, m.err
}

type mockEventLog struct {
	resp     []models.PrinterEvent
	err      error
	lastFrom string
	lastTo   string
	lastType string
	lastJob  string
	lastLim  int
}

func (m *mockEventLog) List(_ context.Context, f service.LogFilter) ([]models.PrinterEvent, error) {
	if !f.From.IsZero() {
		m.lastFrom = f.From.Format(time.RFC3339Nano)
	}
	if !f.To.IsZero() {
		m.lastTo = f.To.Format(time.RFC3339Nano)
	}
	m.lastType = f.Type
	m.lastJob, m.lastLim = f.JobID, f.Limit
	return m.resp, m.err
}

// ---- Shared Test Helpers ----

func newTestRouter(s *service.Service) *gin.Engine {
	h := NewHandler(s, nil)
	gin.SetMode(gin.TestMode)
	return h.InitRoutes()
}

func authHeader(token string) http.Header {
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return h
}

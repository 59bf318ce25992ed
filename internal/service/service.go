package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"printer_link"
	"printer_link/internal/hub"
	"printer_link/internal/logger"
	"printer_link/internal/models"
	"printer_link/internal/repository"
)

var (
	ErrNotReady         = errors.New("printer not ready")
	ErrJobAlreadyActive = errors.New("a print job is already active")
	ErrNoActiveJob      = errors.New("no active print job")
	ErrInvalidPath      = errors.New("invalid gcode path")
	ErrInvalidRequest   = errors.New("invalid request")
)

type Authorization interface {
	SignUp(username, password string) (int, error)
	GenerateToken(username, password string) (string, error)
	ParseToken(accessToken string) (int, error)
}

// Printer exposes operator commands on the connected printer.
type Printer interface {
	State() printer_link.Snapshot
	SetTemperature(heater int, target float64) error
	Home(axes HomeAxes) error
	Move(p MoveParams) error
	SendGcode(line string) error
	EmergencyStop() error
	Reset() error
	RequestPosition() error
	Ports() ([]string, error)
}

// Jobs controls the print job.
type Jobs interface {
	Start(ctx context.Context, path string, opts StartOptions) (printer_link.JobView, error)
	Pause() error
	Resume() error
	Cancel() error
	History(ctx context.Context) ([]models.JobCheckpoint, error)
}

// Files manages the gcode directory.
type Files interface {
	List() ([]printer_link.GcodeFile, error)
	Delete(path string) error
}

// Monitoring exposes the last published snapshot.
type Monitoring interface {
	GetState(ctx context.Context) (printer_link.Snapshot, error)
}

// EventLog exposes the persisted printer history.
type EventLog interface {
	List(ctx context.Context, f LogFilter) ([]models.PrinterEvent, error)
}

// Observers is the push side: one bounded queue per connected client.
type Observers interface {
	Subscribe() *hub.Subscriber
	Unsubscribe(id string)
	Stats() []hub.SubscriberStats
}

type Service struct {
	Printer
	Jobs
	Files
	Monitoring
	EventLog
	Observers
	Authorization

	printer  *PrinterService
	recorder *Recorder
}

// Options carries everything NewService needs besides repositories.
type Options struct {
	Printer    PrinterOptions
	Connector  Connector
	Hub        *hub.Hub
	FilesDir   string
	DBTimeout  time.Duration
	SigningKey string
	TokenTTL   time.Duration
	Log        *logger.Logger
}

// NewService wires the repository layer and the printer link into the
// concrete services.
func NewService(repos *repository.Repository, opts Options) *Service {
	log := logger.OrNop(opts.Log)
	rec := NewRecorder(repos.EventRepo, repos.JobRepo, opts.DBTimeout, log.Named("recorder"))
	printer := NewPrinterService(opts.Printer, opts.Connector, opts.Hub, rec, log.Named("printer"))
	files := NewFileStore(opts.FilesDir)

	return &Service{
		Printer:       printer,
		Jobs:          NewJobController(printer, files, repos.JobRepo, opts.DBTimeout),
		Files:         files,
		Monitoring:    NewMonitoringService(opts.Hub, opts.Printer.Tools),
		EventLog:      NewEventLogService(repos.EventRepo),
		Observers:     opts.Hub,
		Authorization: NewAuthService(repos.Auth, opts.SigningKey, opts.TokenTTL),
		printer:       printer,
		recorder:      rec,
	}
}

// Run drives the printer link until ctx is done. The recorder outlives the
// link so the final disconnect is persisted too.
func (s *Service) Run(ctx context.Context) {
	recCtx, stopRecorder := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.recorder.Run(recCtx)
	}()

	_ = s.printer.Run(ctx)
	stopRecorder()
	wg.Wait()
}

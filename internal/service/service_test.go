package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"printer_link"
	"printer_link/internal/hub"
	"printer_link/internal/logger"
	"printer_link/internal/models"
	"printer_link/internal/repository"
	"printer_link/internal/repository/db"
	"printer_link/internal/simulator"
	"printer_link/internal/transport"

	"github.com/stretchr/testify/require"
)

// TestService_PrintsOnSimulatedFirmware runs the whole stack against the
// simulated board: serial transport, line-numbered pacing, job streaming,
// hub fan-out and persistence.
func TestService_PrintsOnSimulatedFirmware(t *testing.T) {
	sqlDB, err := db.InitDB(filepath.Join(t.TempDir(), "printer.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	filesDir := t.TempDir()
	writeGcode(t, filesDir, "calibration.gcode", append([]string{"G28", "G90"}, moves(40)...))

	tr := transport.New(transport.Config{Device: "sim://board", Baud: 115200, ConnectTimeout: time.Second},
		transport.WithOpener("sim", simulator.Options{Tools: 1}.Open))
	h := hub.New(1024, logger.Nop())
	t.Cleanup(h.Close)

	svc := NewService(repository.NewRepository(sqlDB), Options{
		Printer: PrinterOptions{
			Tools:            1,
			BufferCapacity:   4,
			BacklogSize:      32,
			AckTimeout:       2 * time.Second,
			LineNumbers:      true,
			PollInterval:     time.Second,
			HeatingTolerance: 2,
			Backoff:          Backoff{Initial: 50 * time.Millisecond, Max: 200 * time.Millisecond, Factor: 2},
		},
		Connector:  TransportConnector(tr),
		Hub:        h,
		FilesDir:   filesDir,
		DBTimeout:  time.Second,
		SigningKey: "test-key",
		TokenTTL:   time.Hour,
		Log:        logger.Nop(),
	})

	sub := svc.Subscribe()
	var (
		mu       sync.Mutex
		versions []uint64
	)
	watchCtx, stopWatch := context.WithCancel(context.Background())
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		for {
			msg, err := sub.Next(watchCtx)
			if err != nil {
				return
			}
			if msg.Kind == hub.KindState {
				mu.Lock()
				versions = append(versions, msg.Snapshot.Version)
				mu.Unlock()
				sub.Ack(msg.Snapshot.Version)
			}
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		svc.Run(ctx)
		close(runDone)
	}()

	require.Eventually(t, func() bool {
		return svc.State().ConnectionStatus == printer_link.ConnConnected
	}, 5*time.Second, 10*time.Millisecond)

	_, err = svc.Start(context.Background(), "calibration.gcode", StartOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		j := svc.State().Job
		return j != nil && j.Status == printer_link.JobCompleted
	}, 10*time.Second, 10*time.Millisecond)
	require.Equal(t, 42, svc.State().Job.Line)

	require.NoError(t, svc.RequestPosition())
	require.Eventually(t, func() bool {
		p := svc.State().Position
		return p != nil && p.X == 40
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-runDone
	require.Equal(t, printer_link.ConnDisconnected, svc.State().ConnectionStatus)

	stopWatch()
	<-watchDone
	mu.Lock()
	require.NotEmpty(t, versions)
	for i := 1; i < len(versions); i++ {
		require.Greater(t, versions[i], versions[i-1])
	}
	mu.Unlock()

	events, err := svc.EventLog.List(context.Background(), LogFilter{})
	require.NoError(t, err)
	types := make([]string, 0, len(events))
	for _, e := range events {
		types = append(types, e.Type)
	}
	require.Contains(t, types, models.EventConnected)
	require.Contains(t, types, models.EventJobStarted)
	require.Contains(t, types, models.EventJobCompleted)
	require.Contains(t, types, models.EventDisconnected)

	history, err := svc.History(context.Background())
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, "calibration.gcode", history[0].Path)
	require.Equal(t, string(printer_link.JobCompleted), history[0].Status)
	require.Equal(t, 42, history[0].AckedLine)
}

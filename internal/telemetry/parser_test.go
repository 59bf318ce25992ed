package telemetry

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func f(v float64) *float64 { return &v }

func TestParse_Classification(t *testing.T) {
	cases := []struct {
		name string
		line string
		want Event
	}{
		{"plain ok", "ok", Ack{}},
		{"ok with crlf", "ok\r\n", Ack{}},
		{"advanced ok", "ok N12 P15 B3", Ack{}},
		{"busy echo", "echo:busy: processing", Busy{}},
		{"busy bare", "busy: paused for user", Busy{}},
		{"resend", "Resend: 42", Resend{Seq: 42}},
		{"resend compact", "Resend:7", Resend{Seq: 7}},
		{"repetier resend", "rs N9", Resend{Seq: 9}},
		{"start", "start", FirmwareStart{}},
		{"echo", "echo:SD card ok", Echo{Text: "SD card ok"}},
		{"halt error", "Error:Printer halted. kill() called!", FirmwareError{Message: "Printer halted. kill() called!"}},
		{
			"line number error",
			"Error:Line Number is not Last Line Number+1, Last Line: 5",
			FirmwareError{Message: "Line Number is not Last Line Number+1, Last Line: 5", Recoverable: true},
		},
		{"checksum error", "Error:checksum mismatch, Last Line: 3", FirmwareError{Message: "checksum mismatch, Last Line: 3", Recoverable: true}},
		{"bang error", "!! thermal runaway", FirmwareError{Message: "thermal runaway"}},
		{"position", "X:10.00 Y:20.50 Z:0.30 E:1.25 Count X:800 Y:1640 Z:120", PositionReport{X: 10, Y: 20.5, Z: 0.3, E: 1.25}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Parse(tc.line))
		})
	}
}

func TestParse_OkWithTemperatures(t *testing.T) {
	require := require.New(t)

	ev := Parse("ok T:210.0 /210.0 B:60.0 /60.0")
	tr, ok := ev.(TemperatureReport)
	require.True(ok, "got %T", ev)
	require.True(tr.Ack)
	require.Equal(Reading{Current: f(210), Target: f(210)}, tr.Tools[0])
	require.NotNil(tr.Bed)
	require.Equal(Reading{Current: f(60), Target: f(60)}, *tr.Bed)
}

func TestParse_AutoReportWithoutAck(t *testing.T) {
	require := require.New(t)

	ev := Parse(" T:25.3 /0.0 B:24.9 /0.0 @:0 B@:0")
	tr, ok := ev.(TemperatureReport)
	require.True(ok, "got %T", ev)
	require.False(tr.Ack)
	require.InDelta(25.3, *tr.Tools[0].Current, 1e-9)
	require.InDelta(24.9, *tr.Bed.Current, 1e-9)
}

func TestParse_MultipleTools(t *testing.T) {
	require := require.New(t)

	ev := Parse("ok T:200.0 /200.0 B:60.0 /60.0 T0:200.0 /200.0 T1:30.5 /0.0")
	tr := ev.(TemperatureReport)
	require.Len(tr.Tools, 2)
	require.Equal(Reading{Current: f(200), Target: f(200)}, tr.Tools[0])
	require.Equal(Reading{Current: f(30.5), Target: f(0)}, tr.Tools[1])
}

func TestParse_NoSpaceAroundSlash(t *testing.T) {
	tr := Parse("T:180.5/190.0 B:55/60").(TemperatureReport)
	require.Equal(t, Reading{Current: f(180.5), Target: f(190)}, tr.Tools[0])
	require.Equal(t, Reading{Current: f(55), Target: f(60)}, *tr.Bed)
}

func TestParse_MalformedNumberOnlyLosesThatField(t *testing.T) {
	require := require.New(t)

	tr := Parse("ok T:21x.0 /210.0 B:60.0 /6!").(TemperatureReport)
	require.Nil(tr.Tools[0].Current)
	require.Equal(f(210), tr.Tools[0].Target)
	require.Equal(f(60), tr.Bed.Current)
	require.Nil(tr.Bed.Target)
}

func TestParse_NonFiniteNumbersAreUnknown(t *testing.T) {
	cases := []struct {
		line string
		tool *Reading
		bed  *Reading
	}{
		{"ok T:nan /200.0 B:60 /60", &Reading{Target: f(200)}, &Reading{Current: f(60), Target: f(60)}},
		{"T:inf /0", &Reading{Target: f(0)}, nil},
		{"ok T:20 /NaN B:-inf /+Inf", &Reading{Current: f(20)}, &Reading{}},
	}
	for _, tc := range cases {
		t.Run(tc.line, func(t *testing.T) {
			tr := Parse(tc.line).(TemperatureReport)
			require.Equal(t, *tc.tool, tr.Tools[0])
			require.Equal(t, tc.bed, tr.Bed)

			_, err := json.Marshal(tr)
			require.NoError(t, err)
		})
	}
}

func TestParse_TruncatedReport(t *testing.T) {
	tr := Parse("ok T:21").(TemperatureReport)
	require.Equal(t, f(21), tr.Tools[0].Current)
	require.Nil(t, tr.Tools[0].Target)
	require.Nil(t, tr.Bed)
}

func TestParse_Unrecognized(t *testing.T) {
	cases := []struct {
		line   string
		reason string
	}{
		{"", reasonEmpty},
		{"   ", reasonEmpty},
		{"ok\x00\x13garbage", reasonGarbled},
		{"\xff\xfe", reasonGarbled},
		{"Resend: abc", reasonBadResend},
		{"FIRMWARE_NAME:Marlin 2.1", reasonUnknown},
		{"X:1", reasonUnknown},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%q", tc.line), func(t *testing.T) {
			ev := Parse(tc.line)
			u, ok := ev.(Unrecognized)
			require.True(t, ok, "got %T", ev)
			require.Equal(t, tc.reason, u.Reason)
		})
	}
}

// Reported temperatures must come back exactly as the firmware printed them.
func TestParse_TemperatureRoundTrip(t *testing.T) {
	for _, v := range []struct{ cur, tgt, bc, bt float64 }{
		{0, 0, 0, 0},
		{21.5, 0, 20.25, 0},
		{210, 210, 60, 60},
		{-3.5, 0, 110.75, 110},
		{299.99, 300, 99.5, 100},
	} {
		line := fmt.Sprintf("ok T:%.2f /%.2f B:%.2f /%.2f", v.cur, v.tgt, v.bc, v.bt)
		tr := Parse(line).(TemperatureReport)
		require.Equal(t, v.cur, *tr.Tools[0].Current, line)
		require.Equal(t, v.tgt, *tr.Tools[0].Target, line)
		require.Equal(t, v.bc, *tr.Bed.Current, line)
		require.Equal(t, v.bt, *tr.Bed.Target, line)
	}
}

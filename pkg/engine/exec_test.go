package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	containerapi "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// unlikelyPid is beyond the kernel PID_MAX_LIMIT so /proc lookups always
// miss and the kill path deterministically falls back on the host PID.
const unlikelyPid = 4194305

func muxStream(t *testing.T, stdout, stderr []byte) io.Reader {
	t.Helper()
	var buf bytes.Buffer
	if len(stdout) > 0 {
		_, err := stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write(stdout)
		require.NoError(t, err)
	}
	if len(stderr) > 0 {
		_, err := stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write(stderr)
		require.NoError(t, err)
	}
	return bytes.NewReader(buf.Bytes())
}

// TestExecuteNormalExit tests output capture and exit code propagation
func TestExecuteNormalExit(t *testing.T) {
	api := &fakeAPI{
		attachStream: muxStream(t, []byte("hello"), []byte("oops")),
		inspects:     []containerapi.ExecInspect{{Running: false, ExitCode: 0}},
	}
	d := NewWithAPI(api)

	result, err := d.Execute(context.Background(), "abc", ExecSpec{
		Cmd: []string{"/exploit", "10.0.0.1", "80", "team-1"},
		Env: []string{"TARGET_HOST=10.0.0.1"},
	}, 5*time.Second)
	require.NoError(t, err)

	assert.Equal(t, "hello", result.Stdout)
	assert.Equal(t, "oops", result.Stderr)
	assert.Equal(t, 0, result.ExitCode)
	assert.False(t, result.TimedOut)
	assert.False(t, result.OutputCapped)

	creates := api.execCreates()
	require.Len(t, creates, 1)
	assert.Equal(t, []string{"/exploit", "10.0.0.1", "80", "team-1"}, []string(creates[0].Cmd))
	assert.True(t, creates[0].AttachStdout)
	assert.True(t, creates[0].AttachStderr)
}

// TestExecuteFailureExit tests non-zero exit codes
func TestExecuteFailureExit(t *testing.T) {
	api := &fakeAPI{
		inspects: []containerapi.ExecInspect{{Running: false, ExitCode: 3}},
	}
	d := NewWithAPI(api)

	result, err := d.Execute(context.Background(), "abc", ExecSpec{Cmd: []string{"/exploit"}}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3, result.ExitCode)
}

// TestExecuteTimeout tests that a hung exec is killed and reported
func TestExecuteTimeout(t *testing.T) {
	api := &fakeAPI{
		inspects: []containerapi.ExecInspect{{Running: true, Pid: unlikelyPid}},
	}
	d := NewWithAPI(api)

	result, err := d.Execute(context.Background(), "abc", ExecSpec{Cmd: []string{"/exploit"}}, 150*time.Millisecond)
	require.NoError(t, err)

	assert.True(t, result.TimedOut)
	assert.Equal(t, -1, result.ExitCode)
	assert.GreaterOrEqual(t, result.Duration, 150*time.Millisecond)

	creates := api.execCreates()
	require.Len(t, creates, 2)
	kill := creates[1]
	assert.Equal(t, "root", kill.User)
	assert.True(t, kill.Detach)
	assert.Equal(t, []string{"sh", "-c", fmt.Sprintf("kill -9 %d", unlikelyPid)}, []string(kill.Cmd))
	assert.NotEmpty(t, api.execStarted)
}

// TestExecuteOutputCap tests that reading stops at the cap without killing
func TestExecuteOutputCap(t *testing.T) {
	big := bytes.Repeat([]byte("A"), MaxOutputBytes+100)
	api := &fakeAPI{
		attachStream: muxStream(t, big, nil),
		inspects: []containerapi.ExecInspect{
			{Running: true, Pid: unlikelyPid},
			{Running: false, ExitCode: 0},
		},
	}
	d := NewWithAPI(api)

	result, err := d.Execute(context.Background(), "abc", ExecSpec{Cmd: []string{"/exploit"}}, 5*time.Second)
	require.NoError(t, err)

	assert.True(t, result.OutputCapped)
	assert.Equal(t, -2, result.ExitCode)
	assert.Len(t, result.Stdout, MaxOutputBytes)
	assert.False(t, result.TimedOut)

	// The exec finished on its own; no kill was issued.
	assert.Len(t, api.execCreates(), 1)
}

// TestExecuteOutputCapSharedBudget tests the cap across both streams
func TestExecuteOutputCapSharedBudget(t *testing.T) {
	stdout := bytes.Repeat([]byte("A"), MaxOutputBytes-10)
	stderr := bytes.Repeat([]byte("B"), 20)
	api := &fakeAPI{
		attachStream: muxStream(t, stdout, stderr),
		inspects:     []containerapi.ExecInspect{{Running: false, ExitCode: 0}},
	}
	d := NewWithAPI(api)

	result, err := d.Execute(context.Background(), "abc", ExecSpec{Cmd: []string{"/exploit"}}, 5*time.Second)
	require.NoError(t, err)

	assert.True(t, result.OutputCapped)
	assert.Equal(t, MaxOutputBytes, len(result.Stdout)+len(result.Stderr))
	assert.Equal(t, MaxOutputBytes-10, len(result.Stdout))
	assert.Equal(t, 10, len(result.Stderr))
}

// TestExecuteOutputExactlyAtCap tests that filling the budget exactly is fine
func TestExecuteOutputExactlyAtCap(t *testing.T) {
	exact := bytes.Repeat([]byte("A"), MaxOutputBytes)
	api := &fakeAPI{
		attachStream: muxStream(t, exact, nil),
		inspects:     []containerapi.ExecInspect{{Running: false, ExitCode: 0}},
	}
	d := NewWithAPI(api)

	result, err := d.Execute(context.Background(), "abc", ExecSpec{Cmd: []string{"/exploit"}}, 5*time.Second)
	require.NoError(t, err)

	assert.False(t, result.OutputCapped)
	assert.Equal(t, 0, result.ExitCode)
	assert.Len(t, result.Stdout, MaxOutputBytes)
}

// TestExecuteCanceled tests the stop path
func TestExecuteCanceled(t *testing.T) {
	api := &fakeAPI{
		inspects: []containerapi.ExecInspect{{Running: true, Pid: unlikelyPid}},
	}
	d := NewWithAPI(api)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := d.Execute(ctx, "abc", ExecSpec{Cmd: []string{"/exploit"}}, 5*time.Second)
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, result)
	assert.False(t, result.TimedOut)

	// The in-flight process was killed.
	creates := api.execCreates()
	require.Len(t, creates, 2)
	assert.Contains(t, creates[1].Cmd[2], "kill -9")
}

// TestExecuteInspectError tests engine failure propagation mid-exec
func TestExecuteInspectError(t *testing.T) {
	api := &fakeAPI{}
	d := NewWithAPI(api)

	result, err := d.Execute(context.Background(), "abc", ExecSpec{Cmd: []string{"/exploit"}}, time.Second)
	require.Error(t, err)
	assert.Nil(t, result)
	assert.Contains(t, err.Error(), "failed to inspect exec")
}

// TestCappedWriter tests the shared output budget
func TestCappedWriter(t *testing.T) {
	budget := newOutputBudget(10)
	w1 := &cappedWriter{budget: budget}
	w2 := &cappedWriter{budget: budget}

	n, err := w1.Write([]byte("123456"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.False(t, budget.exceeded())

	// Second stream only gets the remaining 4 bytes.
	n, err = w2.Write([]byte("abcdef"))
	assert.ErrorIs(t, err, errOutputLimit)
	assert.Equal(t, 4, n)
	assert.True(t, budget.exceeded())

	assert.Equal(t, "123456", w1.String())
	assert.Equal(t, "abcd", w2.String())
}

// TestCappedWriterExactFill tests that an exact fill is not a cap
func TestCappedWriterExactFill(t *testing.T) {
	budget := newOutputBudget(10)
	w := &cappedWriter{budget: budget}

	n, err := w.Write([]byte("0123456789"))
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.False(t, budget.exceeded())

	// One more byte tips it over.
	_, err = w.Write([]byte("x"))
	assert.ErrorIs(t, err, errOutputLimit)
	assert.True(t, budget.exceeded())
	assert.Equal(t, "0123456789", w.String())
}

// TestParseNSpid tests namespace PID extraction from /proc status content
func TestParseNSpid(t *testing.T) {
	tests := []struct {
		name   string
		status string
		want   int
		ok     bool
	}{
		{
			name:   "nested namespaces",
			status: "Name:\tsleep\nState:\tS (sleeping)\nNSpid:\t12345\t99\t7\nThreads:\t1\n",
			want:   7,
			ok:     true,
		},
		{
			name:   "single namespace",
			status: "Name:\tsleep\nNSpid:\t500\n",
			want:   500,
			ok:     true,
		},
		{
			name:   "no nspid line",
			status: "Name:\tsleep\nPid:\t500\n",
			ok:     false,
		},
		{
			name:   "malformed value",
			status: "NSpid:\tabc\n",
			ok:     false,
		},
		{
			name:   "empty",
			status: "",
			ok:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseNSpid([]byte(tt.status))
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

// TestMapExitCode tests the exit code precedence rules
func TestMapExitCode(t *testing.T) {
	tests := []struct {
		name     string
		capped   bool
		timedOut bool
		code     int
		exited   bool
		want     int
	}{
		{name: "clean exit", code: 0, exited: true, want: 0},
		{name: "failure exit", code: 5, exited: true, want: 5},
		{name: "no engine code", exited: false, want: -1},
		{name: "timed out", timedOut: true, code: 5, exited: true, want: -1},
		{name: "output capped", capped: true, code: 0, exited: true, want: -2},
		{name: "capped beats timeout", capped: true, timedOut: true, want: -2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, mapExitCode(tt.capped, tt.timedOut, tt.code, tt.exited))
		})
	}
}

// TestNspidForPidMissing tests the /proc fallback for a dead PID
func TestNspidForPidMissing(t *testing.T) {
	_, ok := nspidForPid(unlikelyPid)
	assert.False(t, ok)
}

func TestMuxStreamHelper(t *testing.T) {
	var out, errOut strings.Builder
	_, err := stdcopy.StdCopy(&out, &errOut, muxStream(t, []byte("a"), []byte("b")))
	require.NoError(t, err)
	assert.Equal(t, "a", out.String())
	assert.Equal(t, "b", errOut.String())
}

package subprocess

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/scanlens/modules/framechannel"
)

const helperEnv = "SCANLENS_FAKE_DECODER"

// TestHelperProcess is not a real test: it is the fake decoder executed by
// the tests below (re-exec of the test binary).
func TestHelperProcess(t *testing.T) {
	mode := os.Getenv(helperEnv)
	if mode == "" {
		return
	}
	fmt.Fprintln(os.Stderr, "2024-01-01 [WARNING] fake decoder starting")
	runFakeDecoder(os.Stdin, os.Stdout, mode)
	os.Exit(0)
}

// runFakeDecoder answers each request according to mode:
//
//	echo     one code whose value is the frame data
//	error    a decoder error
//	stale    a response for seq-1 first, then the real one
//	hang     never answers
//	stubborn never answers and ignores stdin EOF
func runFakeDecoder(in io.Reader, out io.Writer, mode string) {
	for {
		var req request
		if err := readMessage(in, &req); err != nil {
			if mode == "stubborn" {
				time.Sleep(time.Hour)
			}
			return
		}

		switch mode {
		case "echo":
			_ = writeMessage(out, response{
				Seq:    req.Seq,
				Codes:  []wireCode{{Value: string(req.FrameData), Symbology: "qr_code", Box: []int{0, 0, req.Width, req.Height}}},
				Timing: timing{TotalMS: 4},
			})
		case "error":
			_ = writeMessage(out, response{Seq: req.Seq, Error: "model not loaded"})
		case "stale":
			_ = writeMessage(out, response{Seq: req.Seq - 1, Codes: []wireCode{{Value: "OLD00001", Box: []int{0, 0, 1, 1}}}})
			_ = writeMessage(out, response{Seq: req.Seq, Codes: []wireCode{{Value: "NEW00001", Box: []int{0, 0, 1, 1}}}})
		case "hang", "stubborn":
		}
	}
}

func startFake(t *testing.T, mode string, cfg Config) *Detector {
	t.Helper()
	cfg.Command = os.Args[0]
	cfg.Args = []string{"-test.run=^TestHelperProcess$"}
	cfg.Env = append(os.Environ(), helperEnv+"="+mode)

	d, err := New(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() { d.Stop() })
	return d
}

func frame(data string, seq uint64) *framechannel.Frame {
	f := framechannel.NewFrame([]byte(data), 320, 240, 0, time.Now(), nil)
	f.Seq = seq
	return f
}

func TestNewRequiresCommand(t *testing.T) {
	_, err := New(Config{}, nil)
	assert.ErrorIs(t, err, ErrNoCommand)
}

func TestDetectEcho(t *testing.T) {
	d := startFake(t, "echo", Config{})

	for seq := uint64(1); seq <= 3; seq++ {
		codes, err := d.Detect(context.Background(), frame(fmt.Sprintf("ITEM000%d", seq), seq))
		require.NoError(t, err)
		require.Len(t, codes, 1)
		assert.Equal(t, fmt.Sprintf("ITEM000%d", seq), codes[0].Value)
		assert.Equal(t, 320, codes[0].BoundingBox.Dx())
	}

	stats := d.Stats()
	assert.Equal(t, uint64(3), stats.Requests)
	assert.Equal(t, uint64(3), stats.Responses)
	assert.InDelta(t, 4.0, stats.AvgLatencyMS, 0.01)
	assert.True(t, stats.Running)
	assert.NotZero(t, stats.PID)
}

func TestDetectDecoderError(t *testing.T) {
	d := startFake(t, "error", Config{})

	_, err := d.Detect(context.Background(), frame("x", 7))
	var decErr *DecoderError
	require.True(t, errors.As(err, &decErr))
	assert.Equal(t, uint64(7), decErr.Seq)
	assert.Equal(t, "model not loaded", decErr.Message)
}

func TestDetectDiscardsStale(t *testing.T) {
	d := startFake(t, "stale", Config{})

	codes, err := d.Detect(context.Background(), frame("x", 5))
	require.NoError(t, err)
	require.Len(t, codes, 1)
	assert.Equal(t, "NEW00001", codes[0].Value)
	assert.Equal(t, uint64(1), d.Stats().Stale)
}

func TestDetectContextTimeout(t *testing.T) {
	d := startFake(t, "hang", Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := d.Detect(ctx, frame("x", 1))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStopGraceful(t *testing.T) {
	d := startFake(t, "hang", Config{})

	require.NoError(t, d.Stop())
	assert.False(t, d.Stats().Running)

	_, err := d.Detect(context.Background(), frame("x", 1))
	assert.ErrorIs(t, err, ErrNotRunning)
	require.NoError(t, d.Stop())
}

func TestStopForceKill(t *testing.T) {
	d := startFake(t, "stubborn", Config{StopTimeout: 100 * time.Millisecond})

	done := make(chan error, 1)
	go func() { done <- d.Stop() }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Stop() did not kill a stubborn decoder")
	}
}

func TestStartTwice(t *testing.T) {
	d := startFake(t, "echo", Config{})
	assert.ErrorIs(t, d.Start(context.Background()), ErrAlreadyStarted)
}

func TestContextCancelStops(t *testing.T) {
	d, err := New(Config{
		Command: os.Args[0],
		Args:    []string{"-test.run=^TestHelperProcess$"},
		Env:     append(os.Environ(), helperEnv+"=echo"),
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, d.Start(ctx))
	cancel()

	require.Eventually(t, func() bool { return !d.Stats().Running }, 5*time.Second, 10*time.Millisecond)
}

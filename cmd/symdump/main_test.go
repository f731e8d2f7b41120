package main

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rjboer/dmrmodem/internal/logging"
	"github.com/rjboer/dmrmodem/internal/sink"
)

func TestParseOptions(t *testing.T) {
	o, err := parseOptions([]string{"--endpoint", "tcp://127.0.0.1:1", "--count", "8", "--dibits"})
	if err != nil {
		t.Fatalf("parseOptions failed: %v", err)
	}
	if o.endpoint != "tcp://127.0.0.1:1" || o.count != 8 || !o.dibits || o.perLine != 16 {
		t.Fatalf("unexpected options: %#v", o)
	}
	_, err = parseOptions([]string{"--per-line", "0"})
	assert.Error(t, err)
}

func TestPrinterFormats(t *testing.T) {
	var buf bytes.Buffer
	p := &printer{w: &buf, perLine: 2}
	for _, v := range []float32{0.8, -0.32, 0.125} {
		p.print(v)
	}
	p.finish()
	assert.Equal(t, "0.8000 -0.3200\n0.1250\n", buf.String())
}

func TestRunPrintsPushedDibits(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	push, err := sink.NewPush(ctx, "tcp://127.0.0.1:0", logging.Discard())
	require.NoError(t, err)
	defer push.Close()
	port, err := push.Port()
	require.NoError(t, err)

	// the push blocks until the dump connects
	go func() {
		_ = push.Consume(ctx, []float32{0.32, 0.8, -0.32, -0.8, 0.3, 0.9})
	}()

	var out, errOut bytes.Buffer
	err = run(ctx, []string{
		"--endpoint", fmt.Sprintf("tcp://127.0.0.1:%d", port),
		"--count", "4",
		"--dibits",
		"--per-line", "4",
	}, &out, &errOut)
	require.NoError(t, err)
	assert.Equal(t, "0 1 2 3\n", out.String())
	assert.True(t, strings.HasPrefix(errOut.String(), "reading symbols from tcp://127.0.0.1:"))
}

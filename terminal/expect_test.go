package terminal

import (
	"context"
	"io"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestExpectAndStrip(t *testing.T) {
	e := NewExpecter(strings.NewReader("\nset a 5\n5\n% "), zap.NewNop().Sugar())

	before, err := e.Expect(context.Background(), Literal("% "))
	require.NoError(t, err)
	assert.Equal(t, "5", StripAnswer(string(before)))
}

func TestExpectConsumesThroughMatch(t *testing.T) {
	e := NewExpecter(strings.NewReader("a> b> c"), zap.NewNop().Sugar())
	prompt := regexp.MustCompile(`[a-z]> `)

	before, err := e.Expect(context.Background(), prompt)
	require.NoError(t, err)
	assert.Equal(t, "", string(before))

	before, err = e.Expect(context.Background(), prompt)
	require.NoError(t, err)
	assert.Equal(t, "", string(before))

	rest, err := e.Expect(context.Background(), prompt)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "c", string(rest))
}

func TestExpectWaitsForMoreOutput(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	e := NewExpecter(r, zap.NewNop().Sugar())

	go func() {
		_, _ = io.WriteString(w, "partial output")
		time.Sleep(20 * time.Millisecond)
		_, _ = io.WriteString(w, "\r\nVivado")
		time.Sleep(20 * time.Millisecond)
		_, _ = io.WriteString(w, "% ")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	before, err := e.Expect(ctx, Literal(DefaultPrompt))
	require.NoError(t, err)
	assert.Equal(t, "partial output\r\n", string(before))
}

func TestExpectContextKeepsBuffer(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	e := NewExpecter(r, zap.NewNop().Sugar())
	_, err := io.WriteString(w, "no prompt yet")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = e.Expect(ctx, Literal(DefaultPrompt))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "no prompt yet", string(e.Drain()))
}

func TestStripAnswer(t *testing.T) {
	cases := []struct {
		name     string
		captured string
		exp      string
	}{
		{name: "leading newline", captured: "\nset a 5\n5\n", exp: "5"},
		{name: "crlf", captured: "set a 5\r\n5\r\n", exp: "5"},
		{name: "multiple lines", captured: "multi\r\nline1\r\nline2\r\n", exp: "line1\nline2"},
		{name: "only the echo", captured: "set_property A {b} c\r\n", exp: ""},
		{name: "empty", captured: "", exp: ""},
		{name: "no trailing newline", captured: "cmd\r\nresult\r\npartial", exp: "result"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.exp, StripAnswer(c.captured))
		})
	}
}

func TestFirstNonBlank(t *testing.T) {
	assert.Equal(t, "xc7a35t", firstNonBlank("\n  \n xc7a35t \nother"))
	assert.Equal(t, "", firstNonBlank("\n \t\n"))
}

func TestQuote(t *testing.T) {
	cases := []struct {
		value string
		exp   string
	}{
		{value: "", exp: "{}"},
		{value: "5", exp: "{5}"},
		{value: "hello world", exp: "{hello world}"},
		{value: "[current_project] $x", exp: "{[current_project] $x}"},
		{value: "{a {b}}", exp: "{{a {b}}}"},
		{value: `a\{b`, exp: `{a\{b}`},
		{value: "x}y", exp: `x\}y`},
		{value: "{x", exp: `\{x`},
		{value: `C:\Xilinx\`, exp: `C:\\Xilinx\\`},
		{value: "a b\nc", exp: `a\ b\nc`},
		{value: "} [x] $y;\t", exp: `\}\ \[x\]\ \$y\;\t`},
	}
	for _, c := range cases {
		t.Run(c.value, func(t *testing.T) {
			assert.Equal(t, c.exp, Quote(c.value))
		})
	}
}

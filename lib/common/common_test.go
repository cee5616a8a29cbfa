package common

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrintable(t *testing.T) {
	tests := []struct {
		name   string
		data   string
		maxLen int
		want   string
	}{
		{"plain", "hello", 0, "hello"},
		{"punctuation", "a-b_c!", 0, "a-b_c!"},
		{"whitespace is quoted", "a b", 0, `"a b"`},
		{"newline is quoted", "a\n", 0, `"a\n"`},
		{"truncated", "abcdefgh", 4, "abcd..."},
		{"truncated and quoted", "ab\x00defgh", 4, `"ab\x00d"...`},
		{"exact length is not truncated", "abcd", 4, "abcd"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PrintableString(tt.data, tt.maxLen); got != tt.want {
				t.Errorf("PrintableString(%q, %d) = %s, want %s", tt.data, tt.maxLen, got, tt.want)
			}
		})
	}
}

func TestErrorKinds(t *testing.T) {
	base := NewError(KindTransport, "recv status", "Connection to server was closed.", ErrConnectionClosed)
	wrapped := fmt.Errorf("step failed: %w", base)

	assert.True(t, IsKind(wrapped, KindTransport))
	assert.False(t, IsKind(wrapped, KindProtocol))
	assert.True(t, errors.Is(wrapped, ErrConnectionClosed))
	assert.Equal(t, "recv status: Connection to server was closed.", base.Error())
	assert.Equal(t, "TransportError: step failed: recv status: Connection to server was closed.", Describe(wrapped))

	_, ok := KindOf(errors.New("plain"))
	assert.False(t, ok)
}

func TestErrorFallsBackToCause(t *testing.T) {
	err := NewError(KindProtocol, "", "", ErrInvalidUTF8)
	assert.Equal(t, "invalid utf-8", err.Error())
}

func TestServerFault(t *testing.T) {
	fault := &ServerFault{
		ErrNum:  1,
		ErrCode: "KEY_ERROR",
		Cmd:     "SET",
		Key:     "foo",
		Value:   []byte("some long value"),
	}

	assert.Equal(t, "1 KEY_ERROR payload= cmd=SET key=foo value=\"some long \"...", fault.Error())
	assert.True(t, IsKind(fault, KindServerFault))
	assert.True(t, errors.Is(fmt.Errorf("x: %w", fault), &ServerFault{ErrCode: "KEY_ERROR"}))
	assert.False(t, errors.Is(fault, &ServerFault{ErrCode: "STORE_ERROR"}))

	unexpected := fault.Unexpected()
	require.True(t, IsKind(unexpected, KindTest))
	assert.Equal(t, "Server sent unexpected error 1: KEY_ERROR.\nCommand: SET foo \"some long \"...", unexpected.Error())

	f, ok := AsFault(unexpected)
	require.True(t, ok)
	assert.Same(t, fault, f)
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.Client.Port = 0
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.LogLevel = "loud"
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.Server.Bin = ""
	assert.Error(t, bad.Validate())

	bad.Server.AttachPID = 42
	assert.NoError(t, bad.Validate())
}

func TestConfigString(t *testing.T) {
	cfg := DefaultConfig().WithSeed(7)
	s := cfg.String()
	for _, want := range []string{"SERVER", "CLIENT", "localhost:35303", "dump.dat", "Seed"} {
		if !strings.Contains(s, want) {
			t.Errorf("config string does not contain %q:\n%s", want, s)
		}
	}
	assert.Equal(t, int64(7), cfg.EffectiveSeed())
}

func TestParseLogLevel(t *testing.T) {
	for _, lvl := range []string{"debug", "info", "warn", "warning", "ERROR"} {
		_, err := ParseLogLevel(lvl)
		assert.NoError(t, err, lvl)
	}
	_, err := ParseLogLevel("verbose")
	assert.Error(t, err)
}

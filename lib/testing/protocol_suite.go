package testing

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/ValentinKolb/kvcheck/lib/common"
	"github.com/ValentinKolb/kvcheck/lib/transport"
	"github.com/ValentinKolb/kvcheck/lib/wire"
)

// RunProtocolTests runs the wire protocol conformance tests against a running
// server. The store is expected to be empty.
func RunProtocolTests(t *testing.T, name string, config common.ClientConfig) {
	t.Run(name, func(t *testing.T) {
		t.Run("Ping", func(t *testing.T) {
			testPing(t, dial(t, config))
		})

		t.Run("Set&Get", func(t *testing.T) {
			testSetGet(t, dial(t, config))
		})

		t.Run("Delete", func(t *testing.T) {
			testDelete(t, dial(t, config))
		})

		t.Run("KeyError", func(t *testing.T) {
			testKeyError(t, dial(t, config))
		})

		t.Run("Parsing", func(t *testing.T) {
			testParsing(t, dial(t, config))
		})

		t.Run("WithheldSetLocksKey", func(t *testing.T) {
			testWithheldSet(t, dial(t, config), dial(t, config))
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

func dial(t *testing.T, config common.ClientConfig) *transport.Conn {
	t.Helper()
	conn, err := transport.Dial(context.Background(), config)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func expectCode(t *testing.T, err error, code string) {
	t.Helper()
	fault, ok := common.AsFault(err)
	if !ok {
		t.Fatalf("Expected %s, got %v", code, err)
	}
	if fault.ErrCode != code {
		t.Errorf("Expected %s, got %s", code, fault.ErrCode)
	}
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testPing(t *testing.T, conn *transport.Conn) {
	payload, err := conn.Issue(wire.Simple(wire.CmdPing))
	if err != nil {
		t.Fatalf("PING failed: %v", err)
	}
	if len(payload) != 0 {
		t.Errorf("Expected empty payload, got %q", payload)
	}
}

func testSetGet(t *testing.T, conn *transport.Conn) {
	values := map[string][]byte{
		"hello":   []byte("world"),
		"empty":   {},
		"newline": []byte("a\nb"),
		"big":     bytes.Repeat([]byte("x"), 256*1024),
	}

	for k, v := range values {
		if _, err := conn.Issue(wire.Set(k, v)); err != nil {
			t.Fatalf("SET %s failed: %v", k, err)
		}
	}
	for k, v := range values {
		got, err := conn.Issue(wire.Get(k))
		if err != nil {
			t.Fatalf("GET %s failed: %v", k, err)
		}
		if !bytes.Equal(got, v) {
			t.Errorf("GET %s returned %d bytes, expected %d", k, len(got), len(v))
		}
	}

	// overwrite
	if _, err := conn.Issue(wire.Set("hello", []byte("again"))); err != nil {
		t.Fatalf("SET failed: %v", err)
	}
	if got, _ := conn.Issue(wire.Get("hello")); string(got) != "again" {
		t.Errorf("Expected overwritten value, got %q", got)
	}
}

func testDelete(t *testing.T, conn *transport.Conn) {
	if _, err := conn.Issue(wire.Set("to-delete", []byte("v"))); err != nil {
		t.Fatalf("SET failed: %v", err)
	}
	if _, err := conn.Issue(wire.Del("to-delete")); err != nil {
		t.Fatalf("DEL failed: %v", err)
	}
	_, err := conn.Issue(wire.Get("to-delete"))
	expectCode(t, err, wire.CodeKeyError)
}

func testKeyError(t *testing.T, conn *transport.Conn) {
	_, err := conn.Issue(wire.Get("never-written"))
	expectCode(t, err, wire.CodeKeyError)

	_, err = conn.Issue(wire.Del("never-written"))
	expectCode(t, err, wire.CodeKeyError)

	// the connection stays usable after a fault
	if _, err := conn.Issue(wire.Simple(wire.CmdPing)); err != nil {
		t.Errorf("PING after fault failed: %v", err)
	}
}

func testParsing(t *testing.T, conn *transport.Conn) {
	_, err := conn.Issue(wire.Request{Raw: "FROBNICATE"})
	expectCode(t, err, wire.CodeParsingError)
}

func testWithheldSet(t *testing.T, writer, other *transport.Conn) {
	if _, err := writer.IssueWithheld(wire.Set("locked", []byte("value")), false); err != nil {
		t.Fatalf("withheld SET failed: %v", err)
	}

	_, err := other.Issue(wire.Set("locked", []byte("other")))
	expectCode(t, err, wire.CodeKeyError)
	_, err = other.Issue(wire.Get("locked"))
	expectCode(t, err, wire.CodeKeyError)
	if _, err := other.Issue(wire.Set("unlocked", []byte("other"))); err != nil {
		t.Errorf("SET of another key failed: %v", err)
	}

	if _, err := writer.CompleteWithheld([]byte("value")); err != nil {
		t.Fatalf("completing SET failed: %v", err)
	}
	got, err := other.Issue(wire.Get("locked"))
	if err != nil {
		t.Fatalf("GET after completed SET failed: %v", err)
	}
	if string(got) != "value" {
		t.Errorf("Expected value, got %q", got)
	}

	var fault *common.ServerFault
	if _, err := other.Issue(wire.Del("locked")); errors.As(err, &fault) {
		t.Errorf("DEL after completed SET failed: %v", err)
	}
}

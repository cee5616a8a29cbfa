package scenarios

import (
	"bytes"
	"context"

	"github.com/ValentinKolb/kvcheck/lib/common"
	"github.com/ValentinKolb/kvcheck/lib/harness"
	"github.com/ValentinKolb/kvcheck/lib/oracle"
	"github.com/ValentinKolb/kvcheck/lib/wire"
)

// value sizes of the command tests
const (
	bookMin = 4096 * 16
	bookMax = 4096 * 32
	blobMin = 4096
	blobMax = 4096 * 4
)

func bigKey(r *harness.Rand, prefix string) string {
	return prefix + r.StringBetween(3000, 4000)
}

// setBooks stores three big values under the given keys
func setBooks(s *harness.Setup, keys ...string) error {
	for _, key := range keys {
		if err := set(s, 0, key, s.Rand().Value(bookMin, bookMax))(); err != nil {
			return err
		}
	}
	return nil
}

// setMany stores n random keys and returns the distinct keys in the order
// they were first set
func setMany(s *harness.Setup, n, maxValue int) ([]string, error) {
	r := s.Rand()
	seen := make(map[string]bool)
	var keys []string
	for i := 0; i < n; i++ {
		key := r.StringBetween(4, 10)
		if err := set(s, 0, key, r.Value(8, maxValue))(); err != nil {
			return nil, err
		}
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// ------ SET ------

func testSetSimple(ctx context.Context, env *Env) error {
	return env.run(ctx, 1, func(ctx context.Context, s *harness.Setup) error {
		return steps(
			set(s, 0, "hello", []byte("world")),
			set(s, 0, "foo", []byte("bar")),
		)
	})
}

func testSetOverwrite(ctx context.Context, env *Env) error {
	return env.run(ctx, 1, func(ctx context.Context, s *harness.Setup) error {
		r := s.Rand()
		key1, key2 := r.String(6), r.String(6)
		return steps(
			set(s, 0, key1, r.Value(16, 128)),
			set(s, 0, key2, r.Value(16, 128)),
			verify(ctx, s),
			set(s, 0, key1, r.Value(1, 15)),
			set(s, 0, key2, r.Value(256, 512)),
		)
	})
}

func testSetBigVal(ctx context.Context, env *Env) error {
	return env.run(ctx, 1, func(ctx context.Context, s *harness.Setup) error {
		return setBooks(s, "book1", "book2", "book3")
	})
}

func testSetBigKey(ctx context.Context, env *Env) error {
	return env.run(ctx, 1, func(ctx context.Context, s *harness.Setup) error {
		r := s.Rand()
		return setBooks(s, bigKey(r, "longkey1"), bigKey(r, "longkey2"), bigKey(r, "longkey3"))
	})
}

func testSetBinary(ctx context.Context, env *Env) error {
	return env.run(ctx, 1, func(ctx context.Context, s *harness.Setup) error {
		r := s.Rand()
		return steps(
			set(s, 0, "blob1", r.Binary(blobMin, blobMax)),
			set(s, 0, "blob2", r.Binary(blobMin, blobMax)),
		)
	})
}

func testSetMany(ctx context.Context, env *Env) error {
	return env.run(ctx, 1, func(ctx context.Context, s *harness.Setup) error {
		_, err := setMany(s, 1000, 4096)
		return err
	})
}

// testSetAbort closes a connection in the middle of a SET. The server must
// drop the half stored key and accept the key again afterwards.
func testSetAbort(ctx context.Context, env *Env) error {
	return env.run(ctx, 0, func(ctx context.Context, s *harness.Setup) error {
		r := s.Rand()
		key := r.String(4)

		aborted, err := s.Dial(ctx)
		if err != nil {
			return err
		}
		if _, err := aborted.IssueWithheld(wire.Set(key, r.Value(8, 64)), false); err != nil {
			return err
		}
		aborted.Close()

		dump, err := dumpWhen(ctx, s, func(d *wire.Dump) bool { return d.Len() == 0 })
		if err != nil {
			return err
		}
		if dump.Len() > 0 {
			return common.TestErrorf("Server should have no keys stored after only an aborted SET %s, "+
				"but server had key-values stored.\nServer dump: %s", key, formatDump(dump))
		}

		val := r.Value(8, 64)
		conn, err := s.Dial(ctx)
		if err != nil {
			return err
		}
		defer conn.Close()
		if err := harness.ExpectFault(wire.CodeKeyError, func() error {
			_, err := conn.Issue(wire.Get(key))
			return err
		}); err != nil {
			return err
		}
		if _, err := conn.Issue(wire.Set(key, val)); err != nil {
			return err
		}
		s.StateSet(0, key, oracle.Of(val))

		dump, err = s.Server().Dump(ctx)
		if err != nil {
			return err
		}
		state := dump.State()
		stored, ok := state[key]
		switch {
		case !ok:
			return common.TestErrorf("Key %s not found in server after SET.\nServer dump: %s",
				key, formatDump(dump))
		case !bytes.Equal(stored, val):
			return common.TestErrorf("Key %s has wrong value in server.\nServer dump: %s\nExpected value: %s",
				key, formatDump(dump), common.Printable(val, 0))
		case len(state) != 1:
			return common.TestErrorf("Server contains more keys than we SET.\nKey we set: %s\nServer dump: %s",
				key, formatDump(dump))
		}
		return nil
	})
}

// ------ GET ------

func testGetSimple(ctx context.Context, env *Env) error {
	return env.run(ctx, 1, func(ctx context.Context, s *harness.Setup) error {
		return steps(
			set(s, 0, "hello", []byte("world")),
			set(s, 0, "foo", []byte("bar")),
			get(s, 0, "hello"),
			get(s, 0, "foo"),
		)
	})
}

func testGetNonExisting(ctx context.Context, env *Env) error {
	return env.run(ctx, 1, func(ctx context.Context, s *harness.Setup) error {
		return steps(
			set(s, 0, "hello", []byte("world")),
			set(s, 0, "foo", []byte("bar")),
			get(s, 0, "hello"),
			func() error { return harness.ExpectFault(wire.CodeKeyError, get(s, 0, "baz")) },
		)
	})
}

func testGetBigVal(ctx context.Context, env *Env) error {
	return env.run(ctx, 1, func(ctx context.Context, s *harness.Setup) error {
		return steps(
			func() error { return setBooks(s, "book1", "book2", "book3") },
			get(s, 0, "book1"),
			get(s, 0, "book2"),
			get(s, 0, "book3"),
		)
	})
}

func testGetBigKey(ctx context.Context, env *Env) error {
	return env.run(ctx, 1, func(ctx context.Context, s *harness.Setup) error {
		r := s.Rand()
		key1, key2, key3 := bigKey(r, "longkey1"), bigKey(r, "longkey2"), bigKey(r, "longkey3")
		return steps(
			func() error { return setBooks(s, key1, key2, key3) },
			get(s, 0, key1),
			get(s, 0, key2),
			get(s, 0, key3),
		)
	})
}

func testGetBinary(ctx context.Context, env *Env) error {
	return env.run(ctx, 1, func(ctx context.Context, s *harness.Setup) error {
		r := s.Rand()
		return steps(
			set(s, 0, "blob1", r.Binary(blobMin, blobMax)),
			set(s, 0, "blob2", r.Binary(blobMin, blobMax)),
			get(s, 0, "blob1"),
			get(s, 0, "blob2"),
		)
	})
}

func testGetMany(ctx context.Context, env *Env) error {
	return env.run(ctx, 1, func(ctx context.Context, s *harness.Setup) error {
		keys, err := setMany(s, 300, 4096)
		if err != nil {
			return err
		}
		for i := 0; i < 1000; i++ {
			if err := get(s, 0, s.Rand().Choice(keys))(); err != nil {
				return err
			}
		}
		return nil
	})
}

// testGetAbort closes connections with a GET in flight, once before and once
// after the status line was read. The key must not stay locked.
func testGetAbort(ctx context.Context, env *Env) error {
	return env.run(ctx, 1, func(ctx context.Context, s *harness.Setup) error {
		r := s.Rand()
		key := r.String(4)
		if err := set(s, 0, key, r.Value(8, 64))(); err != nil {
			return err
		}

		for _, readStatus := range []bool{false, true} {
			conn, err := s.Dial(ctx)
			if err != nil {
				return err
			}
			if _, err := conn.SetBufferSizes(0, true); err != nil {
				return err
			}
			if _, err := conn.IssueWithheld(wire.Get(key), readStatus); err != nil {
				return err
			}
			conn.Close()

			if err := get(s, 0, key)(); err != nil {
				return err
			}
		}
		return set(s, 0, key, r.Value(8, 64))()
	})
}

// ------ DEL ------

func testDelSimple(ctx context.Context, env *Env) error {
	return env.run(ctx, 1, func(ctx context.Context, s *harness.Setup) error {
		return steps(
			set(s, 0, "hello", []byte("world")),
			set(s, 0, "foo", []byte("bar")),
			del(s, 0, "hello"),
			del(s, 0, "foo"),
		)
	})
}

func testDelNonExisting(ctx context.Context, env *Env) error {
	return env.run(ctx, 1, func(ctx context.Context, s *harness.Setup) error {
		return steps(
			set(s, 0, "hello", []byte("world")),
			set(s, 0, "foo", []byte("bar")),
			del(s, 0, "hello"),
			func() error { return harness.ExpectFault(wire.CodeKeyError, del(s, 0, "baz")) },
		)
	})
}

func testDelBigKey(ctx context.Context, env *Env) error {
	return env.run(ctx, 1, func(ctx context.Context, s *harness.Setup) error {
		r := s.Rand()
		key1, key2, key3 := bigKey(r, "longkey1"), bigKey(r, "longkey2"), bigKey(r, "longkey3")
		return steps(
			func() error { return setBooks(s, key1, key2, key3) },
			del(s, 0, key1),
			del(s, 0, key2),
			del(s, 0, key3),
		)
	})
}

func testDelMany(ctx context.Context, env *Env) error {
	return env.run(ctx, 1, func(ctx context.Context, s *harness.Setup) error {
		keys, err := setMany(s, 1000, 1024)
		if err != nil {
			return err
		}
		if err := s.Verify(ctx); err != nil {
			return err
		}

		r := s.Rand()
		start := 4 + r.Intn(28)
		end := min(900+4+r.Intn(28), len(keys))
		for _, key := range keys[start:end] {
			if err := del(s, 0, key)(); err != nil {
				return err
			}
		}
		return nil
	})
}

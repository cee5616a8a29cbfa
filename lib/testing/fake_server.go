package testing

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/ValentinKolb/kvcheck/lib/wire"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sys/unix"
)

// FakeOptions configures the behaviour of a FakeServer
type FakeOptions struct {
	// PoolSize > 0 reports a fixed set of worker threads instead of one
	// thread per connection
	PoolSize int

	// The following options make the server misbehave, to check that the
	// harness notices

	// IgnoreDel answers DEL with OK without deleting the key
	IgnoreDel bool
	// NoKeyLocks lets concurrent operations on a key in flight succeed
	NoKeyLocks bool
	// Mute never answers the given command
	Mute string
}

// item is a stored value with its per-key read/write lock state
type item struct {
	value   []byte
	writer  bool
	readers int
	// placeholder is set for items created by a SET that is still receiving
	// its value
	placeholder bool
}

type bucket struct {
	mu    sync.Mutex
	items map[string]*item
}

// FakeServer is an in-process implementation of the key-value server's wire
// protocol. Keys are spread over 256 djb2 buckets, every key has a
// non-blocking read/write lock: a key that is being written can neither be
// read, written nor deleted; a key that is being read can not be written or
// deleted. It is a test double for the harness only.
type FakeServer struct {
	ln       net.Listener
	opts     FakeOptions
	dumpPath string
	buckets  [wire.NumBuckets]*bucket

	// handlers maps pseudo thread ids to the connection they serve
	handlers *xsync.MapOf[int32, net.Conn]
	nextTid  atomic.Int32
	pool     []int32

	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewFakeServer listens on addr. DUMP writes to dumpPath.
func NewFakeServer(addr, dumpPath string, opts FakeOptions) (*FakeServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s := &FakeServer{
		ln:       ln,
		opts:     opts,
		dumpPath: dumpPath,
		handlers: xsync.NewMapOf[int32, net.Conn](),
	}
	s.nextTid.Store(int32(os.Getpid()) + 1)
	for i := range s.buckets {
		s.buckets[i] = &bucket{items: make(map[string]*item)}
	}
	for i := 0; i < opts.PoolSize; i++ {
		s.pool = append(s.pool, s.nextTid.Add(1))
	}

	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Addr returns the address the server listens on
func (s *FakeServer) Addr() string {
	return s.ln.Addr().String()
}

// Threads returns the ids of the threads serving connections
func (s *FakeServer) Threads() []int32 {
	if len(s.pool) > 0 {
		return slices.Clone(s.pool)
	}
	var tids []int32
	s.handlers.Range(func(tid int32, _ net.Conn) bool {
		tids = append(tids, tid)
		return true
	})
	slices.Sort(tids)
	return tids
}

// Closed reports whether Close was called
func (s *FakeServer) Closed() bool {
	return s.closed.Load()
}

// Close stops accepting, closes all connections and waits for the handlers
func (s *FakeServer) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	err := s.ln.Close()
	s.handlers.Range(func(_ int32, conn net.Conn) bool {
		conn.Close()
		return true
	})
	s.wg.Wait()
	return err
}

// --------------------------------------------------------------------------
// Connection handling
// --------------------------------------------------------------------------

func (s *FakeServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		tid := s.nextTid.Add(1)
		s.handlers.Store(tid, conn)
		if s.closed.Load() {
			conn.Close()
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.handlers.Delete(tid)
			defer conn.Close()
			s.serve(conn)
		}()
	}
}

func (s *FakeServer) serve(conn net.Conn) {
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			respond(conn, wire.StatusParsingError, nil)
			continue
		}

		cmd, err := wire.ParseCommand(fields[0])
		if err != nil {
			respond(conn, wire.StatusParsingError, nil)
			continue
		}
		if s.opts.Mute != "" && strings.EqualFold(s.opts.Mute, cmd.String()) {
			continue
		}

		switch cmd {
		case wire.CmdPing:
			err = respond(conn, wire.StatusOK, nil)
		case wire.CmdSet:
			err = s.set(conn, r, fields)
		case wire.CmdGet:
			err = s.get(conn, fields)
		case wire.CmdDel:
			err = s.del(conn, fields)
		case wire.CmdReset:
			s.reset()
			err = respond(conn, wire.StatusOK, nil)
		case wire.CmdDump:
			err = s.dump(conn)
		case wire.CmdSetOpt:
			err = s.setOpt(conn, fields)
		case wire.CmdExit:
			respond(conn, wire.StatusOK, nil)
			return
		}
		if err != nil {
			return
		}
	}
}

func respond(conn net.Conn, status int, payload []byte) error {
	header := fmt.Sprintf("%d %s %d\n", status, wire.CodeName(status), len(payload))
	buf := make([]byte, 0, len(header)+len(payload)+1)
	buf = append(buf, header...)
	if len(payload) > 0 {
		buf = append(append(buf, payload...), '\n')
	}
	_, err := conn.Write(buf)
	return err
}

func (s *FakeServer) bucketOf(key string) *bucket {
	return s.buckets[wire.BucketOf(key)]
}

// --------------------------------------------------------------------------
// Commands
// --------------------------------------------------------------------------

func (s *FakeServer) set(conn net.Conn, r *bufio.Reader, fields []string) error {
	if len(fields) != 3 {
		return respond(conn, wire.StatusParsingError, nil)
	}
	key := fields[1]
	size, err := strconv.Atoi(fields[2])
	if err != nil || size < 0 {
		return respond(conn, wire.StatusParsingError, nil)
	}

	b := s.bucketOf(key)
	b.mu.Lock()
	it, exists := b.items[key]
	if exists && (it.writer || it.readers > 0) && !s.opts.NoKeyLocks {
		b.mu.Unlock()
		// the value is on its way, consume it before answering
		if _, err := io.CopyN(io.Discard, r, int64(size)+1); err != nil {
			return err
		}
		return respond(conn, wire.StatusKeyError, nil)
	}
	if !exists {
		it = &item{value: []byte{}, placeholder: true}
		b.items[key] = it
	}
	it.writer = true
	b.mu.Unlock()

	value := make([]byte, size+1)
	if _, err := io.ReadFull(r, value); err != nil || value[size] != '\n' {
		// client went away mid value, abort the store
		b.mu.Lock()
		if it.placeholder {
			delete(b.items, key)
		}
		it.writer = false
		b.mu.Unlock()
		if err == nil {
			err = fmt.Errorf("missing newline after value")
		}
		return err
	}

	b.mu.Lock()
	it.value = value[:size]
	it.writer = false
	it.placeholder = false
	b.mu.Unlock()
	return respond(conn, wire.StatusOK, nil)
}

func (s *FakeServer) get(conn net.Conn, fields []string) error {
	if len(fields) != 2 {
		return respond(conn, wire.StatusParsingError, nil)
	}
	key := fields[1]

	b := s.bucketOf(key)
	b.mu.Lock()
	it, exists := b.items[key]
	if !exists || (it.writer && !s.opts.NoKeyLocks) {
		b.mu.Unlock()
		return respond(conn, wire.StatusKeyError, nil)
	}
	it.readers++
	value := it.value
	b.mu.Unlock()

	// the read lock is held while the value is written, which blocks if the
	// client does not read
	err := respond(conn, wire.StatusOK, value)

	b.mu.Lock()
	it.readers--
	b.mu.Unlock()
	return err
}

func (s *FakeServer) del(conn net.Conn, fields []string) error {
	if len(fields) != 2 {
		return respond(conn, wire.StatusParsingError, nil)
	}
	key := fields[1]

	b := s.bucketOf(key)
	b.mu.Lock()
	it, exists := b.items[key]
	if !exists || ((it.writer || it.readers > 0) && !s.opts.NoKeyLocks) {
		b.mu.Unlock()
		return respond(conn, wire.StatusKeyError, nil)
	}
	if !s.opts.IgnoreDel {
		delete(b.items, key)
	}
	b.mu.Unlock()
	return respond(conn, wire.StatusOK, nil)
}

func (s *FakeServer) reset() {
	for _, b := range s.buckets {
		b.mu.Lock()
		b.items = make(map[string]*item)
		b.mu.Unlock()
	}
}

func (s *FakeServer) dump(conn net.Conn) error {
	for _, b := range s.buckets {
		b.mu.Lock()
	}
	dump := &wire.Dump{}
	for i, b := range s.buckets {
		rec := wire.BucketRecord{Bucket: i}
		keys := make([]string, 0, len(b.items))
		for k := range b.items {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			rec.Entries = append(rec.Entries, wire.Entry{Key: k, Value: b.items[k].value})
		}
		dump.Buckets = append(dump.Buckets, rec)
	}
	err := writeDumpFile(s.dumpPath, dump)
	for _, b := range s.buckets {
		b.mu.Unlock()
	}

	if err != nil {
		msg := fmt.Sprintf("Could not open %s for creating dump", s.dumpPath)
		return respond(conn, wire.StatusUnknownError, []byte(msg))
	}
	return respond(conn, wire.StatusOK, nil)
}

func writeDumpFile(path string, dump *wire.Dump) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := wire.WriteDump(f, dump); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (s *FakeServer) setOpt(conn net.Conn, fields []string) error {
	if len(fields) != 3 {
		return respond(conn, wire.StatusParsingError, nil)
	}
	if fields[1] != "SNDBUF" {
		return respond(conn, wire.StatusKeyError, nil)
	}
	size, err := strconv.Atoi(fields[2])
	if err != nil {
		return respond(conn, wire.StatusParsingError, nil)
	}

	applied, err := setSendBuffer(conn, size)
	if err != nil {
		return respond(conn, wire.StatusSetOptError, nil)
	}
	return respond(conn, wire.StatusOK, []byte(strconv.Itoa(applied)))
}

func setSendBuffer(conn net.Conn, size int) (int, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return 0, errors.New("not a socket")
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return 0, err
	}

	var applied int
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		if sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, size); sockErr != nil {
			return
		}
		applied, sockErr = unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF)
	})
	if err != nil {
		return 0, err
	}
	return applied, sockErr
}

package wire

import (
	"bytes"
	"errors"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/ValentinKolb/kvcheck/lib/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ------ Encoding ------

func TestEncode(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		want string
	}{
		{"ping", Simple(CmdPing), "PING\n"},
		{"reset", Simple(CmdReset), "RESET\n"},
		{"get", Get("foo"), "GET foo\n"},
		{"del", Del("foo"), "DEL foo\n"},
		{"set", Set("hello", []byte("world")), "SET hello 5\nworld\n"},
		{"set empty value", Set("k", []byte{}), "SET k 0\n\n"},
		{"set multibyte", Set("k", []byte("ü")), "SET k 2\nü\n"},
		{"setopt", SetOpt("SNDBUF", "0"), "SETOPT SNDBUF 0\n"},
		{"raw", Request{Raw: "GET foo"}, "GET foo\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := string(Encode(tt.req)); got != tt.want {
				t.Errorf("Encode() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEncodeHeaderWithholdsValue(t *testing.T) {
	assert.Equal(t, "SET hello 5\n", string(EncodeHeader(Set("hello", []byte("world")))))
}

func TestParseCommand(t *testing.T) {
	cmd, err := ParseCommand("setopt")
	require.NoError(t, err)
	assert.Equal(t, CmdSetOpt, cmd)

	_, err = ParseCommand("FROB")
	assert.Error(t, err)
}

// ------ Status lines ------

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus("1 KEY_ERROR 0")
	require.NoError(t, err)
	assert.Equal(t, Status{ErrNum: 1, ErrCode: "KEY_ERROR", PayloadLen: 0}, st)
	assert.False(t, st.OK())

	for _, bad := range []string{"", "0 OK", "0 OK 1 2", "x OK 0", "0 OK y", "0 OK -1"} {
		_, err := ParseStatus(bad)
		if !common.IsKind(err, common.KindProtocol) {
			t.Errorf("ParseStatus(%q) = %v, want protocol error", bad, err)
		}
	}
}

func TestCodeName(t *testing.T) {
	assert.Equal(t, CodeKeyError, CodeName(StatusKeyError))
	assert.Equal(t, CodeSetOptError, CodeName(StatusSetOptError))
	assert.Equal(t, "Unknown error", CodeName(42))
}

// ------ Reader ------

func TestReaderFrames(t *testing.T) {
	r := NewReader(strings.NewReader("0 OK 5\nworld\n1 KEY_ERROR 0\n0 OK 0\n"))

	st, err := r.ReadStatus()
	require.NoError(t, err)
	payload, err := r.ReadPayload(st.PayloadLen)
	require.NoError(t, err)
	assert.Equal(t, "world", string(payload))

	st, err = r.ReadStatus()
	require.NoError(t, err)
	assert.Equal(t, CodeKeyError, st.ErrCode)

	st, err = r.ReadStatus()
	require.NoError(t, err)
	payload, err = r.ReadPayload(st.PayloadLen)
	require.NoError(t, err)
	assert.Empty(t, payload)

	_, err = r.ReadStatus()
	assert.True(t, common.IsKind(err, common.KindTransport))
	assert.True(t, errors.Is(err, common.ErrConnectionClosed))
}

func TestReaderPayloadEarlyClose(t *testing.T) {
	r := NewReader(strings.NewReader("abc"))
	_, err := r.ReadPayload(10)
	assert.True(t, common.IsKind(err, common.KindProtocol))
	assert.True(t, errors.Is(err, common.ErrConnectionClosed))
	assert.Contains(t, err.Error(), "got only 3 bytes")
}

func TestReaderPayloadMissingDelimiter(t *testing.T) {
	r := NewReader(strings.NewReader("abcX"))
	_, err := r.ReadPayload(3)
	assert.True(t, common.IsKind(err, common.KindProtocol))
	assert.False(t, errors.Is(err, common.ErrConnectionClosed))
}

// chunkReader hands out one chunk per Read. An empty chunk is a read
// timeout.
type chunkReader struct {
	chunks []string
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(c.chunks) == 0 {
		return 0, io.EOF
	}
	chunk := c.chunks[0]
	c.chunks = c.chunks[1:]
	if chunk == "" {
		return 0, os.ErrDeadlineExceeded
	}
	return copy(p, chunk), nil
}

func TestReaderKeepsBytesAcrossTimeout(t *testing.T) {
	r := NewReader(&chunkReader{chunks: []string{"0 OK", "", " 5\nhel", "", "lo\n"}})

	_, err := r.ReadStatus()
	require.True(t, errors.Is(err, common.ErrTransportTimeout))
	assert.Equal(t, []byte("0 OK"), r.Buffered())

	st, err := r.ReadStatus()
	require.NoError(t, err)
	assert.Equal(t, Status{ErrNum: 0, ErrCode: "OK", PayloadLen: 5}, st)

	_, err = r.ReadPayload(st.PayloadLen)
	require.True(t, errors.Is(err, common.ErrTransportTimeout))
	assert.Contains(t, err.Error(), "Expected 5 bytes, got 3 bytes")

	payload, err := r.ReadPayload(st.PayloadLen)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), payload)
	assert.Empty(t, r.Buffered())
}

func TestDecodeText(t *testing.T) {
	s, err := DecodeText([]byte("héllo"))
	require.NoError(t, err)
	assert.Equal(t, "héllo", s)

	_, err = DecodeText([]byte{0xff, 0xfe})
	assert.True(t, errors.Is(err, common.ErrInvalidUTF8))
}

// ------ Hash ------

func TestBucket(t *testing.T) {
	tests := []struct {
		key    string
		hash   uint32
		bucket uint8
	}{
		{"", 5381, 5},
		{"a", 177670, 6},
		{"hello", 261238937, 153},
		{"foo", 193491849, 137},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.hash, Hash([]byte(tt.key)), tt.key)
		assert.Equal(t, tt.bucket, BucketOf(tt.key), tt.key)
	}

	// 32 bit wrap around
	long := "longkey1" + strings.Repeat("x", 3000)
	assert.Equal(t, uint32(1964830447), Hash([]byte(long)))
	assert.Equal(t, uint8(239), BucketOf(long))
}

// ------ Dump ------

func TestParseDump(t *testing.T) {
	src := "B 0\nB 137\nK foo 3\nbar\nB 153\nK hello 5\nworld\nB 255\n"
	dump, err := ParseDump(strings.NewReader(src), "dump.dat")
	require.NoError(t, err)

	require.Len(t, dump.Buckets, 4)
	assert.Equal(t, 137, dump.Buckets[1].Bucket)
	assert.Equal(t, 2, dump.Len())
	assert.Equal(t, map[string][]byte{"foo": []byte("bar"), "hello": []byte("world")}, dump.State())
}

func TestParseDumpValueWithNewline(t *testing.T) {
	dump, err := ParseDump(strings.NewReader("B 137\nK foo 4\na\nb\n\n"), "dump.dat")
	require.NoError(t, err)
	assert.Equal(t, "a\nb\n", string(dump.State()["foo"]))
}

func TestParseDumpErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"wrong bucket", "B 1\nK foo 3\nbar\n", `Key "foo" should be in bucket 137 but was found in 1.`},
		{"duplicate", "B 137\nK foo 3\nbar\nK foo 3\nbaz\n", "Duplicate key foo"},
		{"unknown line", "B 137\nX foo\n", "Unexpected line type X"},
		{"missing newline", "B 137\nK foo 3\nbarX", "Expected newline"},
		{"truncated", "B 137\nK foo 10\nbar\n", "truncated"},
		{"invalid utf8", "B 137\nK foo 2\n\xff\xfe\n", "not valid unicode"},
		{"key outside bucket", "K foo 3\nbar\n", "not in a bucket"},
		{"unterminated line", "B 137", "Expected newline"},
		{"hex size", "B 137\nK foo 0x3\nbar\n", `Invalid value size "0x3"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDump(strings.NewReader(tt.src), "dump.dat")
			require.Error(t, err)
			assert.True(t, common.IsKind(err, common.KindIntegrity))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestWriteDumpRoundTrip(t *testing.T) {
	in := &Dump{Buckets: []BucketRecord{
		{Bucket: 5},
		{Bucket: 137, Entries: []Entry{{Key: "foo", Value: []byte("b\nr")}}},
	}}

	var buf bytes.Buffer
	require.NoError(t, WriteDump(&buf, in))
	assert.Equal(t, "B 5\nB 137\nK foo 3\nb\nr\n", buf.String())

	out, err := ParseDump(&buf, "mem")
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

package wire

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/ValentinKolb/kvcheck/lib/common"
	"golang.org/x/sys/unix"
)

// readBufferSize is kept small on purpose: reading ahead would drain the
// socket and unblock a server that is supposed to stay stuck in write()
const readBufferSize = 1024

// ParseStatus decodes a status line "<err_num> <err_code> <payload_len>"
func ParseStatus(line string) (Status, error) {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return Status{}, statusError(line, nil)
	}

	errNum, err := strconv.Atoi(fields[0])
	if err != nil {
		return Status{}, statusError(line, err)
	}
	payloadLen, err := strconv.Atoi(fields[2])
	if err != nil {
		return Status{}, statusError(line, err)
	}
	if payloadLen < 0 {
		return Status{}, statusError(line, fmt.Errorf("negative payload length %d", payloadLen))
	}

	return Status{ErrNum: errNum, ErrCode: fields[1], PayloadLen: payloadLen}, nil
}

func statusError(line string, cause error) error {
	return common.NewError(common.KindProtocol, "",
		fmt.Sprintf("Error parsing server response.\nServer response: \"%s\"", line), cause)
}

// DecodeText checks that a payload is valid UTF-8 and returns it as string
func DecodeText(payload []byte) (string, error) {
	if !utf8.Valid(payload) {
		return "", common.NewError(common.KindProtocol, "",
			fmt.Sprintf("Error parsing response: unicode: %s", common.Printable(payload, 128)),
			common.ErrInvalidUTF8)
	}
	return string(payload), nil
}

// --------------------------------------------------------------------------
// Reader
// --------------------------------------------------------------------------

// Reader decodes response frames from a byte stream. Bytes that arrived
// before a read timed out are kept, so a retried read continues the frame.
type Reader struct {
	r       *bufio.Reader
	pending []byte
}

// NewReader creates a new frame reader
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, readBufferSize)}
}

// Buffered returns the bytes that were received but not consumed yet
func (r *Reader) Buffered() []byte {
	b, _ := r.r.Peek(r.r.Buffered())
	return append(append([]byte(nil), r.pending...), b...)
}

// takePending removes up to n pending bytes (all for n < 0)
func (r *Reader) takePending(n int) []byte {
	if n < 0 || n > len(r.pending) {
		n = len(r.pending)
	}
	taken := r.pending[:n:n]
	r.pending = r.pending[n:]
	if len(r.pending) == 0 {
		r.pending = nil
	}
	return taken
}

// ReadLine reads one line and strips the trailing newline
func (r *Reader) ReadLine() (string, error) {
	var line string
	if i := bytes.IndexByte(r.pending, '\n'); i >= 0 {
		line = string(r.takePending(i + 1))
	} else {
		prefix := r.takePending(-1)
		rest, err := r.r.ReadString('\n')
		line = string(prefix) + rest
		if err != nil {
			return "", r.lineError(line, err)
		}
	}
	return strings.TrimSuffix(line, "\n"), nil
}

func (r *Reader) lineError(line string, err error) error {
	if IsTimeout(err) {
		r.pending = []byte(line)
		msg := "Timeout, did not receive (full) reply from server."
		if line != "" {
			msg += "\nReceive buffer: " + common.PrintableString(line, 128)
		}
		return common.NewError(common.KindTransport, "", msg, common.ErrTransportTimeout)
	}
	if IsClosed(err) {
		return common.NewError(common.KindTransport, "",
			fmt.Sprintf("Connection to server was closed.\nReceive buffer: %s",
				common.PrintableString(line, 128)),
			common.ErrConnectionClosed)
	}
	return common.NewError(common.KindTransport, "recv line", err.Error(), err)
}

// ReadStatus reads and decodes a status line
func (r *Reader) ReadStatus() (Status, error) {
	line, err := r.ReadLine()
	if err != nil {
		return Status{}, err
	}
	return ParseStatus(line)
}

// ReadPayload reads exactly n bytes followed by the newline delimiter.
// For n == 0 nothing is read, the server does not send a payload line then.
func (r *Reader) ReadPayload(n int) ([]byte, error) {
	if n == 0 {
		return []byte{}, nil
	}

	// payload plus delimiter
	frame := make([]byte, n+1)
	got := copy(frame, r.takePending(n+1))
	m, err := io.ReadFull(r.r, frame[got:])
	got += m
	if err != nil {
		if IsTimeout(err) {
			r.pending = frame[:got]
			return nil, common.NewError(common.KindTransport, "",
				fmt.Sprintf("Timeout, did not receive (full) reply from server. "+
					"Expected %d bytes, got %d bytes\nReceive buffer: %s",
					n, min(got, n), common.Printable(frame[:min(got, n)], 128)),
				common.ErrTransportTimeout)
		}
		if IsClosed(err) {
			if got == n {
				return nil, common.NewError(common.KindProtocol, "",
					fmt.Sprintf("Connection to server was closed before the newline after a %d byte payload.", n),
					common.ErrConnectionClosed)
			}
			return nil, common.NewError(common.KindProtocol, "",
				fmt.Sprintf("Connection to server was closed while trying to read %d bytes, "+
					"got only %d bytes (%s).", n, got, common.Printable(frame[:got], 128)),
				common.ErrConnectionClosed)
		}
		return nil, common.NewError(common.KindTransport, "recv payload", err.Error(), err)
	}

	if delim := frame[n]; delim != '\n' {
		return nil, common.Errorf(common.KindProtocol,
			"Expected newline after %d byte payload, got %q", n, delim)
	}
	return frame[:n], nil
}

// IsTimeout reports a deadline or timeout error of the underlying stream
func IsTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// IsClosed reports an orderly or abortive close of the peer
func IsClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, os.ErrClosed) ||
		isReset(err)
}

// isReset reports a connection reset or a write to a closed peer
func isReset(err error) bool {
	return errors.Is(err, unix.ECONNRESET) || errors.Is(err, unix.EPIPE)
}

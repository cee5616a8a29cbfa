package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/ValentinKolb/kvcheck/lib/common"
	"github.com/ValentinKolb/kvcheck/lib/wire"
	"github.com/cenkalti/backoff/v4"
	"github.com/lni/dragonboat/v4/logger"
	"golang.org/x/sys/unix"
)

var Logger = logger.GetLogger("transport")

const (
	// minRecvBuffer is the receive buffer Linux actually uses, even if
	// getsockopt reports less
	minRecvBuffer = 32 * 1024

	// slowReadTimeout is used after the buffers were shrunk. With exceeded
	// buffers recv() sometimes needs a few seconds to notice more data.
	slowReadTimeout = 5 * time.Second
)

// Conn is a single client session with the server. A Conn is used by one
// goroutine at a time; the protocol is not pipelined.
type Conn struct {
	conn        net.Conn
	reader      *wire.Reader
	config      common.ClientConfig
	readTimeout time.Duration

	lastCmd  string
	withheld *wire.Request
	closed   bool
}

// --------------------------------------------------------------------------
// Connect
// --------------------------------------------------------------------------

// Dial connects to the server using TCP, see DialWith
func Dial(ctx context.Context, config common.ClientConfig) (*Conn, error) {
	return DialWith(ctx, config, NewTCPConnector())
}

// DialWith connects to the server. Refused and timed out attempts are retried
// every RetryInterval until ConnectTimeout elapses.
func DialWith(ctx context.Context, config common.ClientConfig, connector IConnector) (*Conn, error) {
	endpoint := config.Endpoint()

	var b backoff.BackOff = backoff.NewConstantBackOff(config.RetryInterval)
	if config.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.ConnectTimeout)
		defer cancel()
	} else {
		b = backoff.WithMaxRetries(b, 0)
	}

	var (
		conn    net.Conn
		lastErr error
		tries   int
	)
	op := func() error {
		tries++
		c, err := connector.Connect(ctx, endpoint)
		if err != nil {
			// an attempt cut short by the deadline says nothing about the server
			if lastErr == nil || ctx.Err() == nil {
				lastErr = err
			}
			if retryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		conn = c
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		common.CountTransportError()
		if lastErr == nil {
			lastErr = err
		}
		cause := common.ErrConnectTimeout
		switch {
		case errors.Is(lastErr, unix.ECONNREFUSED):
			cause = common.ErrConnectRefused
		case !retryable(lastErr):
			cause = lastErr
		}
		Logger.Debugf("giving up connecting to %s after %d attempts: %v", endpoint, tries, lastErr)
		return nil, common.NewError(common.KindTransport, "",
			fmt.Sprintf("Could not connect to server at %s: %v", endpoint, lastErr), cause)
	}

	if err := connector.UpgradeConnection(conn, config); err != nil {
		conn.Close()
		return nil, common.NewError(common.KindTransport, "",
			fmt.Sprintf("failed to upgrade connection to %s: %v", endpoint, err), err)
	}

	Logger.Debugf("connected to %s using %s transport after %d attempts", endpoint, connector.GetName(), tries)
	return &Conn{
		conn:        conn,
		reader:      wire.NewReader(conn),
		config:      config,
		readTimeout: config.SocketTimeout,
	}, nil
}

// retryable reports errors that are expected while the server is still
// starting up
func retryable(err error) bool {
	return errors.Is(err, unix.ECONNREFUSED) ||
		errors.Is(err, unix.ECONNABORTED) ||
		errors.Is(err, unix.ECONNRESET) ||
		wire.IsTimeout(err)
}

// --------------------------------------------------------------------------
// Sending
// --------------------------------------------------------------------------

// Send writes raw data to the server
func (c *Conn) Send(data []byte) error {
	if c.closed {
		return common.NewError(common.KindTransport, "send", "connection is closed", common.ErrConnectionClosed)
	}
	if c.config.SocketTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.config.SocketTimeout))
	}
	if _, err := c.conn.Write(data); err != nil {
		common.CountTransportError()
		switch {
		case wire.IsTimeout(err):
			return common.NewError(common.KindTransport, "", "Server did not want to receive our data.",
				common.ErrTransportTimeout)
		case wire.IsClosed(err):
			return common.NewError(common.KindTransport, "", "Connection to server was closed while sending.",
				common.ErrConnectionClosed)
		default:
			return common.NewError(common.KindTransport, "send", err.Error(), err)
		}
	}
	return nil
}

// SendCommand encodes and sends a full request
func (c *Conn) SendCommand(req wire.Request) error {
	c.lastCmd = req.Name()
	common.CountCommand(c.lastCmd)
	return c.Send(wire.Encode(req))
}

// --------------------------------------------------------------------------
// Receiving
// --------------------------------------------------------------------------

// RecvStatus waits for the next status line
func (c *Conn) RecvStatus() (wire.Status, error) {
	c.setReadDeadline()
	st, err := c.reader.ReadStatus()
	if err != nil {
		return st, c.recvError(err)
	}
	return st, nil
}

// RecvPayload reads a payload of n bytes and its delimiter
func (c *Conn) RecvPayload(n int) ([]byte, error) {
	c.setReadDeadline()
	payload, err := c.reader.ReadPayload(n)
	if err != nil {
		return nil, c.recvError(err)
	}
	return payload, nil
}

func (c *Conn) setReadDeadline() {
	if c.readTimeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	}
}

// recvError adds the last command to timeouts, a silent server is the most
// common failure while developing it
func (c *Conn) recvError(err error) error {
	if common.IsKind(err, common.KindTransport) {
		common.CountTransportError()
	}
	if !errors.Is(err, common.ErrTransportTimeout) {
		return err
	}

	extra := ""
	if c.lastCmd == wire.CmdDump.String() {
		extra = "\nMake sure to support concurrent connections, " +
			"by creating a new thread per connection or using a thread pool"
	}
	if buffered := c.reader.Buffered(); len(buffered) > 0 {
		extra += "\nReceive buffer: " + common.Printable(buffered, 128)
	}
	return common.NewError(common.KindTransport, "",
		fmt.Sprintf("%v\nLast cmd: %s%s", err, c.lastCmd, extra),
		common.ErrTransportTimeout)
}

// --------------------------------------------------------------------------
// Commands
// --------------------------------------------------------------------------

// Issue sends a request and waits for the complete response. A non zero
// status is returned as *common.ServerFault.
func (c *Conn) Issue(req wire.Request) ([]byte, error) {
	start := time.Now()
	if err := c.SendCommand(req); err != nil {
		return nil, err
	}
	payload, err := c.recvResponse(req)
	common.ObserveCommand(start)
	return payload, err
}

// IssueWithheld sends only the command line of a request and leaves the server
// waiting for the value. With readStatus the status line is read as well, but
// the payload is left on the wire; the payload length is returned then.
func (c *Conn) IssueWithheld(req wire.Request, readStatus bool) (int, error) {
	c.lastCmd = req.Name()
	common.CountCommand(c.lastCmd)
	if err := c.Send(wire.EncodeHeader(req)); err != nil {
		return 0, err
	}
	if !readStatus {
		c.withheld = &req
		return 0, nil
	}

	st, err := c.RecvStatus()
	if err != nil {
		return 0, err
	}
	if !st.OK() {
		payload, err := c.RecvPayload(st.PayloadLen)
		if err != nil {
			return 0, err
		}
		return 0, c.fault(req, st, payload)
	}
	return st.PayloadLen, nil
}

// CompleteWithheld sends the value of a withheld request and reads the response
func (c *Conn) CompleteWithheld(value []byte) ([]byte, error) {
	req := wire.Request{Cmd: wire.CmdSet}
	if c.withheld != nil {
		req = *c.withheld
	}
	c.withheld = nil

	data := make([]byte, 0, len(value)+1)
	data = append(append(data, value...), '\n')
	if err := c.Send(data); err != nil {
		return nil, err
	}
	return c.recvResponse(req)
}

// Recv reads a complete response for a request that was sent by other means
// (e.g. with Send)
func (c *Conn) Recv(req wire.Request) ([]byte, error) {
	return c.recvResponse(req)
}

func (c *Conn) recvResponse(req wire.Request) ([]byte, error) {
	st, err := c.RecvStatus()
	if err != nil {
		return nil, err
	}
	payload, err := c.RecvPayload(st.PayloadLen)
	if err != nil {
		return nil, err
	}
	if !st.OK() {
		return nil, c.fault(req, st, payload)
	}
	return payload, nil
}

func (c *Conn) fault(req wire.Request, st wire.Status, payload []byte) error {
	common.CountFault(st.ErrCode)
	Logger.Debugf("server fault for %s: %s", req.Name(), st)
	return &common.ServerFault{
		ErrNum:  st.ErrNum,
		ErrCode: st.ErrCode,
		Payload: payload,
		Cmd:     req.Name(),
		Key:     req.Key,
		Value:   req.Value,
	}
}

// --------------------------------------------------------------------------
// Flow control
// --------------------------------------------------------------------------

// SetBufferSizes shrinks (or restores) the socket buffers so that a write of
// the server blocks once size bytes are in flight. With alsoServer the send
// buffer of the server side is set via SETOPT. The returned value is the
// number of bytes that fit into both buffers.
func (c *Conn) SetBufferSizes(size int, alsoServer bool) (int, error) {
	remote := 0
	if alsoServer {
		payload, err := c.Issue(wire.SetOpt("SNDBUF", strconv.Itoa(size)))
		if err != nil {
			return 0, err
		}
		remote, err = strconv.Atoi(string(payload))
		if err != nil {
			return 0, common.NewError(common.KindProtocol, "",
				fmt.Sprintf("SETOPT SNDBUF returned a non numeric size: %s", common.Printable(payload, 32)), err)
		}
	}

	local, err := c.setRecvBuffer(size)
	if err != nil {
		return 0, err
	}
	local = max(local, minRecvBuffer)

	c.readTimeout = max(c.readTimeout, slowReadTimeout)

	Logger.Debugf("buffer sizes set to %d (remote=%d, local=%d)", size, remote, local)
	return remote + local, nil
}

func (c *Conn) setRecvBuffer(size int) (int, error) {
	sc, ok := c.conn.(syscall.Conn)
	if !ok {
		return 0, fmt.Errorf("connection does not expose its socket")
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return 0, fmt.Errorf("failed to access socket: %w", err)
	}

	var local int
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		if sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, size); sockErr != nil {
			return
		}
		local, sockErr = unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to access socket: %w", err)
	}
	if sockErr != nil {
		return 0, fmt.Errorf("failed to set SO_RCVBUF: %w", sockErr)
	}
	return local, nil
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

// LastCmd returns the method of the last command that was sent
func (c *Conn) LastCmd() string {
	return c.lastCmd
}

// Withheld reports whether a withheld command is waiting for completion
func (c *Conn) Withheld() bool {
	return c.withheld != nil
}

// Close shuts the connection down gracefully and closes it. Closing an already
// closed connection is not an error.
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true

	if tcpConn, ok := c.conn.(*net.TCPConn); ok {
		_ = tcpConn.CloseWrite()
	}
	if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("failed to close connection: %w", err)
	}
	return nil
}

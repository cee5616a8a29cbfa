package wire

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("wire")

// --------------------------------------------------------------------------
// Commands
// --------------------------------------------------------------------------

// Command is a request method of the key-value server
type Command uint8

const (
	CmdPing Command = iota
	CmdSet
	CmdGet
	CmdDel
	CmdReset
	CmdDump
	CmdSetOpt
	CmdExit
)

var commandNames = [...]string{
	CmdPing:   "PING",
	CmdSet:    "SET",
	CmdGet:    "GET",
	CmdDel:    "DEL",
	CmdReset:  "RESET",
	CmdDump:   "DUMP",
	CmdSetOpt: "SETOPT",
	CmdExit:   "EXIT",
}

func (c Command) String() string {
	if int(c) < len(commandNames) {
		return commandNames[c]
	}
	return "UNK"
}

// ParseCommand parses a method name (case insensitive)
func ParseCommand(s string) (Command, error) {
	upper := strings.ToUpper(s)
	for i, name := range commandNames {
		if name == upper {
			return Command(i), nil
		}
	}
	return 0, fmt.Errorf("unknown command: %s", s)
}

// --------------------------------------------------------------------------
// Status codes
// --------------------------------------------------------------------------

const (
	StatusOK           = 0
	StatusKeyError     = 1
	StatusParsingError = 2
	StatusStoreError   = 3
	StatusSetOptError  = 4
	StatusUnknownError = 5
)

const (
	CodeOK           = "OK"
	CodeKeyError     = "KEY_ERROR"
	CodeParsingError = "PARSING_ERROR"
	CodeStoreError   = "STORE_ERROR"
	CodeSetOptError  = "SETOPT_ERROR"
	CodeUnknownError = "UNK_ERROR"
)

// CodeName returns the symbolic error code the server uses for a status number
func CodeName(num int) string {
	switch num {
	case StatusOK:
		return CodeOK
	case StatusKeyError:
		return CodeKeyError
	case StatusParsingError:
		return CodeParsingError
	case StatusStoreError:
		return CodeStoreError
	case StatusSetOptError:
		return CodeSetOptError
	case StatusUnknownError:
		return CodeUnknownError
	default:
		return "Unknown error"
	}
}

// Status is the first line of every response
type Status struct {
	ErrNum     int
	ErrCode    string
	PayloadLen int
}

func (s Status) OK() bool {
	return s.ErrNum == StatusOK
}

func (s Status) String() string {
	return fmt.Sprintf("%d %s %d", s.ErrNum, s.ErrCode, s.PayloadLen)
}

// --------------------------------------------------------------------------
// Requests
// --------------------------------------------------------------------------

// Request is a single command sent to the server.
//
// Key is omitted from the command line if empty. Arg is appended after the key
// (used by SETOPT). A non nil Value adds its byte length to the command line and
// is sent on its own line afterwards.
type Request struct {
	Cmd   Command
	Key   string
	Value []byte
	Arg   string

	// Raw overrides the method name on the command line (e.g. "GET key"
	// sent as a single token). Only used to reproduce malformed clients.
	Raw string
}

// Set creates a SET request
func Set(key string, value []byte) Request {
	return Request{Cmd: CmdSet, Key: key, Value: value}
}

// Get creates a GET request
func Get(key string) Request {
	return Request{Cmd: CmdGet, Key: key}
}

// Del creates a DEL request
func Del(key string) Request {
	return Request{Cmd: CmdDel, Key: key}
}

// SetOpt creates a SETOPT request, e.g. SetOpt("SNDBUF", "0")
func SetOpt(opt, arg string) Request {
	return Request{Cmd: CmdSetOpt, Key: opt, Arg: arg}
}

// Simple creates a request without arguments (PING, RESET, DUMP, EXIT)
func Simple(cmd Command) Request {
	return Request{Cmd: cmd}
}

// Name returns the method name as it appears on the command line
func (r Request) Name() string {
	if r.Raw != "" {
		return r.Raw
	}
	return r.Cmd.String()
}

// EncodeHeader encodes only the command line of a request
func EncodeHeader(r Request) []byte {
	var buf bytes.Buffer
	writeHeader(&buf, r)
	return buf.Bytes()
}

// Encode encodes a request including its value line
func Encode(r Request) []byte {
	var buf bytes.Buffer
	buf.Grow(len(r.Key) + len(r.Value) + 32)
	writeHeader(&buf, r)
	if r.Value != nil {
		buf.Write(r.Value)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

func writeHeader(buf *bytes.Buffer, r Request) {
	buf.WriteString(r.Name())
	if r.Key != "" {
		buf.WriteByte(' ')
		buf.WriteString(r.Key)
	}
	if r.Arg != "" {
		buf.WriteByte(' ')
		buf.WriteString(r.Arg)
	}
	if r.Value != nil {
		buf.WriteByte(' ')
		buf.WriteString(strconv.Itoa(len(r.Value)))
	}
	buf.WriteByte('\n')
}

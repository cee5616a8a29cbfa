package harness

import (
	"context"

	"github.com/ValentinKolb/kvcheck/lib/common"
	"github.com/ValentinKolb/kvcheck/lib/oracle"
	"github.com/ValentinKolb/kvcheck/lib/transport"
	"github.com/ValentinKolb/kvcheck/lib/util"
	"github.com/ValentinKolb/kvcheck/lib/wire"
)

// Client is a connection together with the oracle state it records into.
// The controller's clients record into the oracle bound to their id, stress
// workers into their private view.
type Client struct {
	id    int
	ctx   context.Context
	conn  *transport.Conn
	state oracle.IState
	sizes *util.SizeHistogram

	stallKey   string
	stallValue []byte
}

// ID returns the actor id of the client
func (c *Client) ID() int {
	return c.id
}

// Conn returns the underlying connection for raw protocol access
func (c *Client) Conn() *transport.Conn {
	return c.conn
}

// Ping sends a PING
func (c *Client) Ping() error {
	if err := c.alive(); err != nil {
		return err
	}
	_, err := c.conn.Issue(wire.Simple(wire.CmdPing))
	return err
}

// Set stores a value. With allowError a server fault is swallowed and false
// returned; the oracle is only updated on success.
func (c *Client) Set(key string, value []byte, allowError bool) (bool, error) {
	if err := c.alive(); err != nil {
		return false, err
	}
	if _, err := c.conn.Issue(wire.Set(key, value)); err != nil {
		return false, swallowFault(err, allowError)
	}
	c.state.Record(key, oracle.Of(value))
	if c.sizes != nil {
		c.sizes.AddSample(len(value))
	}
	return true, nil
}

// Get reads a value. With checkVal the result is judged by the oracle. With
// allowError a server fault is not an error by itself, nil is returned then.
func (c *Client) Get(key string, allowError, checkVal bool) ([]byte, error) {
	if err := c.alive(); err != nil {
		return nil, err
	}
	value, err := c.conn.Issue(wire.Get(key))

	var fault *common.ServerFault
	if err != nil {
		f, ok := common.AsFault(err)
		if !ok || !allowError {
			return nil, err
		}
		fault = f
	}

	if checkVal {
		if err := oracle.CheckGet(c.state, key, value, fault); err != nil {
			return nil, err
		}
	}
	return value, nil
}

// Del deletes a key. With allowError a server fault is swallowed and false
// returned.
func (c *Client) Del(key string, allowError bool) (bool, error) {
	if err := c.alive(); err != nil {
		return false, err
	}
	if _, err := c.conn.Issue(wire.Del(key)); err != nil {
		return false, swallowFault(err, allowError)
	}
	c.state.Record(key, oracle.Deleted)
	return true, nil
}

// Stall sends the command line of SET key value but withholds the value.
// The server holds the key locked until CompleteStall; a new key is expected
// with an empty value meanwhile.
func (c *Client) Stall(key string, value []byte) error {
	if err := c.alive(); err != nil {
		return err
	}
	if _, err := c.conn.IssueWithheld(wire.Set(key, value), false); err != nil {
		return err
	}
	oracle.Apply(c.state, oracle.OpStall, key, nil)
	c.stallKey, c.stallValue = key, value
	return nil
}

// CompleteStall sends the withheld value of the last Stall
func (c *Client) CompleteStall() error {
	if err := c.alive(); err != nil {
		return err
	}
	if !c.conn.Withheld() {
		return common.TestErrorf("client %d has no stalled command", c.id)
	}
	if _, err := c.conn.CompleteWithheld(c.stallValue); err != nil {
		return err
	}
	c.state.Record(c.stallKey, oracle.Of(c.stallValue))
	c.stallKey, c.stallValue = "", nil
	return nil
}

// StallGet sends GET key and, with readStatus, reads the status line only.
// The payload length is returned; the payload stays on the wire until
// RecvPayload.
func (c *Client) StallGet(key string, readStatus bool) (int, error) {
	if err := c.alive(); err != nil {
		return 0, err
	}
	return c.conn.IssueWithheld(wire.Get(key), readStatus)
}

// RecvPayload reads the payload of a stalled GET
func (c *Client) RecvPayload(n int) ([]byte, error) {
	if err := c.alive(); err != nil {
		return nil, err
	}
	return c.conn.RecvPayload(n)
}

// SetBufferSizes shrinks or restores the socket buffers, see
// transport.Conn.SetBufferSizes
func (c *Client) SetBufferSizes(size int, alsoServer bool) (int, error) {
	if err := c.alive(); err != nil {
		return 0, err
	}
	return c.conn.SetBufferSizes(size, alsoServer)
}

// alive fails once the scenario the client belongs to ran out of time or was
// cancelled
func (c *Client) alive() error {
	if c.ctx == nil {
		return nil
	}
	return interrupted(c.ctx)
}

func swallowFault(err error, allowError bool) error {
	if _, ok := common.AsFault(err); ok && allowError {
		return nil
	}
	return err
}

package transport

import (
	"context"
	"net"

	"github.com/ValentinKolb/kvcheck/lib/common"
)

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IConnector defines the interface for transport-specific connection operations
type IConnector interface {
	// Connect establishes a single connection to the endpoint
	Connect(ctx context.Context, endpoint string) (net.Conn, error)

	// GetName returns the name of the transport type (e.g. "tcp")
	GetName() string

	// UpgradeConnection applies protocol-specific settings to an established connection
	UpgradeConnection(conn net.Conn, config common.ClientConfig) error
}

// tcpConnector implements the IConnector interface for TCP sockets
type tcpConnector struct {
	dialer net.Dialer
}

// NewTCPConnector creates the connector used to reach the server under test
func NewTCPConnector() IConnector {
	return &tcpConnector{}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see IConnector)
// --------------------------------------------------------------------------

func (c *tcpConnector) GetName() string {
	return "tcp"
}

func (c *tcpConnector) Connect(ctx context.Context, endpoint string) (net.Conn, error) {
	return c.dialer.DialContext(ctx, "tcp", endpoint)
}

// UpgradeConnection disables Nagle's algorithm if configured. Commands are
// small and strictly request/response, delaying them only slows the tests.
func (c *tcpConnector) UpgradeConnection(conn net.Conn, config common.ClientConfig) error {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return nil // Not a TCP connection, nothing to upgrade
	}
	return tcpConn.SetNoDelay(config.TCPNoDelay)
}

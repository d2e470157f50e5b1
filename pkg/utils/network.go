package utils

import (
	"context"
	"net"
	"strconv"
	"strings"
	"time"
)

const (
	// minThroughputBytesPerSecond defines the minimum expected throughput (4KB/s)
	// Used to calculate timeout scaling based on data transferred
	minThroughputBytesPerSecond = 4000
)

// Listener wraps a net.Listener, and gives a place to store the timeout
// parameters. On Accept, it will wrap the net.Conn with our own Conn for us.
// A zero timeout leaves accepted connections without deadlines.
type Listener struct {
	net.Listener
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func (l *Listener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return WrapConn(c, l.ReadTimeout, l.WriteTimeout), nil
}

// Conn wraps a net.Conn, and sets a deadline for every read
// and write operation.
type Conn struct {
	net.Conn
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	bytesRead    int64
	bytesWritten int64
}

// WrapConn returns c unchanged when both timeouts are zero.
func WrapConn(c net.Conn, readTimeout, writeTimeout time.Duration) net.Conn {
	if readTimeout == 0 && writeTimeout == 0 {
		return c
	}
	return &Conn{
		Conn:         c,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
}

// calculateBytesPerTimeout calculates the expected number of bytes that should
// be transferred during one timeout period, based on the minimum throughput.
// Returns at least 1 to prevent division by zero.
func calculateBytesPerTimeout(timeout time.Duration) int64 {
	bytesPerTimeout := int64(float64(minThroughputBytesPerSecond) * timeout.Seconds())
	if bytesPerTimeout <= 0 {
		return 1
	}
	return bytesPerTimeout
}

func (c *Conn) Read(b []byte) (count int, e error) {
	if c.ReadTimeout != 0 {
		// The deadline grows with the bytes already read so long transfers
		// at the minimum throughput are not cut off.
		bytesPerTimeout := calculateBytesPerTimeout(c.ReadTimeout)
		timeoutMultiplier := time.Duration(c.bytesRead/bytesPerTimeout + 1)
		err := c.Conn.SetReadDeadline(time.Now().Add(c.ReadTimeout * timeoutMultiplier))
		if err != nil {
			return 0, err
		}
	}
	count, e = c.Conn.Read(b)
	c.bytesRead += int64(count)
	return
}

func (c *Conn) Write(b []byte) (count int, e error) {
	if c.WriteTimeout != 0 {
		bytesPerTimeout := calculateBytesPerTimeout(c.WriteTimeout)
		timeoutMultiplier := time.Duration(c.bytesWritten/bytesPerTimeout + 1)
		err := c.Conn.SetWriteDeadline(time.Now().Add(c.WriteTimeout * timeoutMultiplier))
		if err != nil {
			return 0, err
		}
	}
	count, e = c.Conn.Write(b)
	c.bytesWritten += int64(count)
	return
}

// NewListener listens on addr and applies timeout to every accepted connection.
func NewListener(addr string, timeout time.Duration) (net.Listener, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	return &Listener{
		Listener:     listener,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	}, nil
}

// Dialer opens outbound TCP connections with the same deadline wrapping as
// Listener. A zero DialTimeout waits for the OS connect timeout.
type Dialer struct {
	DialTimeout time.Duration
	IOTimeout   time.Duration
}

func (d Dialer) DialContext(ctx context.Context, addr string) (net.Conn, error) {
	nd := net.Dialer{Timeout: d.DialTimeout}
	c, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return WrapConn(c, d.IOTimeout, d.IOTimeout), nil
}

// Abort closes conn with a TCP reset, so a peer blocked on a read gets an
// error instead of a clean end of stream.
func Abort(conn net.Conn) error {
	if c, ok := conn.(*Conn); ok {
		conn = c.Conn
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetLinger(0)
	}
	return conn.Close()
}

func JoinHostPort(host string, port int) string {
	portStr := strconv.Itoa(port)
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		return host + ":" + portStr
	}
	return net.JoinHostPort(host, portStr)
}

// Package channel implements the Channel abstraction (spec §4.3): a
// named, configured socket with validation, endpoint attachment, and
// rate tracking, bound to one transport. The periodic re-attach-with-
// address-reread behavior used by Connecting is grounded on the
// teacher's services/bridge/bridge.go run/reconfigure/runLink shape,
// generalized from a UART link supervisor to a socket attach loop.
package channel

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"devicemq-go/errcode"
	"devicemq-go/message"
	"devicemq-go/socket"
	"devicemq-go/transport"
	"devicemq-go/x/mathx"
)

// Method is how a channel attaches to its transport.
type Method string

const (
	MethodBind    Method = "bind"
	MethodConnect Method = "connect"
)

// AttachResult is the outcome of AttachEndpoint (spec §4.3).
type AttachResult int

const (
	AttachFail AttachResult = iota
	AttachSuccess
	AttachRetry
)

func (r AttachResult) String() string {
	switch r {
	case AttachSuccess:
		return "success"
	case AttachRetry:
		return "retry"
	default:
		return "fail"
	}
}

// NormalizeTransportTag returns tag unchanged. spec §6's global-key
// transport spellings (zeromq|nanomsg|shmem) are already registered
// transport.Factory names ("nanomsg" is registered by transport/inproc as
// an alias of "inproc"), so no mapping is needed.
func NormalizeTransportTag(tag string) string {
	return tag
}

var tcpHostPort = regexp.MustCompile(`^[^:]*:\d+$`)

// Channel is a named, ordered collection of subchannels sharing a role
// (spec §3/§4.3). One Channel instance is one subchannel; the device
// package keeps subchannels of the same name together in its channel
// arena.
type Channel struct {
	mu sync.Mutex

	Name    string
	Index   int
	Pattern socket.Pattern
	Method  Method

	// Endpoints holds the configured addresses, each optionally carrying a
	// leading modifier (@/+/>) overriding Method for that endpoint only
	// (spec §3/§6).
	Endpoints []string

	Transport string

	SndBufSize, RcvBufSize       int
	SndKernelSize, RcvKernelSize int
	Linger                       int
	RateLoggingSeconds           int
	PortRangeMin, PortRangeMax   int

	factory transport.Factory
	sock    socket.Socket
	valid   bool
}

// UpdateType sets the socket pattern and invalidates the channel until
// re-validated.
func (c *Channel) UpdateType(p socket.Pattern) {
	c.mu.Lock()
	c.Pattern = p
	c.valid = false
	c.mu.Unlock()
}

// UpdateMethod sets the default attach method and invalidates the
// channel until re-validated.
func (c *Channel) UpdateMethod(m Method) {
	c.mu.Lock()
	c.Method = m
	c.valid = false
	c.mu.Unlock()
}

// UpdateAddress replaces the endpoint list and invalidates the channel
// until re-validated.
func (c *Channel) UpdateAddress(endpoints ...string) {
	c.mu.Lock()
	c.Endpoints = endpoints
	c.valid = false
	c.mu.Unlock()
}

// SetFactory attaches the transport.Factory this channel's socket will be
// created from. Called by device during InitializingDevice.
func (c *Channel) SetFactory(f transport.Factory) { c.factory = f }

// ParseEndpoint splits an endpoint string into its optional method
// modifier, protocol, and authority (spec §6's address grammar:
// "[<mod>]<proto>://<authority>", mod ∈ {@,+,>}).
func ParseEndpoint(s string) (mod byte, proto, authority string, err error) {
	if s == "" {
		return 0, "", "", fmt.Errorf("channel: empty endpoint")
	}
	switch s[0] {
	case '@', '+', '>':
		mod = s[0]
		s = s[1:]
	}
	parts := strings.SplitN(s, "://", 2)
	if len(parts) != 2 {
		return 0, "", "", fmt.Errorf("channel: endpoint %q missing scheme", s)
	}
	return mod, parts[0], parts[1], nil
}

func methodForModifier(mod byte, def Method) Method {
	switch mod {
	case '@':
		return MethodBind
	case '+', '>':
		return MethodConnect
	default:
		return def
	}
}

// Validate checks every field per spec §4.3; it must pass before
// AttachEndpoint is called.
func (c *Channel) Validate() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !socket.ValidPattern(c.Pattern) {
		return invalidChannel(c, "unknown socket pattern %q", c.Pattern)
	}
	if c.Method != MethodBind && c.Method != MethodConnect {
		return invalidChannel(c, "unknown method %q", c.Method)
	}
	if len(c.Endpoints) == 0 {
		return invalidChannel(c, "no endpoints configured")
	}
	for _, ep := range c.Endpoints {
		_, proto, authority, err := ParseEndpoint(ep)
		if err != nil {
			return invalidChannel(c, "%v", err)
		}
		switch proto {
		case "tcp":
			if authority != "*" && !tcpHostPort.MatchString(authority) {
				if !strings.Contains(authority, ":") {
					return invalidChannel(c, "tcp endpoint %q missing port", ep)
				}
			}
		case "ipc":
			if authority == "" {
				return invalidChannel(c, "ipc endpoint %q has empty path", ep)
			}
		case "inproc":
			if authority == "" {
				return invalidChannel(c, "inproc endpoint %q has empty name", ep)
			}
		default:
			return invalidChannel(c, "unknown protocol %q", proto)
		}
	}
	if c.Transport == "" {
		return invalidChannel(c, "no transport tag configured")
	}
	if c.SndBufSize < 0 || c.RcvBufSize < 0 || c.SndKernelSize < 0 || c.RcvKernelSize < 0 {
		return invalidChannel(c, "buffer sizes must be >= 0")
	}
	if c.RateLoggingSeconds < 0 {
		return invalidChannel(c, "rate-logging interval must be >= 0")
	}
	c.valid = true
	return nil
}

func invalidChannel(c *Channel, format string, args ...any) error {
	return &errcode.E{C: errcode.InvalidChannel, Op: c.Name, Msg: fmt.Sprintf(format, args...)}
}

// resolveTCP resolves a tcp authority's hostname to an address, leaving
// the wildcard "*" and literal IPs untouched (spec §4.3: "resolve DNS for
// tcp endpoints... except the wildcard *").
func resolveTCP(authority string) (string, error) {
	if authority == "*" || strings.HasPrefix(authority, "*:") {
		return authority, nil
	}
	host, port, err := net.SplitHostPort(authority)
	if err != nil {
		return authority, nil // not host:port shaped; leave as-is
	}
	if net.ParseIP(host) != nil || host == "" {
		return authority, nil
	}
	addrs, err := net.LookupHost(host)
	if err != nil || len(addrs) == 0 {
		return "", fmt.Errorf("channel: DNS lookup of %q failed: %w", host, err)
	}
	return net.JoinHostPort(addrs[0], port), nil
}

// AttachEndpoint attaches the channel's socket to one configured
// endpoint: it resolves DNS for tcp endpoints, then binds or connects
// per the effective method (endpoint modifier overrides the channel
// default). On bind it rewrites the endpoint with the actual
// resolved/assigned address (spec §4.3).
func (c *Channel) AttachEndpoint(endpoint string) (AttachResult, string, error) {
	c.mu.Lock()
	if !c.valid {
		c.mu.Unlock()
		return AttachFail, endpoint, invalidChannel(c, "AttachEndpoint called before a successful Validate")
	}
	factory := c.factory
	pattern := c.Pattern
	name := c.Name
	c.mu.Unlock()

	if factory == nil {
		return AttachFail, endpoint, invalidChannel(c, "no transport factory attached")
	}

	mod, proto, authority, err := ParseEndpoint(endpoint)
	if err != nil {
		return AttachFail, endpoint, err
	}
	method := methodForModifier(mod, c.Method)

	if proto == "tcp" {
		resolved, err := resolveTCP(authority)
		if err != nil {
			return AttachRetry, endpoint, err
		}
		authority = resolved
	}
	addr := proto + "://" + authority

	if c.sock == nil {
		sock, err := factory.CreateSocket(pattern, name)
		if err != nil {
			return AttachFail, endpoint, &errcode.E{C: errcode.InvalidChannel, Op: name, Err: err}
		}
		c.mu.Lock()
		c.sock = sock
		c.mu.Unlock()
		c.applyOptions(sock)
	}

	switch method {
	case MethodBind:
		bound, err := c.bindWithPortRange(addr)
		if err != nil {
			if errcode.Of(err) == errcode.AddressInUse {
				return AttachRetry, endpoint, err
			}
			return AttachFail, endpoint, err
		}
		return AttachSuccess, bound, nil
	case MethodConnect:
		if err := c.sock.Connect(addr); err != nil {
			return AttachRetry, endpoint, err
		}
		return AttachSuccess, endpoint, nil
	default:
		return AttachFail, endpoint, invalidChannel(c, "unresolved method for endpoint %q", endpoint)
	}
}

// bindWithPortRange binds addr, retrying with successive ports drawn from
// [PortRangeMin, PortRangeMax] whenever the transport reports AddressInUse
// (spec §7: "recoverable by retrying with a fresh port from a configured
// range"). Channels with no configured range, or endpoints that aren't a
// tcp host:port, bind exactly once with no retry.
func (c *Channel) bindWithPortRange(addr string) (string, error) {
	host, port, ok := splitTCPPort(addr)
	if !ok || c.PortRangeMax <= c.PortRangeMin {
		return c.sock.Bind(addr)
	}

	start := mathx.Clamp(port, c.PortRangeMin, c.PortRangeMax)
	var lastErr error
	for p := start; p <= c.PortRangeMax; p++ {
		candidate := "tcp://" + net.JoinHostPort(host, strconv.Itoa(p))
		bound, err := c.sock.Bind(candidate)
		if err == nil {
			return bound, nil
		}
		lastErr = err
		if errcode.Of(err) != errcode.AddressInUse {
			return "", err
		}
	}
	return "", &errcode.E{C: errcode.AddressInUse, Op: c.Name, Msg: "exhausted port range", Err: lastErr}
}

// splitTCPPort extracts the host and numeric port from a resolved
// "tcp://host:port" endpoint. It reports ok=false for any non-tcp scheme or
// unparseable/non-numeric port (e.g. "*" with no port, or ipc/inproc
// endpoints), which bindWithPortRange treats as "no retry applicable".
func splitTCPPort(addr string) (host string, port int, ok bool) {
	if !strings.HasPrefix(addr, "tcp://") {
		return "", 0, false
	}
	authority := strings.TrimPrefix(addr, "tcp://")
	h, p, err := net.SplitHostPort(authority)
	if err != nil {
		return "", 0, false
	}
	n, err := strconv.Atoi(p)
	if err != nil {
		return "", 0, false
	}
	return h, n, true
}

func (c *Channel) applyOptions(sock socket.Socket) {
	if c.Linger > 0 {
		_ = sock.SetOption(socket.OptLinger, c.Linger)
	}
	if c.SndBufSize > 0 {
		_ = sock.SetOption(socket.OptSndHWM, c.SndBufSize)
	}
	if c.RcvBufSize > 0 {
		_ = sock.SetOption(socket.OptRcvHWM, c.RcvBufSize)
	}
	if c.SndKernelSize > 0 {
		_ = sock.SetOption(socket.OptSndKernelSize, c.SndKernelSize)
	}
	if c.RcvKernelSize > 0 {
		_ = sock.SetOption(socket.OptRcvKernelSize, c.RcvKernelSize)
	}
}

// Socket returns the attached socket, or nil if AttachEndpoint has not
// yet succeeded.
func (c *Channel) Socket() socket.Socket {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sock
}

// matchTransport returns msg unchanged if it already belongs to this
// channel's transport (or has no recorded origin), otherwise an
// implicit, channel-compatible copy (spec §4.3).
func (c *Channel) matchTransport(msg *message.Message) *message.Message {
	if msg.Origin() == "" || msg.Origin() == c.Transport {
		return msg
	}
	return message.CopyForTransport(msg, c.Transport)
}

// Send forwards msg to the underlying socket, replacing it first with a
// channel-compatible copy if it was built for a different transport.
func (c *Channel) Send(msg *message.Message, timeoutMS int) (int, error) {
	sock := c.Socket()
	if sock == nil {
		return 0, invalidChannel(c, "channel not attached")
	}
	msg = c.matchTransport(msg)
	n, err := sock.Send(msg, socket.FlagNone, timeoutMS)
	c.recordRate(n, err)
	return n, err
}

// Receive reads into msg via the underlying socket.
func (c *Channel) Receive(msg *message.Message, timeoutMS int) (int, error) {
	sock := c.Socket()
	if sock == nil {
		return 0, invalidChannel(c, "channel not attached")
	}
	n, err := sock.Recv(msg, socket.FlagNone, timeoutMS)
	c.recordRate(n, err)
	return n, err
}

// SendParts forwards a multi-part message, copying any part built for a
// foreign transport first.
func (c *Channel) SendParts(parts message.Parts, timeoutMS int) (int, error) {
	sock := c.Socket()
	if sock == nil {
		return 0, invalidChannel(c, "channel not attached")
	}
	for i, p := range parts {
		parts[i] = c.matchTransport(p)
	}
	n, err := sock.SendParts(parts, timeoutMS)
	c.recordRate(n, err)
	return n, err
}

// ReceiveParts reads a multi-part message via the underlying socket.
func (c *Channel) ReceiveParts(timeoutMS int) (message.Parts, error) {
	sock := c.Socket()
	if sock == nil {
		return nil, invalidChannel(c, "channel not attached")
	}
	parts, err := sock.RecvParts(timeoutMS)
	if err == nil {
		c.recordRate(parts.TotalSize(), nil)
	}
	return parts, err
}

func (c *Channel) recordRate(n int, err error) {
	// Socket.Stats() already tracks bytes/messages atomically; Channel
	// doesn't duplicate counters, it just reads them for the sampler (see
	// Stats below). n/err are accepted for symmetry with a future per-call
	// rate hook but aren't separately recorded.
	_ = n
	_ = err
}

// Stats returns the underlying socket's counters, or a zero Snapshot if
// unattached.
func (c *Channel) Stats() socket.Snapshot {
	sock := c.Socket()
	if sock == nil {
		return socket.Snapshot{}
	}
	return sock.Stats()
}

// Close releases the underlying socket, if any.
func (c *Channel) Close() error {
	c.mu.Lock()
	sock := c.sock
	c.sock = nil
	c.mu.Unlock()
	if sock == nil {
		return nil
	}
	return sock.Close()
}

// Key formats the chans.<name>.<index> mirror path prefix for this
// channel (spec §4.6).
func (c *Channel) Key() string {
	return "chans." + c.Name + "." + strconv.Itoa(c.Index)
}

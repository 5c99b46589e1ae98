package channel

import (
	"net"
	"strconv"
	"testing"
	"time"

	"devicemq-go/message"
	"devicemq-go/socket"
	"devicemq-go/transport/inproc"
	"devicemq-go/transport/zmq"
)

func newTestChannel(name string, p socket.Pattern, method Method, addr string, factory *inproc.Factory) *Channel {
	c := &Channel{
		Name:      name,
		Pattern:   p,
		Method:    method,
		Endpoints: []string{addr},
		Transport: "inproc",
	}
	c.SetFactory(factory)
	return c
}

func TestValidateRejectsUnknownPattern(t *testing.T) {
	c := &Channel{Name: "x", Pattern: "bogus", Method: MethodBind, Endpoints: []string{"inproc://a"}, Transport: "inproc"}
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for unknown pattern")
	}
}

func TestValidateRejectsEmptyEndpoints(t *testing.T) {
	c := &Channel{Name: "x", Pattern: socket.Push, Method: MethodBind, Transport: "inproc"}
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for no endpoints")
	}
}

func TestValidateRejectsMissingTransport(t *testing.T) {
	c := &Channel{Name: "x", Pattern: socket.Push, Method: MethodBind, Endpoints: []string{"inproc://a"}}
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for missing transport")
	}
}

func TestValidateRejectsUnknownProtocol(t *testing.T) {
	c := &Channel{Name: "x", Pattern: socket.Push, Method: MethodBind, Endpoints: []string{"carrier-pigeon://a"}, Transport: "inproc"}
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for unknown protocol")
	}
}

func TestParseEndpointModifiers(t *testing.T) {
	mod, proto, authority, err := ParseEndpoint("@tcp://*:5555")
	if err != nil {
		t.Fatal(err)
	}
	if mod != '@' || proto != "tcp" || authority != "*:5555" {
		t.Fatalf("got mod=%q proto=%q authority=%q", mod, proto, authority)
	}

	mod, proto, authority, err = ParseEndpoint(">tcp://host:1234")
	if err != nil {
		t.Fatal(err)
	}
	if mod != '>' || proto != "tcp" || authority != "host:1234" {
		t.Fatalf("got mod=%q proto=%q authority=%q", mod, proto, authority)
	}
}

func TestAttachEndpointPushPull(t *testing.T) {
	f := inproc.New()

	pusher := newTestChannel("out", socket.Push, MethodBind, "inproc://chan-a", f)
	if err := pusher.Validate(); err != nil {
		t.Fatalf("validate push: %v", err)
	}
	result, _, err := pusher.AttachEndpoint("inproc://chan-a")
	if err != nil || result != AttachSuccess {
		t.Fatalf("attach push: result=%v err=%v", result, err)
	}

	puller := newTestChannel("in", socket.Pull, MethodConnect, "inproc://chan-a", f)
	if err := puller.Validate(); err != nil {
		t.Fatalf("validate pull: %v", err)
	}
	result, _, err = puller.AttachEndpoint("inproc://chan-a")
	if err != nil || result != AttachSuccess {
		t.Fatalf("attach pull: result=%v err=%v", result, err)
	}

	defer pusher.Close()
	defer puller.Close()

	msg := message.NewMessageBytes([]byte("hello"))
	if _, err := pusher.Send(msg, 500); err != nil {
		t.Fatalf("send: %v", err)
	}

	got := message.NewMessage()
	if _, err := puller.Receive(got, 500); err != nil {
		t.Fatalf("recv: %v", err)
	}
	if string(got.Data()) != "hello" {
		t.Fatalf("expected hello, got %q", got.Data())
	}
}

func TestSendCopiesForeignTransportMessage(t *testing.T) {
	f := inproc.New()

	pusher := newTestChannel("out", socket.Push, MethodBind, "inproc://chan-b", f)
	if err := pusher.Validate(); err != nil {
		t.Fatal(err)
	}
	if _, _, err := pusher.AttachEndpoint("inproc://chan-b"); err != nil {
		t.Fatal(err)
	}
	puller := newTestChannel("in", socket.Pull, MethodConnect, "inproc://chan-b", f)
	if err := puller.Validate(); err != nil {
		t.Fatal(err)
	}
	if _, _, err := puller.AttachEndpoint("inproc://chan-b"); err != nil {
		t.Fatal(err)
	}
	defer pusher.Close()
	defer puller.Close()

	foreign := message.NewMessageBytes([]byte("payload"))
	foreign.SetOrigin("shmem")

	if _, err := pusher.Send(foreign, 500); err != nil {
		t.Fatalf("send: %v", err)
	}

	got := message.NewMessage()
	if _, err := puller.Receive(got, 500); err != nil {
		t.Fatalf("recv: %v", err)
	}
	if string(got.Data()) != "payload" {
		t.Fatalf("expected payload to survive the copy, got %q", got.Data())
	}
}

func TestAttachEndpointRequiresValidate(t *testing.T) {
	c := &Channel{Name: "x", Pattern: socket.Push, Method: MethodBind, Endpoints: []string{"inproc://never-validated"}, Transport: "inproc"}
	c.SetFactory(inproc.New())
	if _, _, err := c.AttachEndpoint("inproc://never-validated"); err == nil {
		t.Fatal("expected error attaching before Validate")
	}
}

func TestStatsReflectTransfer(t *testing.T) {
	f := inproc.New()
	pusher := newTestChannel("out", socket.Push, MethodBind, "inproc://chan-c", f)
	puller := newTestChannel("in", socket.Pull, MethodConnect, "inproc://chan-c", f)
	if err := pusher.Validate(); err != nil {
		t.Fatal(err)
	}
	if err := puller.Validate(); err != nil {
		t.Fatal(err)
	}
	if _, _, err := pusher.AttachEndpoint("inproc://chan-c"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := puller.AttachEndpoint("inproc://chan-c"); err != nil {
		t.Fatal(err)
	}
	defer pusher.Close()
	defer puller.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		got := message.NewMessage()
		_, _ = puller.Receive(got, 1000)
	}()

	if _, err := pusher.Send(message.NewMessageBytes([]byte("abc")), 1000); err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for receive")
	}

	if pusher.Stats().MessagesTx != 1 {
		t.Fatalf("expected 1 message sent, got %d", pusher.Stats().MessagesTx)
	}
}

// TestBindRetriesWithinPortRange occupies a port with a plain TCP listener,
// then asks a bind-method channel configured with that same port as
// PortRangeMin to attach: the first attempt must collide (AddressInUse),
// and bindWithPortRange must retry the next port in range rather than
// failing outright (spec §3's "port range for auto-binding", §7's
// AddressInUse retry text).
func TestBindRetriesWithinPortRange(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve a port: %v", err)
	}
	defer occupied.Close()
	port := occupied.Addr().(*net.TCPAddr).Port

	f := zmq.New()
	c := &Channel{
		Name:         "data",
		Pattern:      socket.Pull,
		Method:       MethodBind,
		Endpoints:    []string{"tcp://127.0.0.1:" + strconv.Itoa(port)},
		Transport:    "zeromq",
		PortRangeMin: port,
		PortRangeMax: port + 5,
	}
	c.SetFactory(f)
	if err := c.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	defer c.Close()

	result, bound, err := c.AttachEndpoint(c.Endpoints[0])
	if err != nil || result != AttachSuccess {
		t.Fatalf("attach: result=%v err=%v", result, err)
	}
	authority := bound
	if idx := len("tcp://"); len(bound) >= idx && bound[:idx] == "tcp://" {
		authority = bound[idx:]
	}
	_, boundPortStr, err := net.SplitHostPort(authority)
	if err != nil {
		t.Fatalf("parse bound address %q: %v", bound, err)
	}
	boundPort, _ := strconv.Atoi(boundPortStr)
	if boundPort == port {
		t.Fatalf("expected bind to land on a port other than the occupied one %d, got %d", port, boundPort)
	}
	if boundPort < port || boundPort > port+5 {
		t.Fatalf("bound port %d outside configured range [%d,%d]", boundPort, port, port+5)
	}
}

func TestChannelKey(t *testing.T) {
	c := &Channel{Name: "data", Index: 2}
	if got, want := c.Key(), "chans.data.2"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

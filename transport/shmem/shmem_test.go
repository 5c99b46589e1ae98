package shmem

import (
	"testing"
	"time"

	"devicemq-go/message"
	"devicemq-go/socket"
)

func TestPushPullFramedRoundTrip(t *testing.T) {
	f := New()
	push, err := f.CreateSocket(socket.Push, "out")
	if err != nil {
		t.Fatal(err)
	}
	pull, err := f.CreateSocket(socket.Pull, "in")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := push.Bind("shmem://chan"); err != nil {
		t.Fatal(err)
	}
	if err := pull.Connect("shmem://chan"); err != nil {
		t.Fatal(err)
	}

	if _, err := push.Send(message.NewMessageBytes([]byte("frame-one")), socket.FlagNone, 100); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := push.Send(message.NewMessageBytes([]byte("frame-two")), socket.FlagNone, 100); err != nil {
		t.Fatalf("send: %v", err)
	}

	got := message.NewMessage()
	if _, err := pull.Recv(got, socket.FlagNone, 100); err != nil {
		t.Fatalf("recv: %v", err)
	}
	if string(got.Data()) != "frame-one" {
		t.Fatalf("expected frame-one, got %q", got.Data())
	}

	got2 := message.NewMessage()
	if _, err := pull.Recv(got2, socket.FlagNone, 100); err != nil {
		t.Fatalf("recv: %v", err)
	}
	if string(got2.Data()) != "frame-two" {
		t.Fatalf("expected frame-two, got %q", got2.Data())
	}
}

func TestMultiPartRoundTrip(t *testing.T) {
	f := New()
	push, _ := f.CreateSocket(socket.Push, "out")
	pull, _ := f.CreateSocket(socket.Pull, "in")
	if _, err := push.Bind("shmem://multi"); err != nil {
		t.Fatal(err)
	}
	if err := pull.Connect("shmem://multi"); err != nil {
		t.Fatal(err)
	}

	parts := message.Parts{message.NewMessageBytes([]byte("a")), message.NewMessageBytes([]byte("bc"))}
	if _, err := push.SendParts(parts, 100); err != nil {
		t.Fatalf("send parts: %v", err)
	}

	got, err := pull.RecvParts(100)
	if err != nil {
		t.Fatalf("recv parts: %v", err)
	}
	if len(got) != 2 || string(got[0].Data()) != "a" || string(got[1].Data()) != "bc" {
		t.Fatalf("unexpected parts: %+v", got)
	}
}

func TestRecvTimesOutWhenRingEmpty(t *testing.T) {
	f := New()
	pull, _ := f.CreateSocket(socket.Pull, "lonely")
	if _, err := pull.Bind("shmem://empty"); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	_, err := pull.Recv(message.NewMessage(), socket.FlagNone, 50)
	if err == nil {
		t.Fatal("expected timeout")
	}
	if time.Since(start) < 40*time.Millisecond {
		t.Fatal("returned too quickly")
	}
}

func TestWriteBlocksUntilSpaceFreed(t *testing.T) {
	f := New().WithRingSize(64)
	push, _ := f.CreateSocket(socket.Push, "p")
	pull, _ := f.CreateSocket(socket.Pull, "q")
	if _, err := push.Bind("shmem://tight"); err != nil {
		t.Fatal(err)
	}
	if err := pull.Connect("shmem://tight"); err != nil {
		t.Fatal(err)
	}

	big := make([]byte, 40)
	if _, err := push.Send(message.NewMessageBytes(big), socket.FlagNone, 100); err != nil {
		t.Fatalf("first send: %v", err)
	}

	sendDone := make(chan error, 1)
	go func() {
		_, err := push.Send(message.NewMessageBytes(big), socket.FlagNone, 1000)
		sendDone <- err
	}()

	time.Sleep(20 * time.Millisecond)
	drained := message.NewMessage()
	if _, err := pull.Recv(drained, socket.FlagNone, 100); err != nil {
		t.Fatalf("drain recv: %v", err)
	}

	select {
	case err := <-sendDone:
		if err != nil {
			t.Fatalf("second send failed: %v", err)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("second send never unblocked after drain")
	}
}

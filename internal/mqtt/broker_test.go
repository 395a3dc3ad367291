package mqtt

import (
	"net"
	"sync"
	"testing"

	"github.com/eclipse/paho.golang/packets"
)

// fakeBroker is a minimal in-process MQTT v5 broker: it accepts one
// connection at a time, acknowledges CONNECT, SUBSCRIBE, QoS 1 PUBLISH
// and PINGREQ, and records what the client published.
type fakeBroker struct {
	ln net.Listener

	mu          sync.Mutex
	conn        net.Conn
	connectCode byte
	subCode     byte
	connects    int
	published   []*packets.Publish
	subscribed  []string
}

func newFakeBroker(t *testing.T) *fakeBroker {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	b := &fakeBroker{ln: ln}
	go b.accept()
	t.Cleanup(func() {
		ln.Close()
		b.drop()
	})
	return b
}

// refuseConnect makes the broker answer CONNECT with a failure code.
func (b *fakeBroker) refuseConnect(code byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connectCode = code
}

// rejectSubscribe makes the broker answer SUBSCRIBE with a failure code.
func (b *fakeBroker) rejectSubscribe(code byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subCode = code
}

func (b *fakeBroker) url() string {
	return "tcp://" + b.ln.Addr().String()
}

func (b *fakeBroker) accept() {
	for {
		conn, err := b.ln.Accept()
		if err != nil {
			return
		}
		b.mu.Lock()
		b.conn = conn
		b.mu.Unlock()
		go b.serve(conn)
	}
}

func (b *fakeBroker) write(conn net.Conn, cp *packets.ControlPacket) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, _ = cp.WriteTo(conn)
}

func (b *fakeBroker) serve(conn net.Conn) {
	defer conn.Close()
	for {
		cp, err := packets.ReadPacket(conn)
		if err != nil {
			return
		}

		switch p := cp.Content.(type) {
		case *packets.Connect:
			b.mu.Lock()
			b.connects++
			code := b.connectCode
			b.mu.Unlock()

			resp := packets.NewControlPacket(packets.CONNACK)
			resp.Content.(*packets.Connack).ReasonCode = code
			b.write(conn, resp)
			if code >= 0x80 {
				return
			}

		case *packets.Subscribe:
			b.mu.Lock()
			code := b.subCode
			reasons := make([]byte, 0, len(p.Subscriptions))
			for _, s := range p.Subscriptions {
				b.subscribed = append(b.subscribed, s.Topic)
				if code >= 0x80 {
					reasons = append(reasons, code)
				} else {
					reasons = append(reasons, s.QoS)
				}
			}
			b.mu.Unlock()

			resp := packets.NewControlPacket(packets.SUBACK)
			sa := resp.Content.(*packets.Suback)
			sa.PacketID = p.PacketID
			sa.Reasons = reasons
			b.write(conn, resp)

		case *packets.Publish:
			b.mu.Lock()
			b.published = append(b.published, p)
			b.mu.Unlock()

			if p.QoS == 1 {
				resp := packets.NewControlPacket(packets.PUBACK)
				resp.Content.(*packets.Puback).PacketID = p.PacketID
				b.write(conn, resp)
			}

		case *packets.Pingreq:
			b.write(conn, packets.NewControlPacket(packets.PINGRESP))

		case *packets.Disconnect:
			return
		}
	}
}

// send delivers a QoS 0 message to the connected client.
func (b *fakeBroker) send(topic string, payload []byte) {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return
	}

	cp := packets.NewControlPacket(packets.PUBLISH)
	pub := cp.Content.(*packets.Publish)
	pub.Topic = topic
	pub.Payload = payload
	b.write(conn, cp)
}

// drop closes the current client connection without a DISCONNECT.
func (b *fakeBroker) drop() {
	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	b.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (b *fakeBroker) publishedTo(topic string) []*packets.Publish {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*packets.Publish
	for _, p := range b.published {
		if p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}

func (b *fakeBroker) subscriptions() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.subscribed...)
}

package mac

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/krentzlab/apkes/internal/apkesid"
	"github.com/krentzlab/apkes/internal/frame"
)

// UDP is a reference MAC that carries command frames over plain UDP
// datagrams, directly adapted from the teacher's Transport
// (*net.UDPConn wrapper with ReadFrom/SendTo). Since raw UDP has no notion
// of an 8-byte extended address, each datagram is prefixed with the
// sender's extended address and a broadcast flag; peers are resolved
// through a small static address book, the UDP analog of the original's
// radio-level neighbor discovery by address.
type UDP struct {
	conn  *net.UDPConn
	local apkesid.Extended

	mu    sync.RWMutex
	peers map[apkesid.Extended]*net.UDPAddr

	receiver Receiver
	log      *slog.Logger

	closeOnce sync.Once
	readDone  chan struct{}
}

const udpHeaderLen = apkesid.ExtendedSize + 1 // extended addr + broadcast flag

// NewUDP binds a UDP socket on port for local's traffic.
func NewUDP(local apkesid.Extended, port int, log *slog.Logger) (*UDP, error) {
	if log == nil {
		log = slog.Default()
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("mac: listen udp: %w", err)
	}
	return &UDP{
		conn:     conn,
		local:    local,
		peers:    make(map[apkesid.Extended]*net.UDPAddr),
		log:      log.With("component", "mac-udp"),
		readDone: make(chan struct{}),
	}, nil
}

// AddPeer registers a peer's UDP endpoint so unicast sends and broadcast
// fan-out can reach it. A real 802.15.4 MAC has no equivalent step (the
// radio is inherently broadcast-capable); over UDP this reference
// implementation needs a static address book instead, mirroring how the
// teacher's agent wires static peer endpoints in Phase 1 (no controller).
func (u *UDP) AddPeer(extended apkesid.Extended, addr *net.UDPAddr) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.peers[extended] = addr
}

func (u *UDP) LocalAddr() apkesid.Extended { return u.local }

func (u *UDP) SetReceiver(r Receiver) { u.receiver = r }

func (u *UDP) Send(ctx context.Context, fr Frame) error {
	datagram := make([]byte, udpHeaderLen+len(fr.Payload))
	copy(datagram[:apkesid.ExtendedSize], u.local[:])
	if fr.Broadcast {
		datagram[apkesid.ExtendedSize] = 1
	}
	copy(datagram[udpHeaderLen:], fr.Payload)

	if fr.Broadcast {
		u.mu.RLock()
		targets := make([]*net.UDPAddr, 0, len(u.peers))
		for _, addr := range u.peers {
			targets = append(targets, addr)
		}
		u.mu.RUnlock()
		for _, addr := range targets {
			if _, err := u.conn.WriteToUDP(datagram, addr); err != nil {
				u.log.Debug("broadcast send failed", "addr", addr, "err", err)
			}
		}
		return nil
	}

	u.mu.RLock()
	addr, ok := u.peers[fr.Dest]
	u.mu.RUnlock()
	if !ok {
		return fmt.Errorf("mac: unknown peer %s", fr.Dest)
	}
	_, err := u.conn.WriteToUDP(datagram, addr)
	return err
}

func (u *UDP) Start(ctx context.Context) error {
	go u.readLoop(ctx)
	return nil
}

func (u *UDP) readLoop(ctx context.Context) {
	defer close(u.readDone)
	buf := make([]byte, 512)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, _, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				u.log.Debug("udp read error", "err", err)
				continue
			}
		}
		if n < udpHeaderLen {
			continue
		}
		var sender apkesid.Extended
		copy(sender[:], buf[:apkesid.ExtendedSize])
		broadcast := buf[apkesid.ExtendedSize] == 1
		payload := append([]byte(nil), buf[udpHeaderLen:n]...)
		id, _, err := frame.PeekID(payload)
		if err != nil {
			continue
		}
		if u.receiver != nil {
			u.receiver(sender, broadcast, id, payload)
		}
	}
}

func (u *UDP) Close() error {
	var err error
	u.closeOnce.Do(func() {
		err = u.conn.Close()
	})
	return err
}

package httpd

import (
	"encoding/binary"
	"hash/crc32"
	"net"
	"testing"
	"time"
)

func discoverPacket(seq uint16, nonce uint32) []byte {
	pkt := make([]byte, cbdReqSize)
	copy(pkt[0:4], cbdMagic)
	pkt[4] = cbdTypeDiscover
	binary.LittleEndian.PutUint16(pkt[6:8], seq)
	binary.LittleEndian.PutUint32(pkt[8:12], nonce)
	binary.LittleEndian.PutUint32(pkt[12:16], crc32.ChecksumIEEE(pkt[0:12]))
	return pkt
}

func TestDiscoveryReplyOffer(t *testing.T) {
	s, _, _ := newTestServer(t)
	src := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 20), Port: 40000}

	offer := s.discoveryReply(discoverPacket(7, 0xDEADBEEF), src, nil)
	if offer == nil {
		t.Fatal("no offer for valid discover")
	}
	if len(offer) != cbdOfferSize {
		t.Fatalf("offer size = %d, want %d", len(offer), cbdOfferSize)
	}
	if string(offer[0:4]) != cbdMagic || offer[4] != cbdTypeOffer {
		t.Error("bad offer header")
	}
	if binary.LittleEndian.Uint16(offer[6:8]) != 7 {
		t.Error("seq not mirrored")
	}
	if binary.LittleEndian.Uint32(offer[8:12]) != 0xDEADBEEF {
		t.Error("nonce not mirrored")
	}
	want := binary.LittleEndian.Uint32(offer[20:24])
	if crc32.ChecksumIEEE(offer[0:20]) != want {
		t.Error("offer crc invalid")
	}
}

func TestDiscoveryLoopStopsOnClosedSocket(t *testing.T) {
	s, _, _ := newTestServer(t)
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		s.discoveryLoop(conn, newUDPRateLimiter())
		close(done)
	}()

	conn.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop still running after the socket was closed")
	}
}

func TestDiscoveryReplyIgnoresBadPackets(t *testing.T) {
	s, _, _ := newTestServer(t)
	src := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 20), Port: 40000}

	if s.discoveryReply([]byte("short"), src, nil) != nil {
		t.Error("short packet answered")
	}

	bad := discoverPacket(1, 2)
	copy(bad[0:4], "XXXX")
	if s.discoveryReply(bad, src, nil) != nil {
		t.Error("wrong magic answered")
	}

	crcBad := discoverPacket(1, 2)
	crcBad[8] ^= 0xFF // corrupt nonce after crc computed
	if s.discoveryReply(crcBad, src, nil) != nil {
		t.Error("bad crc answered")
	}
}

func TestDiscoveryLanOnly(t *testing.T) {
	s, _, _ := newTestServer(t)
	s.cfg.Discovery.LanOnly = true

	wan := &net.UDPAddr{IP: net.IPv4(8, 8, 8, 8), Port: 40000}
	if s.discoveryReply(discoverPacket(1, 2), wan, nil) != nil {
		t.Error("WAN source answered in LAN-only mode")
	}
	lan := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 5), Port: 40000}
	if s.discoveryReply(discoverPacket(1, 2), lan, nil) == nil {
		t.Error("LAN source not answered")
	}
}

func TestDiscoveryRateLimit(t *testing.T) {
	s, _, _ := newTestServer(t)
	s.cfg.Discovery.RateLimitPerSec = 2
	rl := newUDPRateLimiter()
	src := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 9), Port: 40000}

	answered := 0
	for i := 0; i < 5; i++ {
		if s.discoveryReply(discoverPacket(uint16(i), 0), src, rl) != nil {
			answered++
		}
	}
	if answered > 2 {
		t.Errorf("answered %d probes in one window, limit 2", answered)
	}
}

func TestIsLANIP(t *testing.T) {
	lan := []string{"127.0.0.1", "10.1.2.3", "172.16.0.1", "172.31.255.254", "192.168.0.1"}
	for _, v := range lan {
		if !isLANIP(net.ParseIP(v)) {
			t.Errorf("isLANIP(%s) = false, want true", v)
		}
	}
	wan := []string{"8.8.8.8", "172.32.0.1", "193.168.0.1"}
	for _, v := range wan {
		if isLANIP(net.ParseIP(v)) {
			t.Errorf("isLANIP(%s) = true, want false", v)
		}
	}
}

func TestVersionU16(t *testing.T) {
	if got := versionU16("v1.2.3"); got != 0x0102 {
		t.Errorf("versionU16(v1.2.3) = %#x, want 0x0102", got)
	}
	if got := versionU16("garbage"); got != 0 {
		t.Errorf("versionU16(garbage) = %#x, want 0", got)
	}
}

package httpd

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"cartbridge/internal/version"
)

// CBD1 UDP LAN discovery, so the browser-side helper can locate the
// bridge without knowing its address.
//
// Request: 16 bytes
//
//	0..3   magic  "CBD1"
//	4      type   0x01 (DISCOVER)
//	5      flags  (reserved)
//	6..7   seq    u16 LE
//	8..11  nonce  u32 LE
//	12..15 crc32  u32 LE over bytes 0..11
//
// Response: OFFER, 24 bytes, unicast back to the sender
//
//	0..3   magic  "CBD1"
//	4      type   0x02 (OFFER)
//	5      flags  (bit0 storage available)
//	6..7   seq    u16 LE (mirrored)
//	8..11  nonce  u32 LE (mirrored)
//	12..15 server_ip IPv4 (network order)
//	16..17 http_port u16 LE
//	18..19 version u16 LE (major<<8|minor)
//	20..23 crc32 u32 LE over bytes 0..19
const (
	cbdMagic        = "CBD1"
	cbdTypeDiscover = 0x01
	cbdTypeOffer    = 0x02
	cbdReqSize      = 16
	cbdOfferSize    = 24

	cbdOfferFlagStorage = 1 << 0
)

type udpRateLimiter struct {
	mu        sync.Mutex
	windowSec int64
	counts    map[string]int
}

func newUDPRateLimiter() *udpRateLimiter {
	return &udpRateLimiter{counts: map[string]int{}}
}

func (rl *udpRateLimiter) allow(ip string, limit int) bool {
	if limit <= 0 {
		return true
	}
	nowSec := time.Now().Unix()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.windowSec != nowSec {
		rl.windowSec = nowSec
		for k := range rl.counts {
			delete(rl.counts, k)
		}
	}
	rl.counts[ip]++
	return rl.counts[ip] <= limit
}

// StartDiscovery starts the UDP listener once (best-effort). It never
// panics.
func (s *Server) StartDiscovery() {
	s.discOnce.Do(func() {
		dc := s.cfg.Discovery
		if !dc.Enabled {
			return
		}
		addr := &net.UDPAddr{IP: net.IPv4zero, Port: dc.UDPPort}
		conn, err := net.ListenUDP("udp4", addr)
		if err != nil {
			s.log.Warn().Err(err).Str("addr", addr.String()).Msg("discovery listen failed")
			return
		}
		s.log.Info().Str("addr", addr.String()).Bool("lan_only", dc.LanOnly).Msg("discovery listening")

		rl := newUDPRateLimiter()
		go s.discoveryLoop(conn, rl)
	})
}

func (s *Server) discoveryLoop(conn *net.UDPConn, rl *udpRateLimiter) {
	buf := make([]byte, 2048)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.log.Info().Msg("discovery listener closed")
				return
			}
			s.log.Warn().Err(err).Msg("discovery read error")
			continue
		}
		offer := s.discoveryReply(buf[:n], src, rl)
		if offer == nil {
			continue
		}
		if _, werr := conn.WriteToUDP(offer, src); werr != nil {
			s.log.Warn().Err(werr).Str("dst", src.String()).Msg("discovery offer send failed")
			continue
		}
		s.log.Debug().Str("src", src.String()).Msg("discovery offer sent")
	}
}

// discoveryReply validates one datagram and builds the OFFER for it,
// or returns nil when the packet should be ignored.
func (s *Server) discoveryReply(pkt []byte, src *net.UDPAddr, rl *udpRateLimiter) []byte {
	if len(pkt) != cbdReqSize {
		return nil
	}
	if string(pkt[0:4]) != cbdMagic || pkt[4] != cbdTypeDiscover {
		return nil
	}

	dc := s.cfg.Discovery
	if dc.LanOnly && !isLANIP(src.IP) {
		return nil
	}
	if rl != nil && !rl.allow(src.IP.String(), dc.RateLimitPerSec) {
		return nil
	}

	want := binary.LittleEndian.Uint32(pkt[12:16])
	if crc32.ChecksumIEEE(pkt[0:12]) != want {
		s.log.Debug().Str("src", src.IP.String()).Msg("discovery crc fail")
		return nil
	}

	seq := binary.LittleEndian.Uint16(pkt[6:8])
	nonce := binary.LittleEndian.Uint32(pkt[8:12])

	offer := make([]byte, cbdOfferSize)
	copy(offer[0:4], cbdMagic)
	offer[4] = cbdTypeOffer
	offer[5] = cbdOfferFlagStorage
	binary.LittleEndian.PutUint16(offer[6:8], seq)
	binary.LittleEndian.PutUint32(offer[8:12], nonce)

	serverIP := advertisedServerIP(s.cfg.Listen, src.IP)
	if ip4 := serverIP.To4(); ip4 != nil {
		copy(offer[12:16], ip4)
	} else {
		copy(offer[12:16], net.IPv4(127, 0, 0, 1).To4())
	}
	binary.LittleEndian.PutUint16(offer[16:18], uint16(listenHTTPPort(s.cfg.Listen)))
	binary.LittleEndian.PutUint16(offer[18:20], versionU16(version.Get().Version))
	binary.LittleEndian.PutUint32(offer[20:24], crc32.ChecksumIEEE(offer[0:20]))
	return offer
}

func isLANIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() {
		return true
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return false
	}
	switch {
	case ip4[0] == 10:
		return true
	case ip4[0] == 172 && ip4[1] >= 16 && ip4[1] <= 31:
		return true
	case ip4[0] == 192 && ip4[1] == 168:
		return true
	}
	return false
}

func listenHTTPPort(listen string) int {
	_, portStr, err := net.SplitHostPort(listen)
	if err != nil {
		if strings.HasPrefix(listen, ":") {
			p, _ := strconv.Atoi(strings.TrimPrefix(listen, ":"))
			if p > 0 {
				return p
			}
		}
		return 8080
	}
	p, err := strconv.Atoi(portStr)
	if err != nil || p <= 0 {
		return 8080
	}
	return p
}

func advertisedServerIP(listen string, clientIP net.IP) net.IP {
	host, _, err := net.SplitHostPort(listen)
	if err == nil {
		host = strings.TrimSpace(host)
		if host != "" {
			if ip := net.ParseIP(host); ip != nil {
				if ip.IsLoopback() && clientIP != nil && !clientIP.IsLoopback() {
					return outboundIPToClient(clientIP)
				}
				if ip4 := ip.To4(); ip4 != nil && !ip4.Equal(net.IPv4zero) {
					return ip4
				}
			} else {
				ips, _ := net.LookupIP(host)
				for _, ip := range ips {
					if ip4 := ip.To4(); ip4 != nil {
						return ip4
					}
				}
			}
		}
	}
	if clientIP != nil {
		return outboundIPToClient(clientIP)
	}
	return net.IPv4(127, 0, 0, 1)
}

func outboundIPToClient(dst net.IP) net.IP {
	if dst == nil {
		return net.IPv4(127, 0, 0, 1)
	}
	c, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: dst, Port: 9})
	if err != nil {
		return net.IPv4(127, 0, 0, 1)
	}
	defer c.Close()
	la, ok := c.LocalAddr().(*net.UDPAddr)
	if !ok {
		return net.IPv4(127, 0, 0, 1)
	}
	if ip4 := la.IP.To4(); ip4 != nil {
		return ip4
	}
	return net.IPv4(127, 0, 0, 1)
}

func versionU16(ver string) uint16 {
	ver = strings.TrimPrefix(strings.TrimSpace(ver), "v")
	parts := strings.Split(ver, ".")
	if len(parts) < 2 {
		return 0
	}
	maj, _ := strconv.Atoi(parts[0])
	min, _ := strconv.Atoi(parts[1])
	if maj < 0 || maj > 255 || min < 0 || min > 255 {
		return 0
	}
	return uint16(maj<<8 | min)
}

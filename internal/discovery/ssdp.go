package discovery

import (
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"
)

const (
	ssdpMulticastAddr = "239.255.255.250:1900"

	// interSendDelay spaces the M-SEARCH packets for the different search
	// targets so slow devices are not flooded.
	interSendDelay = 100 * time.Millisecond
)

// searchTargets are the ST values queried on each scan. The devices answer
// the generic root-device search; the Basic:1 target catches firmwares that
// only reply to their own device type.
var searchTargets = []string{
	"upnp:rootdevice",
	"urn:schemas-upnp-org:device:Basic:1",
	"ssdp:all",
}

// announcement is one vendor-matched SSDP message received off the wire.
type announcement struct {
	IP      string
	Headers map[string]string
	At      time.Time
}

// IsVendorDevice is the matching predicate deciding whether an SSDP header
// block was sent by one of our devices. The firmware advertises
// "WiFi Omni" in its SERVER header; older builds only identify as ESP with
// a WiFi USN. Kept as a named function because the heuristic is the single
// configuration point for recognizing the vendor.
func IsVendorDevice(headers map[string]string) bool {
	server := headers["server"]
	if strings.Contains(server, "WiFi Omni") || strings.Contains(server, "ESP") {
		return true
	}
	return strings.Contains(headers["usn"], "WiFi")
}

// ssdpClient owns the UDP socket: it sends M-SEARCH probes and listens
// continuously for responses and unsolicited NOTIFY announcements.
type ssdpClient struct {
	conn     net.PacketConn
	onDevice func(announcement)
	logger   *slog.Logger

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// newSSDPClient opens the socket and starts the receive loop. onDevice is
// invoked for every vendor-matched message.
func newSSDPClient(onDevice func(announcement), logger *slog.Logger) (*ssdpClient, error) {
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return nil, err
	}
	c := &ssdpClient{
		conn:     conn,
		onDevice: onDevice,
		logger:   logger,
	}
	c.wg.Add(1)
	go c.listen()
	logger.Debug("ssdp client started", "addr", conn.LocalAddr())
	return c, nil
}

// search sends one M-SEARCH probe per search target.
func (c *ssdpClient) search() error {
	dst, err := net.ResolveUDPAddr("udp4", ssdpMulticastAddr)
	if err != nil {
		return err
	}
	for i, st := range searchTargets {
		if i > 0 {
			time.Sleep(interSendDelay)
		}
		msg := strings.Join([]string{
			"M-SEARCH * HTTP/1.1",
			"HOST: " + ssdpMulticastAddr,
			`MAN: "ssdp:discover"`,
			"ST: " + st,
			"MX: 3",
			"", "",
		}, "\r\n")
		if _, err := c.conn.WriteTo([]byte(msg), dst); err != nil {
			return err
		}
	}
	return nil
}

// listen reads replies until the socket is closed.
func (c *ssdpClient) listen() {
	defer c.wg.Done()
	buf := make([]byte, 2048)
	for {
		n, addr, err := c.conn.ReadFrom(buf)
		if err != nil {
			if !strings.Contains(err.Error(), "closed") {
				c.logger.Error("ssdp read", "err", err)
			}
			return
		}
		c.handleMessage(string(buf[:n]), addr)
	}
}

// handleMessage parses a datagram and forwards vendor matches. Everything
// else on the multicast group is silently discarded.
func (c *ssdpClient) handleMessage(msg string, addr net.Addr) {
	if !isSSDPMessage(msg) {
		return
	}
	headers := parseSSDPHeaders(msg)
	if !IsVendorDevice(headers) {
		return
	}

	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	c.onDevice(announcement{IP: host, Headers: headers, At: time.Now()})
}

// isSSDPMessage accepts search responses and unsolicited announcements.
func isSSDPMessage(msg string) bool {
	return strings.HasPrefix(msg, "HTTP/1.1 200 OK") || strings.HasPrefix(msg, "NOTIFY ")
}

// parseSSDPHeaders parses the newline-delimited "Key: value" block of an
// SSDP message into a lowercase-keyed map. The start line is skipped by
// virtue of containing no colon-separated key.
func parseSSDPHeaders(msg string) map[string]string {
	headers := make(map[string]string)
	for _, line := range strings.Split(msg, "\r\n") {
		for _, l := range strings.Split(line, "\n") {
			idx := strings.Index(l, ":")
			if idx <= 0 {
				continue
			}
			key := strings.ToLower(strings.TrimSpace(l[:idx]))
			headers[key] = strings.TrimSpace(l[idx+1:])
		}
	}
	return headers
}

// close shuts the socket and waits for the receive loop to exit.
func (c *ssdpClient) close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
	})
	c.wg.Wait()
}

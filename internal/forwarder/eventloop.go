package forwarder

import (
	"errors"
	"fmt"
	"net"

	"github.com/AdguardTeam/golibs/log"
	"golang.org/x/sys/unix"

	"github.com/Pentiumluyu/ChinaDNS/internal/upstreamset"
	"github.com/Pentiumluyu/ChinaDNS/internal/wire"
)

// pollTimeoutMillis is the periodic readiness-wait tick.
const pollTimeoutMillis = 50

// Run drives the event loop until stop is closed or a socket enters an
// unrecoverable error state: wait on both sockets with a bounded timeout,
// service the client socket before the upstream socket, repeat.
func (l *Loop) Run(stop <-chan struct{}) error {
	fds := []unix.PollFd{
		{Fd: int32(l.localFD), Events: unix.POLLIN},
		{Fd: int32(l.remoteFD), Events: unix.POLLIN},
	}

	for {
		select {
		case <-stop:
			return nil
		default:
		}

		fds[0].Revents = 0
		fds[1].Revents = 0

		n, err := unix.Poll(fds, pollTimeoutMillis)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}

			return fmt.Errorf("poll: %w", err)
		}
		if n == 0 {
			continue
		}

		if fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			return fmt.Errorf("listener socket entered error set")
		}
		if fds[1].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			return fmt.Errorf("upstream socket entered error set")
		}

		if fds[0].Revents&unix.POLLIN != 0 {
			l.handleClient()
		}
		if fds[1].Revents&unix.POLLIN != 0 {
			l.handleUpstream()
		}
	}
}

// handleClient reads one client query, remembers who asked, and fans it
// out to every upstream (rewritten to use message-compression pointers for
// the foreign pool, sent verbatim to the domestic pool).
func (l *Loop) handleClient() {
	buf := make([]byte, recvBufSize)

	n, from, err := unix.Recvfrom(l.localFD, buf, 0)
	if err != nil {
		if !errors.Is(err, unix.EAGAIN) {
			log.Error("recvfrom local socket: %s", err)
		}

		return
	}
	buf = buf[:n]

	id, ok := wire.ParseID(buf)
	if !ok {
		log.Debug("dropping malformed client datagram: too short")

		return
	}

	clientAddr, ok := sockaddrToUDPAddr(from)
	if !ok {
		log.Debug("dropping client datagram: unexpected sockaddr family")

		return
	}

	name, nameOK := wire.ParseQuestionName(buf)
	if !nameOK {
		log.Debug("dropping client datagram with unparsable question from %s", clientAddr)

		return
	}
	log.Info("query %s from %s", name, clientAddr)

	l.pending.Insert(id, clientAddr)

	foreignBuf, rewritten := wire.RewriteWithCompression(buf)
	for _, up := range l.upstreams.Foreign {
		payload := buf
		if rewritten {
			payload = foreignBuf
		}

		l.sendToUpstream(payload, up)
	}

	for _, up := range l.upstreams.Domestic {
		l.sendToUpstream(buf, up)
	}
}

// handleUpstream reads one upstream reply, finds the client it answers,
// applies the filter policy, and relays it on pass.
func (l *Loop) handleUpstream() {
	buf := make([]byte, recvBufSize)

	n, from, err := unix.Recvfrom(l.remoteFD, buf, 0)
	if err != nil {
		if !errors.Is(err, unix.EAGAIN) {
			log.Error("recvfrom upstream socket: %s", err)
		}

		return
	}
	buf = buf[:n]

	id, ok := wire.ParseID(buf)
	if !ok {
		log.Debug("dropping malformed upstream datagram: too short")

		return
	}

	entry, ok := l.pending.Lookup(id)
	if !ok {
		log.Debug("skip: no pending client for id %#04x", id)

		return
	}

	fromInet4, ok := from.(*unix.SockaddrInet4)
	if !ok {
		log.Debug("dropping upstream datagram: unexpected sockaddr family")

		return
	}

	upstreamIsDomestic := false
	if l.prefixConfigured && len(l.upstreams.Foreign) > 0 {
		upstreamIsDomestic = l.upstreams.IsDomestic(sockaddrInet4Uint32(fromInet4))
	}

	answers, ok := wire.IterAAnswers(buf)
	if !ok {
		log.Debug("dropping malformed upstream response for id %#04x", id)

		return
	}

	if l.policy.ShouldDrop(answers, upstreamIsDomestic) {
		if l.verbose {
			log.Debug("filter: dropping response for id %#04x from %s", id, net.IP(fromInet4.Addr[:]))
		}

		return
	}

	if sErr := l.sendToClient(buf, entry.ClientAddr); sErr != nil {
		log.Error("sendto client %s: %s", entry.ClientAddr, sErr)

		return
	}

	if l.verbose {
		log.Debug("pass: response for id %#04x relayed to %s", id, entry.ClientAddr)
	}
}

// sendToUpstream sends payload to up's socket address over the upstream
// socket. A send failure is logged and does not stop the fan-out to the
// remaining upstreams.
func (l *Loop) sendToUpstream(payload []byte, up upstreamset.Endpoint) {
	sa, ok := udpAddrToSockaddr(up.Addr)
	if !ok {
		return
	}

	if err := unix.Sendto(l.remoteFD, payload, 0, sa); err != nil {
		log.Error("sendto upstream %s: %s", up.Addr, err)
	}
}

// sendToClient sends payload to the client over the listener socket.
func (l *Loop) sendToClient(payload []byte, client *net.UDPAddr) error {
	sa, ok := udpAddrToSockaddr(client)
	if !ok {
		return fmt.Errorf("client address %s is not IPv4", client)
	}

	return unix.Sendto(l.localFD, payload, 0, sa)
}

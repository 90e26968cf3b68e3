//go:build linux

package eventloop

import (
	"os"

	"golang.org/x/sys/unix"
)

// IOEvents is a readiness or interest set.
type IOEvents uint32

const (
	// EventRead indicates the descriptor is readable.
	EventRead IOEvents = 1 << iota
	// EventPriority indicates urgent (out-of-band) data is readable.
	EventPriority
	// EventWrite indicates the descriptor is writable.
	EventWrite
	// EventReadHangup indicates the peer shut down its write side.
	EventReadHangup
	// EventError indicates an error condition on the descriptor.
	EventError
	// EventHangup indicates both directions are closed.
	EventHangup
)

// readInterest is what Channel.EnableRead subscribes to.
const readInterest = EventRead | EventPriority | EventReadHangup

// channel registration state within a poller
const (
	channelNew = iota
	channelAdded
	channelDetached // known to the poller, but not in the epoll set
)

// poller is the level-triggered epoll multiplexer owned by one Loop. It is
// confined to the loop goroutine.
type poller struct {
	channels map[int]*Channel
	events   []unix.EpollEvent
	epfd     int
}

func newPoller(eventBufferSize int) (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	return &poller{
		channels: make(map[int]*Channel),
		events:   make([]unix.EpollEvent, eventBufferSize),
		epfd:     epfd,
	}, nil
}

func (p *poller) close() error {
	return unix.Close(p.epfd)
}

// poll waits up to timeoutMs and appends every channel with non-empty
// readiness to active, recording that readiness on the channel.
func (p *poller) poll(timeoutMs int, active []*Channel) ([]*Channel, error) {
	n, err := unix.EpollWait(p.epfd, p.events, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return active, nil
		}
		return active, os.NewSyscallError("epoll_wait", err)
	}

	for i := 0; i < n; i++ {
		ev := &p.events[i]
		ch, ok := p.channels[int(ev.Fd)]
		if !ok {
			continue
		}
		ch.revents = epollToEvents(ev.Events)
		active = append(active, ch)
	}

	if n == len(p.events) {
		p.events = make([]unix.EpollEvent, len(p.events)*2)
	}

	return active, nil
}

// updateChannel synchronises the epoll set with ch's interest.
func (p *poller) updateChannel(ch *Channel) error {
	switch ch.index {
	case channelNew, channelDetached:
		if ch.index == channelNew {
			if _, ok := p.channels[ch.fd]; ok {
				return os.NewSyscallError("epoll_ctl", unix.EEXIST)
			}
			p.channels[ch.fd] = ch
		}
		if ch.IsNoneEvent() {
			ch.index = channelDetached
			return nil
		}
		ch.index = channelAdded
		return p.ctl(unix.EPOLL_CTL_ADD, ch)

	default:
		if ch.IsNoneEvent() {
			ch.index = channelDetached
			return p.ctl(unix.EPOLL_CTL_DEL, ch)
		}
		return p.ctl(unix.EPOLL_CTL_MOD, ch)
	}
}

// removeChannel forgets ch entirely.
func (p *poller) removeChannel(ch *Channel) error {
	if cur, ok := p.channels[ch.fd]; !ok || cur != ch {
		return ErrChannelNotRegistered
	}
	delete(p.channels, ch.fd)
	index := ch.index
	ch.index = channelNew
	ch.revents = 0
	if index == channelAdded {
		return p.ctl(unix.EPOLL_CTL_DEL, ch)
	}
	return nil
}

func (p *poller) hasChannel(ch *Channel) bool {
	cur, ok := p.channels[ch.fd]
	return ok && cur == ch
}

func (p *poller) ctl(op int, ch *Channel) error {
	ev := unix.EpollEvent{
		Events: eventsToEpoll(ch.events),
		Fd:     int32(ch.fd),
	}
	if err := unix.EpollCtl(p.epfd, op, ch.fd, &ev); err != nil {
		return os.NewSyscallError("epoll_ctl", err)
	}
	return nil
}

// eventsToEpoll converts IOEvents to epoll event flags.
func eventsToEpoll(events IOEvents) uint32 {
	var epollEvents uint32
	if events&EventRead != 0 {
		epollEvents |= unix.EPOLLIN
	}
	if events&EventPriority != 0 {
		epollEvents |= unix.EPOLLPRI
	}
	if events&EventWrite != 0 {
		epollEvents |= unix.EPOLLOUT
	}
	if events&EventReadHangup != 0 {
		epollEvents |= unix.EPOLLRDHUP
	}
	return epollEvents
}

// epollToEvents converts epoll event flags to IOEvents.
func epollToEvents(epollEvents uint32) IOEvents {
	var events IOEvents
	if epollEvents&unix.EPOLLIN != 0 {
		events |= EventRead
	}
	if epollEvents&unix.EPOLLPRI != 0 {
		events |= EventPriority
	}
	if epollEvents&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if epollEvents&unix.EPOLLRDHUP != 0 {
		events |= EventReadHangup
	}
	if epollEvents&unix.EPOLLERR != 0 {
		events |= EventError
	}
	if epollEvents&unix.EPOLLHUP != 0 {
		events |= EventHangup
	}
	return events
}

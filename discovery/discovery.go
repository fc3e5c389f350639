package discovery

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"sync"
	"time"
)

const (
	multicastIpAddress = "239.0.0.1"
	keySize            = 8
	maxDatagramSize    = 1024
)

// Discover announces Info on a UDP multicast group and reports the
// announcements of other instances on Entries.
// Set Info, Port and IntervalBetweenAnnouncements before calling Start.
type Discover struct {
	Info                         []byte
	Port                         uint16
	IntervalBetweenAnnouncements time.Duration
	Entries                      chan Entry
	conn                         *net.UDPConn
	sendConn                     *net.UDPConn
	key                          []byte
	done                         chan struct{}
	closeOnce                    sync.Once
}

// Entry is an announcement received from another instance.
type Entry struct {
	Info []byte
	Time time.Time
}

// Start joins the multicast group and starts announcing and listening.
func (d *Discover) Start() error {
	if d.IntervalBetweenAnnouncements <= 0 {
		d.IntervalBetweenAnnouncements = time.Second
	}
	d.Entries = make(chan Entry, 10)
	d.done = make(chan struct{})
	d.key = []byte(fmt.Sprintf("%08x", rand.Uint32()))
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", multicastIpAddress, d.Port))
	if err != nil {
		return err
	}
	d.conn, err = net.ListenMulticastUDP("udp", nil, addr)
	if err != nil {
		return err
	}
	d.sendConn, err = net.DialUDP("udp", nil, addr)
	if err != nil {
		return errors.Join(err, d.conn.Close())
	}
	go d.listen()
	go d.announce()
	return nil
}

// Close stops announcing and listening.
func (d *Discover) Close() error {
	var err1, err2 error
	d.closeOnce.Do(func() {
		close(d.done)
		err1 = d.conn.Close()
		err2 = d.sendConn.Close()
	})
	return errors.Join(err1, err2)
}

func (d *Discover) listen() {
	buffer := make([]byte, maxDatagramSize)
	for {
		n, _, err := d.conn.ReadFromUDP(buffer)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		info, ok := parseAnnouncement(d.key, buffer[:n])
		if !ok {
			continue
		}
		select {
		case d.Entries <- Entry{Info: info, Time: time.Now()}:
		case <-d.done:
			return
		}
	}
}

func (d *Discover) announce() {
	message := append(append([]byte(nil), d.key...), d.Info...)
	for {
		if _, err := d.sendConn.Write(message); err != nil && errors.Is(err, net.ErrClosed) {
			return
		}
		select {
		case <-time.After(d.IntervalBetweenAnnouncements):
		case <-d.done:
			return
		}
	}
}

// parseAnnouncement strips the sender key from message. Messages too short to
// carry a key and messages carrying ownKey are discarded.
func parseAnnouncement(ownKey, message []byte) ([]byte, bool) {
	if len(message) < keySize {
		return nil, false
	}
	if bytes.Equal(message[:keySize], ownKey) {
		return nil, false
	}
	return append([]byte(nil), message[keySize:]...), true
}

// Package tundevice adapts a wireguard/tun device to spec.md §6's
// IPv6Tunnel collaborator (ReadPacket/WritePacket/SetMTU/BringUp). A Teredo
// tunnel carries only IPv6 packets, so unlike a general VPN's TUN adapter
// this package never needs to branch on an outgoing packet's IP version for
// anything other than the utun/AF family header some platforms require.
package tundevice

import (
	"encoding/binary"
	"fmt"
	"os/exec"
	"syscall"

	"golang.zx2c4.com/wireguard/tun"
)

// maxPacketBytes bounds the largest IPv6 packet this package will carry,
// plus the 4-byte address-family header wireguard/tun prepends/strips.
const maxPacketBytes = 65535 + 4

// device is the subset of tun.Device this package needs, so tests can
// substitute an in-memory fake instead of a real kernel interface.
type device interface {
	Read(bufs [][]byte, sizes []int, offset int) (int, error)
	Write(bufs [][]byte, offset int) (int, error)
	Close() error
}

// runner abstracts exec.Command+CombinedOutput for BringUp/SetMTU, mirroring
// internal/privhelper's injectable command runner.
type runner func(name string, args ...string) ([]byte, error)

func execRunner(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).CombinedOutput()
}

// Device wraps a tun.Device. All steady-state Read/Write buffers are
// allocated once and reused, following the teacher's allocation-free adapter.
type Device struct {
	dev    device
	ifName string
	run    runner

	readBuffer  []byte
	writeBuffer []byte
	readVec     [][]byte
	writeVec    [][]byte
	sizes       []int
}

// New creates a TUN interface named ifName with the given MTU and wraps it.
func New(ifName string, mtu int) (*Device, error) {
	dev, err := tun.CreateTUN(ifName, mtu)
	if err != nil {
		return nil, fmt.Errorf("tundevice: creating %s: %w", ifName, err)
	}
	return newWithDevice(dev, ifName, execRunner), nil
}

func newWithDevice(dev device, ifName string, run runner) *Device {
	rb := make([]byte, maxPacketBytes)
	wb := make([]byte, maxPacketBytes)
	return &Device{
		dev:         dev,
		ifName:      ifName,
		run:         run,
		readBuffer:  rb,
		writeBuffer: wb,
		readVec:     [][]byte{rb},
		writeVec:    [][]byte{wb},
		sizes:       []int{0},
	}
}

// Name returns the interface name this Device was created with.
func (d *Device) Name() string { return d.ifName }

// ReadPacket copies one IPv6 packet (header stripped) into buf.
func (d *Device) ReadPacket(buf []byte) (int, error) {
	d.sizes[0] = 0
	if _, err := d.dev.Read(d.readVec, d.sizes, 4); err != nil {
		return 0, fmt.Errorf("tundevice: reading %s: %w", d.ifName, err)
	}
	n := d.sizes[0]
	if n > len(buf) {
		return 0, fmt.Errorf("tundevice: destination buffer too small for %d-byte packet", n)
	}
	copy(buf, d.readBuffer[4:4+n])
	return n, nil
}

// WritePacket prepends the address-family header and transmits buf.
func (d *Device) WritePacket(buf []byte) error {
	if len(buf) == 0 {
		return fmt.Errorf("tundevice: empty packet")
	}
	if len(buf)+4 > len(d.writeBuffer) {
		return fmt.Errorf("tundevice: packet of %d bytes exceeds maximum", len(buf))
	}

	var family uint32
	if buf[0]>>4 == 6 {
		family = syscall.AF_INET6
	} else {
		family = syscall.AF_INET
	}
	binary.BigEndian.PutUint32(d.writeBuffer[:4], family)
	copy(d.writeBuffer[4:], buf)
	d.writeVec[0] = d.writeBuffer[:len(buf)+4]

	if _, err := d.dev.Write(d.writeVec, 4); err != nil {
		return fmt.Errorf("tundevice: writing to %s: %w", d.ifName, err)
	}
	return nil
}

// SetMTU sets the interface's link MTU.
func (d *Device) SetMTU(mtu uint16) error {
	out, err := d.run("ip", "link", "set", "dev", d.ifName, "mtu", fmt.Sprintf("%d", mtu))
	if err != nil {
		return fmt.Errorf("tundevice: setting mtu %d on %s: %w, output: %s", mtu, d.ifName, err, out)
	}
	return nil
}

// BringUp brings the interface administratively up.
func (d *Device) BringUp() error {
	out, err := d.run("ip", "link", "set", "dev", d.ifName, "up")
	if err != nil {
		return fmt.Errorf("tundevice: bringing up %s: %w, output: %s", d.ifName, err, out)
	}
	return nil
}

// Close closes the underlying device.
func (d *Device) Close() error {
	return d.dev.Close()
}

package tundevice

import (
	"encoding/binary"
	"errors"
	"reflect"
	"strings"
	"syscall"
	"testing"
)

type fakeDevice struct {
	readPayload []byte
	readSize    int
	readErr     error

	writtenBuf [][]byte
	writeOff   int
	writeErr   error

	closeErr error
	closed   bool
}

func (f *fakeDevice) Read(bufs [][]byte, sizes []int, offset int) (int, error) {
	if f.readErr != nil {
		return 0, f.readErr
	}
	copy(bufs[0][offset:], f.readPayload[offset:offset+f.readSize])
	sizes[0] = f.readSize
	return f.readSize, nil
}

func (f *fakeDevice) Write(bufs [][]byte, offset int) (int, error) {
	f.writtenBuf = make([][]byte, len(bufs))
	for i := range bufs {
		f.writtenBuf[i] = append([]byte(nil), bufs[i]...)
	}
	f.writeOff = offset
	return len(bufs[0]) - offset, f.writeErr
}

func (f *fakeDevice) Close() error {
	f.closed = true
	return f.closeErr
}

func TestReadPacket_Success(t *testing.T) {
	payload := []byte{0x60, 0x00, 0x00, 0x00, 0x11, 0x22}
	fd := &fakeDevice{
		readPayload: append(make([]byte, 4), payload...),
		readSize:    len(payload),
	}
	d := newWithDevice(fd, "teredo0", nil)

	out := make([]byte, len(payload))
	n, err := d.ReadPacket(out)
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("n = %d, want %d", n, len(payload))
	}
	if !reflect.DeepEqual(out, payload) {
		t.Fatalf("out = %v, want %v", out, payload)
	}
}

func TestReadPacket_PropagatesDeviceError(t *testing.T) {
	wantErr := errors.New("read fail")
	fd := &fakeDevice{readErr: wantErr}
	d := newWithDevice(fd, "teredo0", nil)

	_, err := d.ReadPacket(make([]byte, 10))
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want wrapping %v", err, wantErr)
	}
}

func TestReadPacket_DestinationTooSmall(t *testing.T) {
	payload := []byte{1, 2, 3, 4, 5}
	fd := &fakeDevice{
		readPayload: append(make([]byte, 4), payload...),
		readSize:    len(payload),
	}
	d := newWithDevice(fd, "teredo0", nil)

	_, err := d.ReadPacket(make([]byte, len(payload)-1))
	if err == nil {
		t.Fatal("expected an error for an undersized destination buffer")
	}
}

func TestWritePacket_SetsIPv6FamilyHeader(t *testing.T) {
	payload := []byte{0x60, 0xAA, 0xBB}
	fd := &fakeDevice{}
	d := newWithDevice(fd, "teredo0", nil)

	if err := d.WritePacket(payload); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}

	wbuf := fd.writtenBuf[0]
	if len(wbuf) != len(payload)+4 {
		t.Fatalf("written length = %d, want %d", len(wbuf), len(payload)+4)
	}
	wantFam := make([]byte, 4)
	binary.BigEndian.PutUint32(wantFam, syscall.AF_INET6)
	if !reflect.DeepEqual(wbuf[:4], wantFam) {
		t.Fatalf("family header = %v, want %v", wbuf[:4], wantFam)
	}
	if !reflect.DeepEqual(wbuf[4:], payload) {
		t.Fatalf("payload = %v, want %v", wbuf[4:], payload)
	}
	if fd.writeOff != 4 {
		t.Fatalf("write offset = %d, want 4", fd.writeOff)
	}
}

func TestWritePacket_RejectsEmptyPacket(t *testing.T) {
	d := newWithDevice(&fakeDevice{}, "teredo0", nil)
	if err := d.WritePacket(nil); err == nil {
		t.Fatal("expected an error for an empty packet")
	}
}

func TestWritePacket_RejectsOversizedPacket(t *testing.T) {
	d := newWithDevice(&fakeDevice{}, "teredo0", nil)
	if err := d.WritePacket(make([]byte, maxPacketBytes)); err == nil {
		t.Fatal("expected an error for a packet exceeding the maximum size")
	}
}

func TestWritePacket_PropagatesDeviceError(t *testing.T) {
	wantErr := errors.New("write fail")
	fd := &fakeDevice{writeErr: wantErr}
	d := newWithDevice(fd, "teredo0", nil)

	err := d.WritePacket([]byte{0x60, 0x01})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want wrapping %v", err, wantErr)
	}
}

func TestClose_ClosesUnderlyingDevice(t *testing.T) {
	fd := &fakeDevice{}
	d := newWithDevice(fd, "teredo0", nil)
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !fd.closed {
		t.Fatal("Close did not close the underlying device")
	}
}

func TestBringUp_InvokesExpectedCommand(t *testing.T) {
	var gotName string
	var gotArgs []string
	d := newWithDevice(&fakeDevice{}, "teredo0", func(name string, args ...string) ([]byte, error) {
		gotName = name
		gotArgs = args
		return nil, nil
	})

	if err := d.BringUp(); err != nil {
		t.Fatalf("BringUp: %v", err)
	}
	if gotName != "ip" {
		t.Fatalf("command = %q, want %q", gotName, "ip")
	}
	joined := strings.Join(gotArgs, " ")
	if !strings.Contains(joined, "teredo0") || !strings.Contains(joined, "up") {
		t.Errorf("args = %q, want reference to interface and up", joined)
	}
}

func TestSetMTU_InvokesExpectedCommand(t *testing.T) {
	var gotArgs []string
	d := newWithDevice(&fakeDevice{}, "teredo0", func(_ string, args ...string) ([]byte, error) {
		gotArgs = args
		return nil, nil
	})

	if err := d.SetMTU(1280); err != nil {
		t.Fatalf("SetMTU: %v", err)
	}
	joined := strings.Join(gotArgs, " ")
	if !strings.Contains(joined, "1280") {
		t.Errorf("args = %q, want reference to the new MTU", joined)
	}
}

func TestSetMTU_WrapsCommandFailure(t *testing.T) {
	d := newWithDevice(&fakeDevice{}, "teredo0", func(string, ...string) ([]byte, error) {
		return []byte("RTNETLINK answers: Invalid argument"), errors.New("exit status 1")
	})

	err := d.SetMTU(70000)
	if err == nil {
		t.Fatal("expected an error")
	}
	if !strings.Contains(err.Error(), "Invalid argument") {
		t.Errorf("err = %v, want wrapped command output", err)
	}
}

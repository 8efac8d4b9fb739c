package rnode

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rnodeflasher/protocol"
	"rnodeflasher/transport"
)

// fakeRNode - фальшивое устройство на том конце порта.
// Отвечает на KISS команды согласно таблице respond.
type fakeRNode struct {
	decoder protocol.KISSDecoder
	pending []byte
	// respond возвращает полезную нагрузку ответа или nil (молчание)
	respond func(cmd byte, payload []byte) []byte
	writes  []protocol.Frame
}

func (f *fakeRNode) Connect(baudRate int) error { return nil }
func (f *fakeRNode) Disconnect() error          { return nil }
func (f *fakeRNode) SetBaudRate(rate int) error { return nil }

func (f *fakeRNode) Write(p []byte) (int, error) {
	for _, frame := range f.decoder.Feed(p) {
		f.writes = append(f.writes, frame)
		if f.respond == nil {
			continue
		}
		if resp := f.respond(frame.Command, frame.Payload); resp != nil {
			f.pending = append(f.pending, protocol.KISSEncode(frame.Command, resp)...)
		}
	}
	return len(p), nil
}

func (f *fakeRNode) Read() ([]byte, error) {
	out := f.pending
	f.pending = nil
	return out, nil
}

func (f *fakeRNode) ReadBlocking(p []byte, timeout time.Duration) (int, error) {
	out, _ := f.Read()
	return copy(p, out), nil
}

func (f *fakeRNode) SetControlLines(dtr, rts bool) error { return nil }
func (f *fakeRNode) Drain(d time.Duration)               { f.pending = nil }
func (f *fakeRNode) ClearReadBuffer() error              { f.pending = nil; return nil }

// healthyRNode отвечает как провиженный ESP32 RNode
func healthyRNode() *fakeRNode {
	rom := syntheticROM(true)
	return &fakeRNode{
		respond: func(cmd byte, payload []byte) []byte {
			switch cmd {
			case CMD_DETECT:
				if len(payload) == 1 && payload[0] == DETECT_REQ {
					return []byte{DETECT_RESP}
				}
				return nil
			case CMD_PLATFORM:
				return []byte{PLATFORM_ESP32}
			case CMD_MCU:
				return []byte{MCU_ESP32}
			case CMD_BOARD:
				return []byte{0x40}
			case CMD_FW_VERSION:
				return []byte{1, 5}
			case CMD_ROM_READ:
				return rom
			default:
				return nil
			}
		},
	}
}

func fastDetector(t transport.Transport) *Detector {
	d := NewDetector(t)
	d.Timeout = 100 * time.Millisecond
	d.PollInterval = time.Millisecond
	return d
}

func TestIsRNode(t *testing.T) {
	dev := healthyRNode()
	d := fastDetector(dev)
	require.True(t, d.IsRNode(context.Background()))
}

func TestIsRNodeSilentDevice(t *testing.T) {
	dev := &fakeRNode{} // не отвечает вообще
	d := fastDetector(dev)
	require.False(t, d.IsRNode(context.Background()))
}

func TestIsRNodeWrongSentinel(t *testing.T) {
	dev := &fakeRNode{
		respond: func(cmd byte, payload []byte) []byte {
			if cmd == CMD_DETECT {
				return []byte{0x00}
			}
			return nil
		},
	}
	d := fastDetector(dev)
	require.False(t, d.IsRNode(context.Background()))
}

func TestGetDeviceInfo(t *testing.T) {
	dev := healthyRNode()
	d := fastDetector(dev)

	info, ok := d.GetDeviceInfo(context.Background())
	require.True(t, ok)
	require.NotNil(t, info)

	require.Equal(t, byte(PLATFORM_ESP32), info.Platform)
	require.Equal(t, byte(MCU_ESP32), info.MCU)
	require.Equal(t, "1.05", info.FirmwareVersion)
	require.True(t, info.Provisioned)
	require.True(t, info.Configured)
	require.NotNil(t, info.SerialNumber)
	require.Equal(t, uint32(0x00010203), *info.SerialNumber)
	// Продукт из ROM авторитетнее отдельно опрошенной платы
	require.Equal(t, byte(0xC0), info.Board)
	require.Equal(t, byte(0xC0), info.Product)
}

func TestGetDeviceInfoPartialDegradation(t *testing.T) {
	rom := syntheticROM(false)
	dev := &fakeRNode{
		respond: func(cmd byte, payload []byte) []byte {
			switch cmd {
			case CMD_DETECT:
				return []byte{DETECT_RESP}
			case CMD_PLATFORM:
				return []byte{PLATFORM_ESP32}
			// MCU, BOARD и FW_VERSION молчат
			case CMD_ROM_READ:
				return rom
			default:
				return nil
			}
		},
	}
	d := fastDetector(dev)

	info, ok := d.GetDeviceInfo(context.Background())
	require.True(t, ok)
	require.Equal(t, byte(PLATFORM_ESP32), info.Platform)
	require.Equal(t, byte(0x00), info.MCU)
	require.Equal(t, "", info.FirmwareVersion)
	require.False(t, info.Provisioned)
	require.Nil(t, info.SerialNumber)
}

func TestUnprovisionedROMDoesNotOverrideBoard(t *testing.T) {
	// ROM без info-lock несет код продукта, но плата опрошена
	// отдельно и ее ответ остается в силе
	rom := syntheticROM(false)
	dev := &fakeRNode{
		respond: func(cmd byte, payload []byte) []byte {
			switch cmd {
			case CMD_DETECT:
				return []byte{DETECT_RESP}
			case CMD_BOARD:
				return []byte{0x40}
			case CMD_ROM_READ:
				return rom
			default:
				return nil
			}
		},
	}
	d := fastDetector(dev)

	info, ok := d.GetDeviceInfo(context.Background())
	require.True(t, ok)
	require.False(t, info.Provisioned)
	require.Equal(t, byte(0x40), info.Board)
	require.Equal(t, byte(0xC0), info.Product)
}

func TestGetDeviceInfoNotAnRNode(t *testing.T) {
	dev := &fakeRNode{}
	d := fastDetector(dev)

	info, ok := d.GetDeviceInfo(context.Background())
	require.False(t, ok)
	require.Nil(t, info)
}

func TestFirmwareVersionFormatting(t *testing.T) {
	testCases := []struct {
		major, minor byte
		expect       string
	}{
		{1, 5, "1.05"},
		{2, 12, "2.12"},
		{0, 0, "0.00"},
	}

	for _, tc := range testCases {
		dev := healthyRNode()
		base := dev.respond
		dev.respond = func(cmd byte, payload []byte) []byte {
			if cmd == CMD_FW_VERSION {
				return []byte{tc.major, tc.minor}
			}
			return base(cmd, payload)
		}
		d := fastDetector(dev)
		info, ok := d.GetDeviceInfo(context.Background())
		require.True(t, ok)
		require.Equal(t, tc.expect, info.FirmwareVersion)
	}
}

func TestResetDevice(t *testing.T) {
	dev := healthyRNode()
	d := fastDetector(dev)
	require.True(t, d.ResetDevice())

	last := dev.writes[len(dev.writes)-1]
	require.Equal(t, byte(CMD_RESET), last.Command)
	require.Equal(t, []byte{CMD_RESET_BYTE}, last.Payload)
}

func TestDetectCancellation(t *testing.T) {
	dev := &fakeRNode{}
	d := NewDetector(dev)
	d.PollInterval = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	require.False(t, d.IsRNode(ctx))
	// Отмененный контекст не должен ждать полный таймаут
	require.Less(t, time.Since(start), DefaultTimeout)
}

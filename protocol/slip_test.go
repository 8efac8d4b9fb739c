package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSLIPRoundTrip(t *testing.T) {
	testCases := []struct {
		name string
		data []byte
	}{
		{"plain", []byte{0x00, 0x08, 0x24, 0x00}},
		{"contains END", []byte{SLIP_END}},
		{"contains ESC", []byte{SLIP_ESC}},
		{"END and ESC mixed", []byte{SLIP_ESC, SLIP_END, SLIP_ESC_END, SLIP_ESC_ESC}},
		{"all byte values", allByteValues()},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			encoded := SLIPEncode(tc.data)
			decoded, err := SLIPDecode(encoded)
			require.NoError(t, err)
			require.Equal(t, tc.data, decoded)
		})
	}
}

func TestSLIPDecodeErrors(t *testing.T) {
	_, err := SLIPDecode([]byte{})
	require.Error(t, err)

	_, err = SLIPDecode([]byte{0x01, 0x02})
	require.Error(t, err)

	// Недопустимая escape-последовательность
	_, err = SLIPDecode([]byte{SLIP_END, SLIP_ESC, 0x00, SLIP_END})
	require.Error(t, err)
}

func TestSLIPDecoderIncremental(t *testing.T) {
	payload := allByteValues()
	encoded := SLIPEncode(payload)

	var d SLIPDecoder
	var packets [][]byte
	for _, b := range encoded {
		packets = append(packets, d.Feed([]byte{b})...)
	}
	require.Len(t, packets, 1)
	require.Equal(t, payload, packets[0])
}

func TestSLIPDecoderSkipsEmptyFrames(t *testing.T) {
	// Чип при ресинхронизации выдает END подряд - пустые кадры
	// между ними не считаются пакетами
	var d SLIPDecoder
	stream := []byte{SLIP_END, SLIP_END, SLIP_END}
	stream = append(stream, SLIPEncode([]byte{0x01, 0x08})...)
	packets := d.Feed(stream)
	require.Len(t, packets, 1)
	require.Equal(t, []byte{0x01, 0x08}, packets[0])
}

func TestSLIPDecoderBackToBackPackets(t *testing.T) {
	var d SLIPDecoder
	stream := append(SLIPEncode([]byte{0x01}), SLIPEncode([]byte{0x02})...)
	packets := d.Feed(stream)
	require.Len(t, packets, 2)
	require.Equal(t, []byte{0x01}, packets[0])
	require.Equal(t, []byte{0x02}, packets[1])
}

func TestChecksum(t *testing.T) {
	// Пустой блок дает само семя
	require.Equal(t, byte(CHECKSUM_MAGIC), Checksum(nil))

	// XOR сумма не зависит от порядка байт в блоке
	a := []byte{0x01, 0x02, 0x03, 0xFF}
	b := []byte{0xFF, 0x03, 0x02, 0x01}
	require.Equal(t, Checksum(a), Checksum(b))

	// Стабильность: заранее посчитанное значение
	require.Equal(t, byte(0xEF^0x01^0x02^0x03^0xFF), Checksum(a))

	// Блок заполнителя 0xFF четной длины самоуничтожается
	pad := make([]byte, 1024)
	for i := range pad {
		pad[i] = 0xFF
	}
	require.Equal(t, byte(CHECKSUM_MAGIC), Checksum(pad))
}

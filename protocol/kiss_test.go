package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func allByteValues() []byte {
	b := make([]byte, 256)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

func TestKISSRoundTrip(t *testing.T) {
	testCases := []struct {
		name    string
		cmd     byte
		payload []byte
	}{
		{"empty payload", 0x08, nil},
		{"single byte", 0x08, []byte{0x73}},
		{"contains FEND", 0x51, []byte{0x01, FEND, 0x02}},
		{"contains FESC", 0x51, []byte{FESC}},
		{"only delimiters", 0x51, []byte{FEND, FESC, FEND, FESC}},
		{"all byte values", 0x50, allByteValues()},
		{"command is FEND-like", FEND, []byte{1, 2, 3}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			encoded := KISSEncode(tc.cmd, tc.payload)
			require.Equal(t, byte(FEND), encoded[0])
			require.Equal(t, byte(FEND), encoded[len(encoded)-1])

			var d KISSDecoder
			frames := d.Feed(encoded)
			require.Len(t, frames, 1)
			require.Equal(t, tc.cmd, frames[0].Command)
			require.Equal(t, append([]byte{}, tc.payload...), append([]byte{}, frames[0].Payload...))
		})
	}
}

func TestKISSDecoderChunked(t *testing.T) {
	payload := allByteValues()
	encoded := KISSEncode(0x48, payload)

	// Скармливаем по одному байту - так приходит из порта
	var d KISSDecoder
	var frames []Frame
	for _, b := range encoded {
		frames = append(frames, d.Feed([]byte{b})...)
	}
	require.Len(t, frames, 1)
	require.Equal(t, byte(0x48), frames[0].Command)
	require.Equal(t, payload, frames[0].Payload)
}

func TestKISSDecoderMultipleFrames(t *testing.T) {
	stream := append(KISSEncode(0x48, []byte{0x80}), KISSEncode(0x49, []byte{0x81})...)

	var d KISSDecoder
	frames := d.Feed(stream)
	require.Len(t, frames, 2)
	require.Equal(t, byte(0x48), frames[0].Command)
	require.Equal(t, byte(0x49), frames[1].Command)
}

func TestKISSDecoderResync(t *testing.T) {
	var d KISSDecoder

	// Мусор до первого разделителя не должен ничего породить
	frames := d.Feed([]byte{0x01, 0x02, 0x03})
	require.Empty(t, frames)

	// Начатый кадр без конца пока ничего не порождает
	frames = d.Feed([]byte{FEND, 0x55, 0x56})
	require.Empty(t, frames)

	// FEND следующего кадра закрывает огрызок (на проводе это
	// неотличимо от целого кадра), дальше декодируется сам кадр
	frames = d.Feed(KISSEncode(0x08, []byte{0x46}))
	require.Len(t, frames, 2)
	require.Equal(t, byte(0x55), frames[0].Command)
	require.Equal(t, byte(0x08), frames[1].Command)
	require.Equal(t, []byte{0x46}, frames[1].Payload)
}

func TestKISSDecoderBadEscape(t *testing.T) {
	var d KISSDecoder

	// FESC с недопустимым продолжением портит кадр целиком
	frames := d.Feed([]byte{FEND, 0x08, FESC, 0x00, FEND})
	require.Empty(t, frames)

	// Следующий кадр декодируется как ни в чем не бывало
	frames = d.Feed(KISSEncode(0x08, []byte{0x46}))
	require.Len(t, frames, 1)
}

func TestKISSDecoderReset(t *testing.T) {
	var d KISSDecoder

	// Начало кадра без конца
	d.Feed([]byte{FEND, 0x08, 0x01, 0x02})
	d.Reset()

	// После Reset хвост старого кадра не должен склеиться с новым
	frames := d.Feed(KISSEncode(0x50, []byte{1, 5}))
	require.Len(t, frames, 1)
	require.Equal(t, byte(0x50), frames[0].Command)
	require.Equal(t, []byte{1, 5}, frames[0].Payload)
}

func TestKISSDecoderNeverPanicsOnGarbage(t *testing.T) {
	var d KISSDecoder
	// Псевдослучайный поток из всех значений в разных порядках
	for i := 0; i < 257; i++ {
		chunk := make([]byte, 64)
		for j := range chunk {
			chunk[j] = byte((i*31 + j*17) % 256)
		}
		d.Feed(chunk)
	}
}

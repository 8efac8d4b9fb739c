package protocol

import (
	"bytes"
	"fmt"
)

// SLIP протокол (ROM загрузчик ESP32)
const (
	SLIP_END     = 0xC0
	SLIP_ESC     = 0xDB
	SLIP_ESC_END = 0xDC
	SLIP_ESC_ESC = 0xDD
)

// SLIPEncode кодирует данные в SLIP пакет
func SLIPEncode(data []byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte(SLIP_END)

	for _, b := range data {
		switch b {
		case SLIP_END:
			buf.WriteByte(SLIP_ESC)
			buf.WriteByte(SLIP_ESC_END)
		case SLIP_ESC:
			buf.WriteByte(SLIP_ESC)
			buf.WriteByte(SLIP_ESC_ESC)
		default:
			buf.WriteByte(b)
		}
	}

	buf.WriteByte(SLIP_END)
	return buf.Bytes()
}

// SLIPDecode декодирует один целый SLIP пакет
func SLIPDecode(data []byte) ([]byte, error) {
	if len(data) < 2 || data[0] != SLIP_END || data[len(data)-1] != SLIP_END {
		return nil, fmt.Errorf("invalid SLIP packet")
	}

	var buf bytes.Buffer
	escaped := false

	for i := 1; i < len(data)-1; i++ {
		b := data[i]
		if escaped {
			switch b {
			case SLIP_ESC_END:
				buf.WriteByte(SLIP_END)
			case SLIP_ESC_ESC:
				buf.WriteByte(SLIP_ESC)
			default:
				return nil, fmt.Errorf("invalid escape sequence")
			}
			escaped = false
		} else if b == SLIP_ESC {
			escaped = true
		} else {
			buf.WriteByte(b)
		}
	}

	return buf.Bytes(), nil
}

// SLIPDecoder - накопительный декодер SLIP потока,
// устроен так же как KISSDecoder
type SLIPDecoder struct {
	buf     bytes.Buffer
	inFrame bool
	escaped bool
	bad     bool
}

// Feed принимает очередной кусок байт и возвращает все целые
// декодированные пакеты. Пустые пакеты между соседними END
// байтами отбрасываются.
func (d *SLIPDecoder) Feed(data []byte) [][]byte {
	var packets [][]byte

	for _, b := range data {
		if !d.inFrame {
			if b == SLIP_END {
				d.inFrame = true
				d.buf.Reset()
				d.escaped = false
				d.bad = false
			}
			continue
		}

		if b == SLIP_END {
			if d.buf.Len() > 0 && !d.bad {
				p := make([]byte, d.buf.Len())
				copy(p, d.buf.Bytes())
				packets = append(packets, p)
			}
			d.buf.Reset()
			d.escaped = false
			d.bad = false
			continue
		}

		if d.escaped {
			switch b {
			case SLIP_ESC_END:
				d.buf.WriteByte(SLIP_END)
			case SLIP_ESC_ESC:
				d.buf.WriteByte(SLIP_ESC)
			default:
				d.bad = true
			}
			d.escaped = false
			continue
		}

		if b == SLIP_ESC {
			d.escaped = true
			continue
		}
		d.buf.WriteByte(b)
	}

	return packets
}

// Reset сбрасывает накопитель
func (d *SLIPDecoder) Reset() {
	d.buf.Reset()
	d.inFrame = false
	d.escaped = false
	d.bad = false
}

package protocol

import "bytes"

// KISS протокол кадрирования (детекция RNode)
const (
	FEND  = 0xC0
	FESC  = 0xDB
	TFEND = 0xDC
	TFESC = 0xDD
)

// Frame - один KISS кадр: байт команды плюс полезная нагрузка
type Frame struct {
	Command byte
	Payload []byte
}

// KISSEncode кодирует команду и данные в KISS кадр.
// Экранируется все тело кадра, включая байт команды.
func KISSEncode(cmd byte, payload []byte) []byte {
	body := make([]byte, 0, len(payload)+1)
	body = append(body, cmd)
	body = append(body, payload...)

	var buf bytes.Buffer
	buf.WriteByte(FEND)

	for _, b := range body {
		switch b {
		case FEND:
			buf.WriteByte(FESC)
			buf.WriteByte(TFEND)
		case FESC:
			buf.WriteByte(FESC)
			buf.WriteByte(TFESC)
		default:
			buf.WriteByte(b)
		}
	}

	buf.WriteByte(FEND)
	return buf.Bytes()
}

// KISSDecoder - накопительный декодер KISS потока.
// Чтение из порта не выровнено по кадрам, поэтому декодер
// принимает куски любого размера и отдает только целые кадры.
type KISSDecoder struct {
	buf      bytes.Buffer
	inFrame  bool
	escaped  bool
	overflow bool
}

// Максимальный размер кадра; все что длиннее - мусор на линии
const kissMaxFrame = 1024

// Feed скармливает декодеру очередной кусок байт и возвращает
// все кадры, успевшие собраться целиком. Мусор между кадрами
// молча отбрасывается, ошибок не бывает.
func (d *KISSDecoder) Feed(data []byte) []Frame {
	var frames []Frame

	for _, b := range data {
		if !d.inFrame {
			if b == FEND {
				d.inFrame = true
				d.buf.Reset()
				d.escaped = false
				d.overflow = false
			}
			continue
		}

		if b == FEND {
			// Конец кадра (или сразу начало следующего после мусора)
			if d.buf.Len() > 0 && !d.overflow {
				raw := make([]byte, d.buf.Len())
				copy(raw, d.buf.Bytes())
				frames = append(frames, Frame{Command: raw[0], Payload: raw[1:]})
			}
			d.buf.Reset()
			d.escaped = false
			d.overflow = false
			continue
		}

		if d.escaped {
			switch b {
			case TFEND:
				d.buf.WriteByte(FEND)
			case TFESC:
				d.buf.WriteByte(FESC)
			default:
				// Битая escape-последовательность - кадр испорчен,
				// ждем следующий FEND для ресинхронизации
				d.overflow = true
			}
			d.escaped = false
			continue
		}

		if b == FESC {
			d.escaped = true
			continue
		}

		if d.buf.Len() >= kissMaxFrame {
			d.overflow = true
			continue
		}
		d.buf.WriteByte(b)
	}

	return frames
}

// Reset сбрасывает накопитель. Вызывается перед отправкой новой
// команды, чтобы хвост старого кадра не совпал с новым ответом.
func (d *KISSDecoder) Reset() {
	d.buf.Reset()
	d.inFrame = false
	d.escaped = false
	d.overflow = false
}

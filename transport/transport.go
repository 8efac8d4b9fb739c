package transport

import "time"

// Transport - контракт последовательного порта, от которого
// зависят протокольные клиенты. Реальная реализация работает
// поверх go.bug.st/serial, тесты подставляют фальшивое устройство.
type Transport interface {
	// Connect открывает порт на указанной скорости (8N1)
	Connect(baudRate int) error
	// Disconnect закрывает порт; повторный вызов безопасен
	Disconnect() error
	// SetBaudRate меняет скорость уже открытого порта
	SetBaudRate(rate int) error

	// Write пишет байты в порт
	Write(p []byte) (int, error)
	// Read читает все что накопилось, не блокируясь; может вернуть пусто
	Read() ([]byte, error)
	// ReadBlocking читает в буфер с ограничением по времени
	ReadBlocking(p []byte, timeout time.Duration) (int, error)

	// SetControlLines выставляет управляющие линии DTR/RTS
	// (на платах RNode они заведены на IO0 и EN)
	SetControlLines(dtr, rts bool) error
	// Drain выбрасывает все входящие байты в течение указанного времени
	Drain(d time.Duration)
	// ClearReadBuffer очищает входной буфер порта
	ClearReadBuffer() error
}

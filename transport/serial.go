package transport

import (
	"fmt"
	"time"

	"github.com/golang/glog"
	"go.bug.st/serial"
)

// SerialTransport - реализация Transport поверх go.bug.st/serial
type SerialTransport struct {
	portName string
	port     serial.Port
	baudRate int
}

// NewSerialTransport создает транспорт для указанного порта,
// соединение открывается только в Connect
func NewSerialTransport(portName string) *SerialTransport {
	return &SerialTransport{portName: portName}
}

// ListPorts возвращает список последовательных портов системы
func ListPorts() ([]string, error) {
	return serial.GetPortsList()
}

func serialMode(baudRate int) *serial.Mode {
	return &serial.Mode{
		BaudRate: baudRate,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}
}

// Connect открывает порт на указанной скорости
func (t *SerialTransport) Connect(baudRate int) error {
	if t.port != nil {
		return fmt.Errorf("port %s already open", t.portName)
	}

	port, err := serial.Open(t.portName, serialMode(baudRate))
	if err != nil {
		return fmt.Errorf("failed to open port %s: %w", t.portName, err)
	}

	glog.V(1).Infof("opened %s at %d", t.portName, baudRate)
	t.port = port
	t.baudRate = baudRate
	return nil
}

// Disconnect закрывает порт, повторный вызов безопасен
func (t *SerialTransport) Disconnect() error {
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	glog.V(1).Infof("closed %s", t.portName)
	return err
}

// SetBaudRate переключает скорость уже открытого порта
func (t *SerialTransport) SetBaudRate(rate int) error {
	if t.port == nil {
		return fmt.Errorf("port %s is not open", t.portName)
	}
	if err := t.port.SetMode(serialMode(rate)); err != nil {
		return fmt.Errorf("failed to set baud rate %d: %w", rate, err)
	}
	glog.V(1).Infof("%s baud rate -> %d", t.portName, rate)
	t.baudRate = rate
	return nil
}

// Write пишет байты в порт
func (t *SerialTransport) Write(p []byte) (int, error) {
	if t.port == nil {
		return 0, fmt.Errorf("port %s is not open", t.portName)
	}
	return t.port.Write(p)
}

// Read забирает накопившиеся байты, почти не блокируясь
func (t *SerialTransport) Read() ([]byte, error) {
	if t.port == nil {
		return nil, fmt.Errorf("port %s is not open", t.portName)
	}

	// Короткий таймаут вместо настоящего неблокирующего чтения:
	// опрашивающий цикл выше все равно спит между попытками
	if err := t.port.SetReadTimeout(5 * time.Millisecond); err != nil {
		return nil, err
	}

	buf := make([]byte, 512)
	n, err := t.port.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// ReadBlocking читает в буфер, ожидая данных не дольше таймаута
func (t *SerialTransport) ReadBlocking(p []byte, timeout time.Duration) (int, error) {
	if t.port == nil {
		return 0, fmt.Errorf("port %s is not open", t.portName)
	}
	if err := t.port.SetReadTimeout(timeout); err != nil {
		return 0, err
	}
	return t.port.Read(p)
}

// SetControlLines выставляет DTR и RTS
func (t *SerialTransport) SetControlLines(dtr, rts bool) error {
	if t.port == nil {
		return fmt.Errorf("port %s is not open", t.portName)
	}
	if err := t.port.SetDTR(dtr); err != nil {
		return err
	}
	return t.port.SetRTS(rts)
}

// Drain выбрасывает входящий мусор в течение указанного времени.
// Нужен после аппаратного сброса: чип плюется загрузочным логом.
func (t *SerialTransport) Drain(d time.Duration) {
	if t.port == nil {
		return
	}
	deadline := time.Now().Add(d)
	buf := make([]byte, 256)
	for time.Now().Before(deadline) {
		t.port.SetReadTimeout(20 * time.Millisecond)
		n, err := t.port.Read(buf)
		if err != nil || n == 0 {
			time.Sleep(10 * time.Millisecond)
		}
	}
}

// ClearReadBuffer очищает входной буфер порта
func (t *SerialTransport) ClearReadBuffer() error {
	if t.port == nil {
		return nil
	}
	return t.port.ResetInputBuffer()
}

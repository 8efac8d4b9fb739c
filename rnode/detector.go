package rnode

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"

	"rnodeflasher/protocol"
	"rnodeflasher/transport"
)

// Тайминги протокола детекции
const (
	DefaultTimeout      = 2000 * time.Millisecond
	DefaultPollInterval = 50 * time.Millisecond
)

// Detector опрашивает подключенное устройство по KISS протоколу
// и выясняет, RNode ли это и что за железо внутри. Одна команда
// в полете за раз, ответ ждем опросом с коротким интервалом.
type Detector struct {
	Transport    transport.Transport
	Timeout      time.Duration
	PollInterval time.Duration

	decoder protocol.KISSDecoder
}

// NewDetector создает детектор с таймингами по умолчанию
func NewDetector(t transport.Transport) *Detector {
	return &Detector{
		Transport:    t,
		Timeout:      DefaultTimeout,
		PollInterval: DefaultPollInterval,
	}
}

// sendCommand сбрасывает декодер и входной буфер, чтобы хвост
// предыдущего обмена не совпал с новым ответом, и шлет команду
func (d *Detector) sendCommand(cmd byte, payload []byte) error {
	d.decoder.Reset()
	d.Transport.ClearReadBuffer()

	frame := protocol.KISSEncode(cmd, payload)
	glog.V(2).Infof("KISS >> cmd=0x%02X len=%d", cmd, len(payload))
	if _, err := d.Transport.Write(frame); err != nil {
		return fmt.Errorf("failed to write command 0x%02X: %w", cmd, err)
	}
	return nil
}

// waitResponse опрашивает порт, пока не придет кадр с байтом
// команды как у запроса, либо не истечет таймаут
func (d *Detector) waitResponse(ctx context.Context, cmd byte) ([]byte, bool) {
	deadline := time.Now().Add(d.Timeout)

	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return nil, false
		}

		data, err := d.Transport.Read()
		if err == nil && len(data) > 0 {
			for _, frame := range d.decoder.Feed(data) {
				if frame.Command == cmd {
					glog.V(2).Infof("KISS << cmd=0x%02X len=%d", cmd, len(frame.Payload))
					return frame.Payload, true
				}
				glog.V(2).Infof("KISS << stray cmd=0x%02X, ignored", frame.Command)
			}
		}

		time.Sleep(d.PollInterval)
	}

	glog.V(1).Infof("no response to cmd=0x%02X within %v", cmd, d.Timeout)
	return nil, false
}

// query - один синхронный обмен запрос/ответ
func (d *Detector) query(ctx context.Context, cmd byte, payload []byte) ([]byte, bool) {
	if err := d.sendCommand(cmd, payload); err != nil {
		glog.V(1).Infof("query 0x%02X: %v", cmd, err)
		return nil, false
	}
	return d.waitResponse(ctx, cmd)
}

// IsRNode проверяет, отвечает ли устройство на детекционное
// рукопожатие. Молчание - это "не RNode", а не ошибка.
func (d *Detector) IsRNode(ctx context.Context) bool {
	resp, ok := d.query(ctx, CMD_DETECT, []byte{DETECT_REQ})
	return ok && len(resp) == 1 && resp[0] == DETECT_RESP
}

// GetDeviceInfo собирает паспорт устройства. Провал детекционного
// рукопожатия фатален и возвращает nil; провал любого последующего
// подзапроса лишь оставляет соответствующее поле неизвестным.
func (d *Detector) GetDeviceInfo(ctx context.Context) (*DeviceInfo, bool) {
	if !d.IsRNode(ctx) {
		return nil, false
	}

	info := &DeviceInfo{}

	if resp, ok := d.query(ctx, CMD_PLATFORM, nil); ok && len(resp) >= 1 {
		info.Platform = resp[0]
	}

	if resp, ok := d.query(ctx, CMD_MCU, nil); ok && len(resp) >= 1 {
		info.MCU = resp[0]
	}

	if resp, ok := d.query(ctx, CMD_BOARD, nil); ok && len(resp) >= 1 {
		info.Board = resp[0]
	}

	if resp, ok := d.query(ctx, CMD_FW_VERSION, nil); ok && len(resp) >= 2 {
		// Минорная версия дополняется нулем: (1, 5) -> "1.05"
		info.FirmwareVersion = fmt.Sprintf("%d.%02d", resp[0], resp[1])
	}

	if resp, ok := d.query(ctx, CMD_ROM_READ, []byte{0x00}); ok {
		if rom, parsed := ParseROM(resp); parsed {
			info.Provisioned = rom.Provisioned
			info.Configured = rom.Configured
			info.SerialNumber = rom.SerialNumber
			info.HardwareRev = rom.HardwareRev
			info.Model = rom.Model
			// Только после провижининга ROM авторитетнее ответа
			// на CMD_BOARD; непровиженный блок может нести мусор
			info.Product = rom.Product
			if rom.Provisioned && rom.Product != 0x00 {
				info.Board = rom.Product
			}
		}
	}

	return info, true
}

// ResetDevice шлет команду сброса не дожидаясь ответа.
// Возвращает только успех записи в порт.
func (d *Detector) ResetDevice() bool {
	err := d.sendCommand(CMD_RESET, []byte{CMD_RESET_BYTE})
	if err != nil {
		glog.V(1).Infof("reset write failed: %v", err)
	}
	return err == nil
}

package rnode

import "encoding/binary"

// Раскладка конфигурационного ROM блока устройства.
// Это не кремниевый ROM, а сохраненный на устройстве блок
// с продуктом, моделью, серийником и флагами провижининга.
const (
	ROM_ADDR_PRODUCT   = 0x00
	ROM_ADDR_MODEL     = 0x01
	ROM_ADDR_HW_REV    = 0x02
	ROM_ADDR_SERIAL    = 0x03 // 4 байта, big-endian
	ROM_ADDR_INFO_LOCK = 0x9B
	ROM_ADDR_CONF_OK   = 0xA7

	// Минимальный размер блока, покрывающий все поля
	ROM_SIZE = 0xA8

	// Сигнальное значение info-lock и conf-ok байтов
	ROM_LOCK_BYTE    = 0x73
	ROM_CONF_OK_BYTE = 0x73
)

// ROMInfo - разобранный конфигурационный блок
type ROMInfo struct {
	Product      byte
	Model        byte
	HardwareRev  byte
	Provisioned  bool
	Configured   bool
	SerialNumber *uint32
}

// ParseROM разбирает сырой дамп конфигурационного блока.
// Продукт, модель и ревизия читаются всегда; серийник и флаг
// конфигурации имеют смысл только при выставленном info-lock,
// без него устройство считается непровижененным и серийник
// отсутствует (не ноль, а именно отсутствует).
func ParseROM(rom []byte) (ROMInfo, bool) {
	if len(rom) < ROM_SIZE {
		return ROMInfo{}, false
	}

	info := ROMInfo{
		Product:     rom[ROM_ADDR_PRODUCT],
		Model:       rom[ROM_ADDR_MODEL],
		HardwareRev: rom[ROM_ADDR_HW_REV],
	}

	if rom[ROM_ADDR_INFO_LOCK] != ROM_LOCK_BYTE {
		return info, true
	}

	info.Provisioned = true
	serial := binary.BigEndian.Uint32(rom[ROM_ADDR_SERIAL : ROM_ADDR_SERIAL+4])
	info.SerialNumber = &serial
	info.Configured = rom[ROM_ADDR_CONF_OK] == ROM_CONF_OK_BYTE

	return info, true
}

package rnode

// Команды KISS протокола RNode, используемые при детекции
const (
	CMD_DETECT     = 0x08
	CMD_FW_VERSION = 0x50
	CMD_ROM_READ   = 0x51
	CMD_PLATFORM   = 0x48
	CMD_MCU        = 0x49
	CMD_BOARD      = 0x47
	CMD_RESET      = 0x55

	// Сигнальные байты
	DETECT_REQ     = 0x73
	DETECT_RESP    = 0x46
	CMD_RESET_BYTE = 0xF8
)

// Коды платформ
const (
	PLATFORM_AVR   = 0x90
	PLATFORM_ESP32 = 0x80
	PLATFORM_NRF52 = 0x70
)

// Коды микроконтроллеров
const (
	MCU_1284P = 0x91
	MCU_2560  = 0x92
	MCU_ESP32 = 0x81
	MCU_NRF52 = 0x71
)

// DeviceInfo - паспорт обнаруженного RNode. Собирается только
// после успешной детекции и дальше не меняется.
type DeviceInfo struct {
	Platform        byte
	MCU             byte
	Board           byte
	FirmwareVersion string
	Provisioned     bool
	Configured      bool
	SerialNumber    *uint32
	HardwareRev     byte
	Product         byte
	Model           byte
}

// PlatformName возвращает читаемое имя платформы
func PlatformName(platform byte) string {
	switch platform {
	case PLATFORM_AVR:
		return "AVR"
	case PLATFORM_ESP32:
		return "ESP32"
	case PLATFORM_NRF52:
		return "nRF52"
	default:
		return "Unknown"
	}
}

// MCUName возвращает читаемое имя микроконтроллера
func MCUName(mcu byte) string {
	switch mcu {
	case MCU_1284P:
		return "ATmega1284P"
	case MCU_2560:
		return "ATmega2560"
	case MCU_ESP32:
		return "ESP32"
	case MCU_NRF52:
		return "nRF52"
	default:
		return "Unknown"
	}
}

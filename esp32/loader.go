package esp32

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/golang/glog"

	"rnodeflasher/protocol"
	"rnodeflasher/transport"
)

// Команды ROM загрузчика ESP32
const (
	ESP_FLASH_BEGIN     = 0x02
	ESP_FLASH_DATA      = 0x03
	ESP_FLASH_END       = 0x04
	ESP_MEM_BEGIN       = 0x05
	ESP_MEM_END         = 0x06
	ESP_MEM_DATA        = 0x07
	ESP_SYNC            = 0x08
	ESP_WRITE_REG       = 0x09
	ESP_READ_REG        = 0x0A
	ESP_SPI_ATTACH      = 0x0D
	ESP_CHANGE_BAUDRATE = 0x0F

	// Направление пакета
	DIR_REQUEST  = 0x00
	DIR_RESPONSE = 0x01

	// Размеры
	ESP_FLASH_WRITE_SIZE = 0x400 // 1024 байта на блок

	// Магические константы для определения чипа
	ESP32_CHIP_MAGIC   = 0x00F01D83
	ESP32S2_CHIP_MAGIC = 0x000007C6
	ESP32S3_CHIP_MAGIC = 0x00000009
	ESP32C3_CHIP_MAGIC = 0x6921506F

	// Регистры
	CHIP_DETECT_MAGIC_REG_ADDR = 0x40001000

	// Константы тайминга
	SERIAL_FLASHER_RESET_HOLD_TIME_MS = 100
	SERIAL_FLASHER_BOOT_HOLD_TIME_MS  = 50
	SERIAL_FLASHER_BOOT_DRAIN_TIME_MS = 200

	// Синхронизация
	SYNC_ATTEMPTS     = 10
	SYNC_RETRY_DELAY  = 100 * time.Millisecond
	SYNC_READ_TIMEOUT = 500 * time.Millisecond
)

// ChipType представляет тип ESP32 чипа
type ChipType int

const (
	CHIP_UNKNOWN ChipType = iota
	CHIP_ESP32
	CHIP_ESP32S2
	CHIP_ESP32S3
	CHIP_ESP32C3
)

func (c ChipType) String() string {
	switch c {
	case CHIP_ESP32:
		return "ESP32"
	case CHIP_ESP32S2:
		return "ESP32-S2"
	case CHIP_ESP32S3:
		return "ESP32-S3"
	case CHIP_ESP32C3:
		return "ESP32-C3"
	default:
		return "Unknown"
	}
}

// Состояния клиента загрузчика. Порядок обязателен: вход в
// загрузчик -> синхронизация -> прошивка; перепрыгивать нельзя.
type loaderState int

const (
	stateDisconnected loaderState = iota
	stateBootloader
	stateSynced
)

// Loader реализует проводной протокол ROM загрузчика ESP32:
// вход по управляющим линиям, синхронизация, смена скорости,
// прошивка регионов строгим запрос/ответ без конвейера.
type Loader struct {
	Transport transport.Transport

	// Таймаут обычной команды; flash-begin ждет дольше (стирание)
	CommandTimeout time.Duration
	EraseTimeout   time.Duration

	// Тайминги синхронизации; число попыток не настраивается
	SyncReadTimeout time.Duration
	SyncRetryDelay  time.Duration

	state   loaderState
	decoder protocol.SLIPDecoder
}

// NewLoader создает клиента загрузчика над открытым транспортом
func NewLoader(t transport.Transport) *Loader {
	return &Loader{
		Transport:       t,
		CommandTimeout:  5 * time.Second,
		EraseTimeout:    20 * time.Second,
		SyncReadTimeout: SYNC_READ_TIMEOUT,
		SyncRetryDelay:  SYNC_RETRY_DELAY,
	}
}

// EnterBootloader загоняет чип в ROM загрузчик четырехшаговой
// последовательностью на линиях EN/IO0. Порядок шагов менять
// нельзя: при любом отклонении чип уходит в обычную загрузку и
// все дальнейшие команды молча протухают по таймауту.
func (l *Loader) EnterBootloader() error {
	glog.V(1).Info("entering bootloader")
	l.Transport.ClearReadBuffer()

	// 1. EN в землю - чип в сбросе
	if err := l.Transport.SetControlLines(false, true); err != nil {
		return fmt.Errorf("failed to assert reset: %w", err)
	}
	time.Sleep(SERIAL_FLASHER_RESET_HOLD_TIME_MS * time.Millisecond)

	// 2. Отпускаем EN, держим IO0 - выбор загрузочного режима
	if err := l.Transport.SetControlLines(true, false); err != nil {
		return fmt.Errorf("failed to release reset: %w", err)
	}
	time.Sleep(SERIAL_FLASHER_BOOT_HOLD_TIME_MS * time.Millisecond)

	// 3. Отпускаем IO0
	if err := l.Transport.SetControlLines(false, false); err != nil {
		return fmt.Errorf("failed to release boot select: %w", err)
	}

	// 4. Чип после сброса плюется мусором - выбрасываем
	l.Transport.Drain(SERIAL_FLASHER_BOOT_DRAIN_TIME_MS * time.Millisecond)
	l.Transport.ClearReadBuffer()
	l.decoder.Reset()

	l.state = stateBootloader
	return nil
}

// sendCommand упаковывает команду в 8-байтовый заголовок,
// кодирует в SLIP и пишет в порт
func (l *Loader) sendCommand(cmd byte, data []byte, checksum uint32) error {
	packet := make([]byte, 8+len(data))
	packet[0] = DIR_REQUEST
	packet[1] = cmd
	binary.LittleEndian.PutUint16(packet[2:4], uint16(len(data)))
	binary.LittleEndian.PutUint32(packet[4:8], checksum)
	copy(packet[8:], data)

	glog.V(2).Infof("SLIP >> cmd=0x%02X len=%d", cmd, len(data))
	if _, err := l.Transport.Write(protocol.SLIPEncode(packet)); err != nil {
		return fmt.Errorf("failed to write command 0x%02X: %w", cmd, err)
	}
	return nil
}

// readResponse ждет SLIP пакет с направлением "ответ" и байтом
// команды как у запроса; чужие пакеты пропускает
func (l *Loader) readResponse(cmd byte, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	buf := make([]byte, 256)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, &TimeoutError{Cmd: cmd}
		}
		if remaining > 100*time.Millisecond {
			remaining = 100 * time.Millisecond
		}

		n, err := l.Transport.ReadBlocking(buf, remaining)
		if err != nil {
			return nil, fmt.Errorf("read failed awaiting 0x%02X: %w", cmd, err)
		}
		if n == 0 {
			continue
		}

		for _, packet := range l.decoder.Feed(buf[:n]) {
			if len(packet) >= 10 && packet[0] == DIR_RESPONSE && packet[1] == cmd {
				glog.V(2).Infof("SLIP << cmd=0x%02X len=%d", cmd, len(packet))
				return packet, nil
			}
			glog.V(2).Infof("SLIP << stray packet len=%d, ignored", len(packet))
		}
	}
}

// command - один строгий обмен запрос/ответ с проверкой статуса.
// Статусный байт лежит в начале поля данных ответа (смещение 8);
// ненулевое значение - отказ команды на стороне чипа.
func (l *Loader) command(cmd byte, data []byte, checksum uint32, timeout time.Duration) ([]byte, error) {
	if err := l.sendCommand(cmd, data, checksum); err != nil {
		return nil, err
	}

	packet, err := l.readResponse(cmd, timeout)
	if err != nil {
		return nil, err
	}

	if packet[8] != 0x00 {
		return nil, &CommandError{Cmd: cmd, Status: packet[8]}
	}
	return packet, nil
}

// Sync синхронизируется с загрузчиком: 36 байт сигнатуры, до
// десяти попыток со стабильной паузой. Чип отвечает на каждый
// найденный при ресинхронизации байт кадра, поэтому после
// первого успеха лишние дубли ответов выбрасываются.
func (l *Loader) Sync(ctx context.Context) error {
	if l.state < stateBootloader {
		return &StateError{Op: "sync", Required: "bootloader"}
	}

	syncData := make([]byte, 36)
	syncData[0] = 0x07
	syncData[1] = 0x07
	syncData[2] = 0x12
	syncData[3] = 0x20
	for i := 4; i < 36; i++ {
		syncData[i] = 0x55
	}

	for attempt := 1; attempt <= SYNC_ATTEMPTS; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		glog.V(1).Infof("sync attempt %d/%d", attempt, SYNC_ATTEMPTS)
		if err := l.sendCommand(ESP_SYNC, syncData, 0); err != nil {
			return err
		}

		if _, err := l.readResponse(ESP_SYNC, l.SyncReadTimeout); err == nil {
			l.Transport.Drain(100 * time.Millisecond)
			l.Transport.ClearReadBuffer()
			l.decoder.Reset()
			l.state = stateSynced
			glog.V(1).Infof("synced on attempt %d", attempt)
			return nil
		}

		time.Sleep(l.SyncRetryDelay)
	}

	return &SyncError{Attempts: SYNC_ATTEMPTS}
}

// ChangeBaudRate договаривается с чипом о новой скорости и,
// только если тот подтвердил, переключает свой транспорт
func (l *Loader) ChangeBaudRate(newRate, oldRate int) error {
	if l.state < stateSynced {
		return &StateError{Op: "change baud rate", Required: "synced"}
	}

	data := make([]byte, 8)
	binary.LittleEndian.PutUint32(data[0:4], uint32(newRate))
	binary.LittleEndian.PutUint32(data[4:8], uint32(oldRate))

	if _, err := l.command(ESP_CHANGE_BAUDRATE, data, 0, l.CommandTimeout); err != nil {
		return fmt.Errorf("baud rate change rejected: %w", err)
	}

	if err := l.Transport.SetBaudRate(newRate); err != nil {
		return fmt.Errorf("failed to switch local baud rate: %w", err)
	}

	time.Sleep(50 * time.Millisecond)
	l.Transport.ClearReadBuffer()
	l.decoder.Reset()
	glog.V(1).Infof("baud rate switched to %d", newRate)
	return nil
}

// ReadReg читает 32-битный регистр чипа; значение приходит в
// поле value заголовка ответа
func (l *Loader) ReadReg(addr uint32) (uint32, error) {
	if l.state < stateSynced {
		return 0, &StateError{Op: "read reg", Required: "synced"}
	}

	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, addr)

	packet, err := l.command(ESP_READ_REG, data, 0, l.CommandTimeout)
	if err != nil {
		return 0, fmt.Errorf("failed to read register 0x%08X: %w", addr, err)
	}
	return binary.LittleEndian.Uint32(packet[4:8]), nil
}

// DetectChip определяет тип чипа по магическому регистру.
// Незнакомое значение - не ошибка: прошиваем и такой чип,
// просто не знаем его имени.
func (l *Loader) DetectChip() (ChipType, error) {
	magic, err := l.ReadReg(CHIP_DETECT_MAGIC_REG_ADDR)
	if err != nil {
		return CHIP_UNKNOWN, err
	}

	chip := CHIP_UNKNOWN
	switch magic {
	case ESP32_CHIP_MAGIC:
		chip = CHIP_ESP32
	case ESP32S2_CHIP_MAGIC:
		chip = CHIP_ESP32S2
	case ESP32S3_CHIP_MAGIC:
		chip = CHIP_ESP32S3
	case ESP32C3_CHIP_MAGIC:
		chip = CHIP_ESP32C3
	}

	glog.V(1).Infof("chip magic 0x%08X -> %s", magic, chip)
	return chip, nil
}

// SpiAttach подключает SPI flash с пинами по умолчанию
func (l *Loader) SpiAttach() error {
	if l.state < stateSynced {
		return &StateError{Op: "spi attach", Required: "synced"}
	}

	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, 0)

	if _, err := l.command(ESP_SPI_ATTACH, data, 0, l.CommandTimeout); err != nil {
		return fmt.Errorf("spi attach failed: %w", err)
	}
	return nil
}

// NumBlocks возвращает число блоков прошивки для региона
// указанного размера
func NumBlocks(size int) int {
	return (size + ESP_FLASH_WRITE_SIZE - 1) / ESP_FLASH_WRITE_SIZE
}

// FlashRegion прошивает один регион: flash-begin со стиранием,
// затем блоки строго по одному, каждый со своей XOR контрольной
// суммой и обязательным подтверждением. Любой отказ обрывает
// регион целиком, поблочных повторов нет.
func (l *Loader) FlashRegion(ctx context.Context, name string, offset uint32, data []byte, progress func(done, total int)) error {
	if l.state < stateSynced {
		return &StateError{Op: "flash region", Required: "synced"}
	}

	numBlocks := NumBlocks(len(data))
	glog.V(1).Infof("flashing %s: %d bytes, %d blocks at 0x%X", name, len(data), numBlocks, offset)

	begin := make([]byte, 16)
	binary.LittleEndian.PutUint32(begin[0:4], uint32(numBlocks*ESP_FLASH_WRITE_SIZE))
	binary.LittleEndian.PutUint32(begin[4:8], uint32(numBlocks))
	binary.LittleEndian.PutUint32(begin[8:12], ESP_FLASH_WRITE_SIZE)
	binary.LittleEndian.PutUint32(begin[12:16], offset)

	if _, err := l.command(ESP_FLASH_BEGIN, begin, 0, l.EraseTimeout); err != nil {
		return fmt.Errorf("flash begin failed for %s: %w", name, err)
	}

	block := make([]byte, ESP_FLASH_WRITE_SIZE)
	for seq := 0; seq < numBlocks; seq++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		start := seq * ESP_FLASH_WRITE_SIZE
		end := start + ESP_FLASH_WRITE_SIZE
		if end > len(data) {
			end = len(data)
		}

		n := copy(block, data[start:end])
		// Последний блок добивается 0xFF до полного размера
		for i := n; i < ESP_FLASH_WRITE_SIZE; i++ {
			block[i] = 0xFF
		}

		header := make([]byte, 16)
		binary.LittleEndian.PutUint32(header[0:4], ESP_FLASH_WRITE_SIZE)
		binary.LittleEndian.PutUint32(header[4:8], uint32(seq))
		binary.LittleEndian.PutUint32(header[8:12], 0)
		binary.LittleEndian.PutUint32(header[12:16], 0)

		payload := append(header, block...)
		checksum := uint32(protocol.Checksum(block))

		if _, err := l.command(ESP_FLASH_DATA, payload, checksum, l.CommandTimeout); err != nil {
			return fmt.Errorf("flash data failed for %s at block %d/%d: %w", name, seq+1, numBlocks, err)
		}

		if progress != nil {
			progress(seq+1, numBlocks)
		}
	}

	return nil
}

// FlashEnd завершает сессию прошивки
func (l *Loader) FlashEnd(reboot bool) error {
	if l.state < stateSynced {
		return &StateError{Op: "flash end", Required: "synced"}
	}

	data := make([]byte, 4)
	if !reboot {
		// 1 = остаться в загрузчике, 0 = перезагрузиться
		binary.LittleEndian.PutUint32(data, 1)
	}

	if _, err := l.command(ESP_FLASH_END, data, 0, l.CommandTimeout); err != nil {
		return fmt.Errorf("flash end failed: %w", err)
	}
	return nil
}

// HardReset дергает линию EN, выводя чип из загрузчика в только
// что прошитое приложение. Ответа не бывает и не ждем.
func (l *Loader) HardReset() error {
	glog.V(1).Info("hard reset")
	if err := l.Transport.SetControlLines(false, true); err != nil {
		return fmt.Errorf("failed to assert reset: %w", err)
	}
	time.Sleep(SERIAL_FLASHER_RESET_HOLD_TIME_MS * time.Millisecond)
	if err := l.Transport.SetControlLines(false, false); err != nil {
		return fmt.Errorf("failed to release reset: %w", err)
	}

	l.state = stateDisconnected
	return nil
}

package flasher

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"

	"rnodeflasher/esp32"
	"rnodeflasher/firmware"
	"rnodeflasher/rnode"
	"rnodeflasher/transport"
)

// EventSink получает события сессии прошивки. Порядок строгий:
// EmitComplete только после полного успеха, EmitError завершает
// сессию; ровно одно терминальное событие на сессию.
type EventSink interface {
	EmitProgress(progress int, message string)
	EmitLog(message string)
	EmitError(message string)
	EmitComplete()
}

// Параметры по умолчанию
const (
	DefaultConnectBaud = 115200
	DefaultFlashBaud   = 921600
	DefaultSettleDelay = 2 * time.Second
)

// Доли процентной шкалы, отведенные под запись регионов
const (
	progressFlashStart = 15
	progressFlashEnd   = 90
)

// Flasher - единая точка входа: детекция устройства, выбор
// протокола по платформе, прошивка с прогрессом и контрольная
// передетекция после перезагрузки.
type Flasher struct {
	Transport transport.Transport
	Events    EventSink

	ConnectBaud int
	FlashBaud   int
	SettleDelay time.Duration

	// Тайминги детекции; по умолчанию берутся из пакета rnode
	DetectTimeout time.Duration
	PollInterval  time.Duration

	lastProgress int
}

// New создает оркестратор с параметрами по умолчанию
func New(t transport.Transport, events EventSink) *Flasher {
	return &Flasher{
		Transport:     t,
		Events:        events,
		ConnectBaud:   DefaultConnectBaud,
		FlashBaud:     DefaultFlashBaud,
		SettleDelay:   DefaultSettleDelay,
		DetectTimeout: rnode.DefaultTimeout,
		PollInterval:  rnode.DefaultPollInterval,
	}
}

// progress поднимает процент, никогда не опуская его: шкала
// сессии монотонно не убывает
func (f *Flasher) progress(percent int, message string) {
	if percent < f.lastProgress {
		percent = f.lastProgress
	}
	if percent > 100 {
		percent = 100
	}
	f.lastProgress = percent
	if f.Events != nil {
		f.Events.EmitProgress(percent, message)
	}
}

func (f *Flasher) log(message string) {
	if f.Events != nil {
		f.Events.EmitLog(message)
	}
}

// fail - единственное место, где сессия завершается ошибкой
func (f *Flasher) fail(err error) error {
	glog.Errorf("flash session failed: %v", err)
	if f.Events != nil {
		f.Events.EmitError(err.Error())
	}
	return err
}

func (f *Flasher) newDetector() *rnode.Detector {
	d := rnode.NewDetector(f.Transport)
	d.Timeout = f.DetectTimeout
	d.PollInterval = f.PollInterval
	return d
}

// Detect подключается на скорости по умолчанию, опознает
// устройство и отключается независимо от исхода
func (f *Flasher) Detect(ctx context.Context) (*rnode.DeviceInfo, bool) {
	if err := f.Transport.Connect(f.ConnectBaud); err != nil {
		glog.V(1).Infof("detect: %v", err)
		return nil, false
	}
	defer f.Transport.Disconnect()

	return f.newDetector().GetDeviceInfo(ctx)
}

// lerp отображает blocks-done/total на отрезок [start, end]
func lerp(start, end, done, total int) int {
	if total <= 0 {
		return end
	}
	return start + (end-start)*done/total
}

// Flash прошивает пакет на устройство указанной платформы.
// Целостность пакета проверяется до первого байта в порт.
// После успешной записи устройство перезагружается, выжидается
// пауза на загрузку и детекция запускается заново; ее провал -
// отдельный исход "прошито, но не подтверждено", не провал
// прошивки.
func (f *Flasher) Flash(ctx context.Context, pkg *firmware.Package, platform byte) error {
	f.lastProgress = 0

	// Целостность - до какого-либо обмена с устройством
	if err := pkg.Verify(); err != nil {
		return f.fail(err)
	}

	if platform != rnode.PLATFORM_ESP32 {
		return f.fail(&UnsupportedPlatformError{Platform: platform})
	}

	f.progress(0, "Начинаем прошивку...")
	f.log("⚠️ Не отключайте устройство: прерванная прошивка не откатывается и может оставить его незагружаемым")

	if err := f.Transport.Connect(f.ConnectBaud); err != nil {
		return f.fail(fmt.Errorf("failed to connect: %w", err))
	}
	defer f.Transport.Disconnect()

	if err := f.flashESP32(ctx, pkg); err != nil {
		return f.fail(err)
	}

	// Устройству нужно время дозагрузиться до новой прошивки
	f.Transport.Disconnect()
	f.progress(96, "Ожидание перезагрузки устройства...")
	select {
	case <-time.After(f.SettleDelay):
	case <-ctx.Done():
		return f.fail(ctx.Err())
	}

	info, ok := f.Detect(ctx)
	if !ok {
		return f.fail(&VerificationError{})
	}

	f.log(fmt.Sprintf("✅ Устройство отвечает: %s / %s, прошивка %s",
		rnode.PlatformName(info.Platform), rnode.MCUName(info.MCU), info.FirmwareVersion))
	f.progress(100, "Готово!")
	if f.Events != nil {
		f.Events.EmitComplete()
	}
	return nil
}

// flashESP32 гонит весь цикл ROM загрузчика: вход, синхронизация,
// необязательная смена скорости, регионы по порядку, завершение
// и аппаратный сброс
func (f *Flasher) flashESP32(ctx context.Context, pkg *firmware.Package) error {
	loader := esp32.NewLoader(f.Transport)

	f.progress(5, "Вход в загрузчик...")
	if err := loader.EnterBootloader(); err != nil {
		return fmt.Errorf("failed to enter bootloader: %w", err)
	}

	f.progress(10, "Синхронизация с загрузчиком...")
	if err := loader.Sync(ctx); err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}

	f.progress(12, "Определение чипа...")
	chip, err := loader.DetectChip()
	if err != nil {
		return fmt.Errorf("chip detection failed: %w", err)
	}
	f.log(fmt.Sprintf("🔍 Чип: %s", chip))

	// Смена скорости - чистая оптимизация: отказ не фатален
	if f.FlashBaud > f.ConnectBaud {
		if err := loader.ChangeBaudRate(f.FlashBaud, f.ConnectBaud); err != nil {
			glog.V(1).Infof("baud negotiation failed: %v", err)
			f.log(fmt.Sprintf("Скорость %d не согласована, продолжаем на %d", f.FlashBaud, f.ConnectBaud))
		} else {
			f.log(fmt.Sprintf("Скорость повышена до %d", f.FlashBaud))
		}
	}

	if err := loader.SpiAttach(); err != nil {
		return err
	}

	total := pkg.TotalBytes()
	written := 0

	for _, region := range pkg.Regions() {
		start := lerp(progressFlashStart, progressFlashEnd, written, total)
		end := lerp(progressFlashStart, progressFlashEnd, written+len(region.Data), total)

		f.log(fmt.Sprintf("📤 Регион %s: %d байт по адресу 0x%X", region.Name, len(region.Data), region.Offset))

		name := region.Name
		err := loader.FlashRegion(ctx, region.Name, region.Offset, region.Data, func(done, blocks int) {
			f.progress(lerp(start, end, done, blocks),
				fmt.Sprintf("Запись %s: блок %d/%d", name, done, blocks))
		})
		if err != nil {
			return &RegionFlashError{Region: region.Name, Err: err}
		}

		written += len(region.Data)
	}

	f.progress(92, "Завершение прошивки...")
	if err := loader.FlashEnd(false); err != nil {
		return err
	}

	f.progress(95, "Перезагрузка устройства...")
	return loader.HardReset()
}

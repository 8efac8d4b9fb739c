package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/wailsapp/wails/v2/pkg/runtime"

	"rnodeflasher/firmware"
	"rnodeflasher/flasher"
	"rnodeflasher/rnode"
	"rnodeflasher/transport"
)

// App struct
type App struct {
	ctx         context.Context
	monitor     transport.Transport
	stopMonitor chan struct{}
	lineBuffer  string // Буфер для накопления неполных строк
}

// NewApp creates a new App application struct
func NewApp() *App {
	return &App{}
}

// startup is called when the app starts. The context is saved
// so we can call the runtime methods
func (a *App) startup(ctx context.Context) {
	a.ctx = ctx
}

// ListPorts возвращает список COM-портов
func (a *App) ListPorts() ([]string, error) {
	return transport.ListPorts()
}

// ChooseFile открывает диалог выбора пакета прошивки
func (a *App) ChooseFile() (string, error) {
	filePath, err := runtime.OpenFileDialog(a.ctx, runtime.OpenDialogOptions{
		Title: "Выберите пакет прошивки RNode",
		Filters: []runtime.FileFilter{
			{
				DisplayName: "Firmware Packages",
				Pattern:     "*.zip;*.bin",
			},
		},
	})

	return filePath, err
}

// EmitProgress отправляет прогресс в frontend
func (a *App) EmitProgress(progress int, message string) {
	runtime.EventsEmit(a.ctx, "flash-progress", map[string]interface{}{
		"progress": progress,
		"message":  message,
	})
}

// EmitLog отправляет лог сообщение в frontend
func (a *App) EmitLog(message string) {
	runtime.EventsEmit(a.ctx, "flash-log", message)
}

// EmitError отправляет терминальную ошибку сессии в frontend
func (a *App) EmitError(message string) {
	runtime.EventsEmit(a.ctx, "flash-error", message)
}

// EmitComplete сообщает frontend об успешном завершении
func (a *App) EmitComplete() {
	runtime.EventsEmit(a.ctx, "flash-complete", "")
}

// DeviceSummary - паспорт устройства в удобном для frontend виде
type DeviceSummary struct {
	Platform        string `json:"platform"`
	MCU             string `json:"mcu"`
	FirmwareVersion string `json:"firmwareVersion"`
	Provisioned     bool   `json:"provisioned"`
	Configured      bool   `json:"configured"`
	SerialNumber    string `json:"serialNumber"`
	Product         string `json:"product"`
	Model           string `json:"model"`
	HardwareRev     byte   `json:"hardwareRev"`
}

func summarize(info *rnode.DeviceInfo) *DeviceSummary {
	s := &DeviceSummary{
		Platform:        rnode.PlatformName(info.Platform),
		MCU:             rnode.MCUName(info.MCU),
		FirmwareVersion: info.FirmwareVersion,
		Provisioned:     info.Provisioned,
		Configured:      info.Configured,
		Product:         fmt.Sprintf("0x%02X", info.Product),
		Model:           fmt.Sprintf("0x%02X", info.Model),
		HardwareRev:     info.HardwareRev,
	}
	if info.SerialNumber != nil {
		s.SerialNumber = fmt.Sprintf("%d", *info.SerialNumber)
	}
	return s
}

// Detect опознает RNode на указанном порту
func (a *App) Detect(portName string) (*DeviceSummary, error) {
	a.EmitLog(fmt.Sprintf("🔍 Поиск RNode на %s...", portName))

	f := flasher.New(transport.NewSerialTransport(portName), a)
	info, ok := f.Detect(a.ctx)
	if !ok {
		return nil, fmt.Errorf("no RNode detected on %s", portName)
	}

	a.EmitLog(fmt.Sprintf("✅ Найден RNode: %s / %s, прошивка %s",
		rnode.PlatformName(info.Platform), rnode.MCUName(info.MCU), info.FirmwareVersion))

	return summarize(info), nil
}

// loadPackage читает пакет прошивки с диска: ZIP разбирается на
// регионы, голый .bin оборачивается в образ приложения
func loadPackage(filePath string) (*firmware.Package, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	if strings.HasSuffix(strings.ToLower(filePath), ".zip") {
		return firmware.ParsePackage(data)
	}
	return firmware.NewSingleImagePackage(data), nil
}

// Flash прошивает пакет на RNode: сначала детекция и выбор
// протокола по платформе, затем прошивка и контрольная
// передетекция
func (a *App) Flash(portName, filePath string) error {
	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		return fmt.Errorf("file does not exist: %s", filePath)
	}

	a.EmitProgress(0, "Начинаем прошивку...")
	a.EmitLog("🔄 Инициализация...")

	pkg, err := loadPackage(filePath)
	if err != nil {
		a.EmitError(err.Error())
		return err
	}

	a.EmitLog(fmt.Sprintf("📄 Пакет загружен: %d регионов, %d байт", len(pkg.Regions()), pkg.TotalBytes()))

	f := flasher.New(transport.NewSerialTransport(portName), a)

	a.EmitLog("🔗 Определение устройства...")
	info, ok := f.Detect(a.ctx)
	if !ok {
		err := fmt.Errorf("no RNode detected on %s", portName)
		a.EmitError(err.Error())
		return err
	}

	a.EmitLog(fmt.Sprintf("🔗 Устройство: %s / %s", rnode.PlatformName(info.Platform), rnode.MCUName(info.MCU)))

	return f.Flash(a.ctx, pkg, info.Platform)
}

// ResetDevice перезапускает RNode командой сброса
func (a *App) ResetDevice(portName string) error {
	t := transport.NewSerialTransport(portName)
	if err := t.Connect(flasher.DefaultConnectBaud); err != nil {
		return err
	}
	defer t.Disconnect()

	if !rnode.NewDetector(t).ResetDevice() {
		return fmt.Errorf("failed to send reset command")
	}
	a.EmitLog("🔄 Команда сброса отправлена")
	return nil
}

// emitMonitorLines разбивает накопленный поток на строки и шлет
// их в frontend. Неполный хвост остается ждать продолжения.
func (a *App) emitMonitorLines(chunk []byte) {
	a.lineBuffer += string(chunk)

	for {
		idx := strings.Index(a.lineBuffer, "\n")
		if idx == -1 {
			break
		}
		line := strings.TrimSpace(a.lineBuffer[:idx])
		a.lineBuffer = a.lineBuffer[idx+1:]
		if line != "" {
			runtime.EventsEmit(a.ctx, "monitor-data", line)
		}
	}

	// Устройство может лить байты без переводов строк -
	// не копим бесконечно, отдаем как есть
	if len(a.lineBuffer) > 1000 {
		if line := strings.TrimSpace(a.lineBuffer); line != "" {
			runtime.EventsEmit(a.ctx, "monitor-data", line)
		}
		a.lineBuffer = ""
	}
}

// MonitorPort открывает порт и транслирует его вывод построчно
// в frontend, пока не позовут StopMonitor
func (a *App) MonitorPort(portName string, baudRate int) error {
	// Если уже идет мониторинг, останавливаем его
	if a.monitor != nil {
		a.StopMonitor()
	}

	t := transport.NewSerialTransport(portName)
	if err := t.Connect(baudRate); err != nil {
		return fmt.Errorf("failed to open port for monitoring: %w", err)
	}

	a.monitor = t
	a.stopMonitor = make(chan struct{})
	a.lineBuffer = ""

	a.EmitLog(fmt.Sprintf("🔍 Начинаем мониторинг порта %s (%d baud)", portName, baudRate))
	a.EmitLog("💡 Для остановки мониторинга нажмите 'Стоп'")

	go func(stop chan struct{}) {
		defer t.Disconnect()
		buffer := make([]byte, 1024)

		for {
			select {
			case <-stop:
				return
			default:
			}

			n, err := t.ReadBlocking(buffer, 50*time.Millisecond)
			if err != nil {
				// Порт закрыт из StopMonitor - обычное завершение
				select {
				case <-stop:
				default:
					runtime.EventsEmit(a.ctx, "monitor-error", err.Error())
				}
				return
			}
			if n > 0 {
				a.emitMonitorLines(buffer[:n])
			}
		}
	}(a.stopMonitor)

	return nil
}

// StopMonitor останавливает мониторинг порта
func (a *App) StopMonitor() {
	if a.stopMonitor != nil {
		close(a.stopMonitor)
		a.stopMonitor = nil
	}

	// Даем горутине заметить сигнал и отпустить порт
	time.Sleep(200 * time.Millisecond)

	if a.monitor != nil {
		a.monitor.Disconnect()
		a.monitor = nil
	}
	a.lineBuffer = ""

	runtime.EventsEmit(a.ctx, "monitor-stop", "")
	a.EmitLog("⏹️ Мониторинг порта остановлен")
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/abiosoft/ishell"

	"rnodeflasher/firmware"
	"rnodeflasher/flasher"
	"rnodeflasher/rnode"
	"rnodeflasher/transport"
)

// shellSink печатает события сессии в терминал
type shellSink struct {
	print func(...interface{})
}

func (s *shellSink) EmitProgress(progress int, message string) {
	s.print(fmt.Sprintf("[%3d%%] %s", progress, message))
}

func (s *shellSink) EmitLog(message string)   { s.print(message) }
func (s *shellSink) EmitError(message string) { s.print("ОШИБКА: " + message) }
func (s *shellSink) EmitComplete()            { s.print("🎉 Прошивка завершена!") }

func newFlasher(portName string, print func(...interface{})) *flasher.Flasher {
	return flasher.New(transport.NewSerialTransport(portName), &shellSink{print: print})
}

func describe(info *rnode.DeviceInfo) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Платформа:  %s / %s\n", rnode.PlatformName(info.Platform), rnode.MCUName(info.MCU))
	fmt.Fprintf(&b, "Прошивка:   %s\n", info.FirmwareVersion)
	fmt.Fprintf(&b, "Продукт:    0x%02X  модель 0x%02X  ревизия %d\n", info.Product, info.Model, info.HardwareRev)
	if info.SerialNumber != nil {
		fmt.Fprintf(&b, "Серийник:   %d\n", *info.SerialNumber)
	} else {
		fmt.Fprintf(&b, "Серийник:   отсутствует (устройство не провижинено)\n")
	}
	fmt.Fprintf(&b, "Провижинен: %v, сконфигурирован: %v", info.Provisioned, info.Configured)
	return b.String()
}

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

func main() {
	// Флаги glog (-v, -logtostderr и прочие)
	flag.Parse()

	shell := ishell.New()
	shell.Println("rnodectl - детекция и прошивка RNode. 'help' для списка команд.")

	shell.AddCmd(&ishell.Cmd{
		Name: "ports",
		Help: "список последовательных портов",
		Func: func(c *ishell.Context) {
			ports, err := transport.ListPorts()
			if err != nil {
				c.Println("ошибка:", err)
				return
			}
			if len(ports) == 0 {
				c.Println("портов не найдено")
				return
			}
			for _, p := range ports {
				c.Println("  " + p)
			}
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "detect",
		Help: "detect <порт> - опознать RNode",
		Func: func(c *ishell.Context) {
			if len(c.Args) != 1 {
				c.Println("использование: detect <порт>")
				return
			}
			f := newFlasher(c.Args[0], c.Println)
			info, ok := f.Detect(context.Background())
			if !ok {
				c.Println("RNode не обнаружен на", c.Args[0])
				return
			}
			c.Println(describe(info))
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "flash",
		Help: "flash <порт> <файл> - прошить пакет (*.zip или *.bin)",
		Func: func(c *ishell.Context) {
			if len(c.Args) != 2 {
				c.Println("использование: flash <порт> <файл>")
				return
			}

			pkg, err := loadPackage(c.Args[1])
			if err != nil {
				c.Println("ошибка пакета:", err)
				return
			}
			c.Printf("Пакет: %d регионов, %d байт\n", len(pkg.Regions()), pkg.TotalBytes())

			f := newFlasher(c.Args[0], c.Println)
			info, ok := f.Detect(context.Background())
			if !ok {
				c.Println("RNode не обнаружен на", c.Args[0])
				return
			}
			c.Println(describe(info))

			if err := f.Flash(context.Background(), pkg, info.Platform); err != nil {
				// Терминальная ошибка уже напечатана через sink
				return
			}
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "reset",
		Help: "reset <порт> - перезапустить устройство",
		Func: func(c *ishell.Context) {
			if len(c.Args) != 1 {
				c.Println("использование: reset <порт>")
				return
			}
			t := transport.NewSerialTransport(c.Args[0])
			if err := t.Connect(flasher.DefaultConnectBaud); err != nil {
				c.Println("ошибка:", err)
				return
			}
			defer t.Disconnect()

			if rnode.NewDetector(t).ResetDevice() {
				c.Println("команда сброса отправлена")
			} else {
				c.Println("не удалось отправить команду сброса")
			}
		},
	})

	shell.Run()
}

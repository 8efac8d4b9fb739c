package firmware

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/golang/glog"
	"github.com/sigurn/crc16"
)

// Имена регионов в порядке прошивки
const (
	RegionBootloader  = "bootloader"
	RegionPartitions  = "partition-table"
	RegionBootApp0    = "boot_app0"
	RegionApplication = "application"
	RegionConsole     = "console"
)

// Смещения регионов во flash памяти ESP32
const (
	OffsetBootloader  = 0x1000
	OffsetPartitions  = 0x8000
	OffsetBootApp0    = 0xE000
	OffsetApplication = 0x10000
	OffsetConsole     = 0x210000
)

// Магический байт заголовка образа ESP32
const ESP_IMAGE_MAGIC = 0xE9

// Region - один непрерывный образ со своим смещением во flash.
// Извлекается из архива один раз и дальше не меняется.
type Region struct {
	Name   string
	Offset uint32
	Data   []byte
}

// Package - разобранный пакет прошивки: регионы в порядке
// прошивки плюс контрольные суммы из архива, если они там были
type Package struct {
	regions   []Region
	checksums map[string]uint16 // имя региона -> CRC16 из архива
}

// IntegrityError - пакет прошивки не прошел проверку целостности;
// до устройства дело не дойдет
type IntegrityError struct {
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("firmware integrity check failed: %s", e.Reason)
}

var crcTable = crc16.MakeTable(crc16.CRC16_MODBUS)

// RegionChecksum считает CRC16 (MODBUS) образа региона
func RegionChecksum(data []byte) uint16 {
	return crc16.Checksum(data, crcTable)
}

// regionForEntry сопоставляет имя файла в архиве региону.
// Сопоставление по подстроке, без учета регистра.
func regionForEntry(name string) (string, uint32, bool) {
	base := strings.ToLower(name)
	if i := strings.LastIndexByte(base, '/'); i >= 0 {
		base = base[i+1:]
	}

	// Регионом может стать только образ *.bin: заметки или
	// прочие сопутствующие файлы в архиве - не прошивка
	if !strings.HasSuffix(base, ".bin") {
		return "", 0, false
	}

	switch {
	case strings.Contains(base, "bootloader"):
		return RegionBootloader, OffsetBootloader, true
	case strings.Contains(base, "partition"):
		return RegionPartitions, OffsetPartitions, true
	case strings.Contains(base, "boot_app0"):
		return RegionBootApp0, OffsetBootApp0, true
	case strings.Contains(base, "console"), strings.Contains(base, "spiffs"):
		return RegionConsole, OffsetConsole, true
	default:
		// Любой прочий .bin - образ приложения
		return RegionApplication, OffsetApplication, true
	}
}

// ParsePackage разбирает ZIP пакет прошивки на регионы.
// Приложение обязательно и ровно одно, остальные регионы
// опциональны. Файлы *.crc несут CRC16 соседнего образа.
func ParsePackage(data []byte) (*Package, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to open firmware package: %w", err)
	}

	pkg := &Package{checksums: map[string]uint16{}}
	byName := map[string]Region{}
	appEntry := ""

	for _, entry := range reader.File {
		if entry.FileInfo().IsDir() {
			continue
		}

		content, err := readEntry(entry)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", entry.Name, err)
		}

		lower := strings.ToLower(entry.Name)
		if strings.HasSuffix(lower, ".crc") {
			if len(content) != 2 {
				return nil, &IntegrityError{Reason: fmt.Sprintf("malformed checksum entry %s", entry.Name)}
			}
			region, _, ok := regionForEntry(strings.TrimSuffix(lower, ".crc"))
			if ok {
				pkg.checksums[region] = binary.BigEndian.Uint16(content)
			}
			continue
		}

		region, offset, ok := regionForEntry(entry.Name)
		if !ok {
			glog.V(1).Infof("skipping unrecognized entry %s", entry.Name)
			continue
		}

		if region == RegionApplication {
			if appEntry != "" {
				return nil, fmt.Errorf("ambiguous application image: %q and %q", appEntry, entry.Name)
			}
			appEntry = entry.Name
		}

		byName[region] = Region{Name: region, Offset: offset, Data: content}
		glog.V(1).Infof("package entry %s -> %s at 0x%X (%d bytes)", entry.Name, region, offset, len(content))
	}

	if _, ok := byName[RegionApplication]; !ok {
		return nil, fmt.Errorf("firmware package has no application image")
	}

	// Фиксированный порядок прошивки
	for _, name := range []string{RegionBootloader, RegionPartitions, RegionBootApp0, RegionApplication, RegionConsole} {
		if r, ok := byName[name]; ok {
			pkg.regions = append(pkg.regions, r)
		}
	}

	return pkg, nil
}

// NewSingleImagePackage оборачивает голый .bin в пакет из одного
// образа приложения
func NewSingleImagePackage(data []byte) *Package {
	return &Package{
		regions: []Region{{
			Name:   RegionApplication,
			Offset: OffsetApplication,
			Data:   data,
		}},
		checksums: map[string]uint16{},
	}
}

func readEntry(entry *zip.File) ([]byte, error) {
	rc, err := entry.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// Regions возвращает регионы в порядке прошивки
func (p *Package) Regions() []Region {
	return p.regions
}

// TotalBytes - суммарный объем всех регионов
func (p *Package) TotalBytes() int {
	total := 0
	for _, r := range p.regions {
		total += len(r.Data)
	}
	return total
}

// Verify проверяет целостность пакета до какого-либо обмена с
// устройством: образ приложения непуст и начинается с магического
// байта ESP32, а все приложенные контрольные суммы сходятся.
func (p *Package) Verify() error {
	for _, r := range p.regions {
		if r.Name != RegionApplication {
			continue
		}
		if len(r.Data) == 0 {
			return &IntegrityError{Reason: "application image is empty"}
		}
		if r.Data[0] != ESP_IMAGE_MAGIC {
			return &IntegrityError{Reason: fmt.Sprintf("application image has bad magic 0x%02X", r.Data[0])}
		}
	}

	for _, r := range p.regions {
		expected, ok := p.checksums[r.Name]
		if !ok {
			continue
		}
		if actual := RegionChecksum(r.Data); actual != expected {
			return &IntegrityError{
				Reason: fmt.Sprintf("%s checksum mismatch: expected 0x%04X, got 0x%04X", r.Name, expected, actual),
			}
		}
	}

	return nil
}

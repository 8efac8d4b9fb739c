package flasher

import (
	"fmt"

	"rnodeflasher/rnode"
)

// UnsupportedPlatformError - платформа без реализованного
// протокола прошивки (nRF52 DFU устроен иначе и сюда не входит)
type UnsupportedPlatformError struct {
	Platform byte
}

func (e *UnsupportedPlatformError) Error() string {
	return fmt.Sprintf("flashing is not supported for platform %s (0x%02X)",
		rnode.PlatformName(e.Platform), e.Platform)
}

// RegionFlashError - прошивка конкретного региона оборвалась
type RegionFlashError struct {
	Region string
	Err    error
}

func (e *RegionFlashError) Error() string {
	return fmt.Sprintf("failed to flash region %q: %v", e.Region, e.Err)
}

func (e *RegionFlashError) Unwrap() error {
	return e.Err
}

// VerificationError - прошивка отчиталась успехом, но устройство
// после перезагрузки не отозвалось. Это не провал прошивки:
// возможно, устройству просто нужно больше времени на загрузку.
type VerificationError struct{}

func (e *VerificationError) Error() string {
	return "device flashed but did not respond to re-detection"
}

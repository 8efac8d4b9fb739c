package esp32

import "fmt"

// TimeoutError - в заданный срок не пришел подходящий ответ
type TimeoutError struct {
	Cmd byte
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("no response to command 0x%02X within deadline", e.Cmd)
}

// CommandError - корректно оформленный ответ с ненулевым статусом.
// Это отказ протокола, а не проблема транспорта.
type CommandError struct {
	Cmd    byte
	Status byte
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command 0x%02X rejected with status 0x%02X", e.Cmd, e.Status)
}

// SyncError - все попытки синхронизации исчерпаны
type SyncError struct {
	Attempts int
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("failed to sync with bootloader after %d attempts", e.Attempts)
}

// StateError - команда вызвана в недопустимом состоянии клиента
type StateError struct {
	Op       string
	Required string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s requires state %q", e.Op, e.Required)
}

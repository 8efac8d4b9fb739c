package protocol

// Семя контрольной суммы загрузчика ESP32
const CHECKSUM_MAGIC = 0xEF

// Checksum вычисляет XOR контрольную сумму блока данных
func Checksum(data []byte) byte {
	checksum := byte(CHECKSUM_MAGIC)
	for _, b := range data {
		checksum ^= b
	}
	return checksum
}

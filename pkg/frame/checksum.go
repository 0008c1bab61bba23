package frame

// Checksum is the ISO 9141-2 / ISO 14230-4 checksum: the sum of all bytes modulo 256.
func Checksum(b []byte) byte {
	var sum byte
	for _, v := range b {
		sum += v
	}
	return sum
}

// CRC8 is the SAE J1850 CRC, polynomial x^8+x^4+x^3+x^2+1 (0x1D), initial
// value 0xFF, result inverted.
func CRC8(b []byte) byte {
	crc := byte(0xFF)
	for _, v := range b {
		crc ^= v
		for i := 0; i < 8; i++ {
			if crc&0x80 != 0 {
				crc = crc<<1 ^ 0x1D
			} else {
				crc <<= 1
			}
		}
	}
	return ^crc
}

package pat

// crc16 is the FLAIR pattern-file checksum: CRC-16 with the reflected
// polynomial 0x8408, initial value 0xFFFF, complemented and byte-swapped
// output (CRC-16/X-25 with the result bytes exchanged). This exact variant
// is frozen: pattern files are an interchange format and every consumer
// assumes it. Empty input yields 0.
func crc16(data []byte) uint16 {
	if len(data) == 0 {
		return 0
	}
	crc := uint16(0xffff)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = crc>>1 ^ 0x8408
			} else {
				crc >>= 1
			}
		}
	}
	crc = ^crc
	return crc<<8 | crc>>8
}

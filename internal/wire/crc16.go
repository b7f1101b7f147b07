package wire

// Checksum computes the CRC-16/X-25 of data (reflected polynomial 0x8408,
// initial value 0xffff, final complement). Both the election block and the
// init message are protected by this checksum. It detects corruption; it is
// not a defense against a hostile peer.
func Checksum(data []byte) uint16 {
	crc := uint16(0xffff)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0x8408
			} else {
				crc >>= 1
			}
		}
	}
	return ^crc
}

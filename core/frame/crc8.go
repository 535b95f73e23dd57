package frame

// crc8Poly is the CCITT CRC-8 generator polynomial x^8 + x^2 + x + 1.
const crc8Poly = 0x07

var crc8Table = makeCRC8Table(crc8Poly)

func makeCRC8Table(poly uint8) [256]uint8 {
	var table [256]uint8
	for i := range table {
		crc := uint8(i)
		for range 8 {
			if crc&0x80 != 0 {
				crc = crc<<1 ^ poly
			} else {
				crc <<= 1
			}
		}
		table[i] = crc
	}
	return table
}

// CRC8 computes the CCITT CRC-8 (init 0x00, no reflection, no final XOR)
// of the given data. This matches the checksum the peripheral firmware
// appends to every frame.
func CRC8(data []byte) uint8 {
	var crc uint8
	for _, b := range data {
		crc = crc8Table[crc^b]
	}
	return crc
}

// ValidateCRC8 verifies that the calculated checksum matches the received one.
func ValidateCRC8(data []byte, received uint8) bool {
	return CRC8(data) == received
}

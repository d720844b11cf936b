package sideband

// CRC4 returns the 4-bit header CRC (polynomial x^4+x+1) over the first
// nibbles nibbles of data, most significant nibble first.
func CRC4(data []byte, nibbles int) uint8 {
	var rem uint8
	bits := nibbles * 4
	for i := 0; i < bits; i++ {
		bit := (data[i/8] >> (7 - uint(i%8))) & 1
		rem = rem<<1 | bit
		if rem&0x10 != 0 {
			rem ^= 0x13
		}
	}
	for i := 0; i < 4; i++ {
		rem <<= 1
		if rem&0x10 != 0 {
			rem ^= 0x13
		}
	}
	return rem & 0xF
}

// CRC8 returns the 8-bit body CRC (polynomial x^8+x^7+x^6+x^4+x^2+1)
// over data.
func CRC8(data []byte) uint8 {
	var rem uint16
	for _, b := range data {
		for i := 7; i >= 0; i-- {
			rem = rem<<1 | uint16(b>>uint(i))&1
			if rem&0x100 != 0 {
				rem ^= 0xD5
			}
		}
	}
	for i := 0; i < 8; i++ {
		rem <<= 1
		if rem&0x100 != 0 {
			rem ^= 0xD5
		}
	}
	return uint8(rem)
}

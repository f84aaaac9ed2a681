package protocol

// PackPins packs one boolean per electrode into bytes, most significant bit
// first: electrode 0 is bit 7 of byte 0, electrode 127 is bit 0 of byte 15.
func PackPins(pins [NumPins]bool) [PinBytes]byte {
	var out [PinBytes]byte
	for i, on := range pins {
		if on {
			out[i/8] |= 1 << (7 - uint(i%8))
		}
	}
	return out
}

// UnpackPins is the inverse of PackPins.
func UnpackPins(values [PinBytes]byte) [NumPins]bool {
	var out [NumPins]bool
	for i := range out {
		out[i] = values[i/8]&(1<<(7-uint(i%8))) != 0
	}
	return out
}

// PinSet builds an electrode state from a list of enabled pin indices.
// Indices outside [0, NumPins) are reported through ok=false.
func PinSet(indices []int) (pins [NumPins]bool, ok bool) {
	for _, i := range indices {
		if i < 0 || i >= NumPins {
			return pins, false
		}
		pins[i] = true
	}
	return pins, true
}

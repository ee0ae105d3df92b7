package utils

import (
	"encoding/hex"
	"fmt"
)

// HexToBytes32 converts a hex string (with or without 0x prefix) to a 32-byte
// array. Short inputs are left-padded with zeros; inputs longer than 32 bytes
// are an error rather than silently truncated, since reservation keys must
// round-trip exactly.
func HexToBytes32(hexStr string) ([32]byte, error) {
	var result [32]byte
	if len(hexStr) >= 2 && hexStr[0:2] == "0x" {
		hexStr = hexStr[2:]
	}
	if len(hexStr) > 64 {
		return result, fmt.Errorf("hex string is %d chars, max 64", len(hexStr))
	}
	if len(hexStr)%2 == 1 {
		hexStr = "0" + hexStr
	}
	bytes, err := hex.DecodeString(hexStr)
	if err != nil {
		return result, err
	}
	copy(result[32-len(bytes):], bytes)
	return result, nil
}

// HexToBytes20 converts a hex string (with or without 0x prefix) to a 20-byte
// account address, with the same padding rules as HexToBytes32.
func HexToBytes20(hexStr string) ([20]byte, error) {
	var result [20]byte
	if len(hexStr) >= 2 && hexStr[0:2] == "0x" {
		hexStr = hexStr[2:]
	}
	if len(hexStr) > 40 {
		return result, fmt.Errorf("hex string is %d chars, max 40", len(hexStr))
	}
	if len(hexStr)%2 == 1 {
		hexStr = "0" + hexStr
	}
	bytes, err := hex.DecodeString(hexStr)
	if err != nil {
		return result, err
	}
	copy(result[20-len(bytes):], bytes)
	return result, nil
}

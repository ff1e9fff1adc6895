package replication

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/Taicanium/Sylver-Ink-sub000/pkg/constants"
)

// Flags travel in the low four bits of an address code and as the first byte a client
// sends after connecting.
type Flags byte

const (
	// FlagWebSocket selects the WebSocket transport instead of raw TCP.
	FlagWebSocket Flags = 1 << iota
	// FlagReadOnly marks a peer whose mutations the server ignores.
	FlagReadOnly

	flagMask Flags = 0x0F
)

func (f Flags) Has(flag Flags) bool {
	return f&flag != 0
}

func (f Flags) String() string {
	var parts []string
	if f.Has(FlagWebSocket) {
		parts = append(parts, "websocket")
	}
	if f.Has(FlagReadOnly) {
		parts = append(parts, "read-only")
	}
	if len(parts) == 0 {
		return "tcp"
	}
	return strings.Join(parts, "|")
}

// CodeLength is the number of symbols in an address code.
const CodeLength = 6

// The lowercase range leaves out 'l' and 'o', which are easily mistaken for '1' and '0'.
const alphabet = "0123456789" +
	"ABCDEFGHIJKLMNOPQRSTUVWXYZ" +
	"abcdefghijkmnpqrstuvwxyz" +
	"-_.~"

var symbolValues = func() [256]int8 {
	var table [256]int8
	for i := range table {
		table[i] = -1
	}
	for i := 0; i < len(alphabet); i++ {
		table[alphabet[i]] = int8(i)
	}
	return table
}()

var loopback = netip.AddrFrom4([4]byte{127, 0, 0, 1})

// EncodeAddress packs an IPv4 address and four flag bits into a six-symbol code.
func EncodeAddress(addr netip.Addr, flags Flags) (string, error) {
	addr = addr.Unmap()
	if !addr.Is4() {
		return "", fmt.Errorf("%w: %s", constants.ErrNotIPv4, addr)
	}

	ip := addr.As4()
	value := uint64(ip[0])<<24 | uint64(ip[1])<<16 | uint64(ip[2])<<8 | uint64(ip[3])
	value = value<<4 | uint64(flags&flagMask)

	var code [CodeLength]byte
	for i := CodeLength - 1; i >= 0; i-- {
		code[i] = alphabet[value&0x3F]
		value >>= 6
	}
	return string(code[:]), nil
}

// DecodeAddress reverses EncodeAddress. Codes carry no checksum: anything malformed decodes
// to the loopback address with no flags.
func DecodeAddress(code string) (netip.Addr, Flags) {
	if len(code) != CodeLength {
		return loopback, 0
	}

	var value uint64
	for i := 0; i < CodeLength; i++ {
		v := symbolValues[code[i]]
		if v < 0 {
			return loopback, 0
		}
		value = value<<6 | uint64(v)
	}

	flags := Flags(value & uint64(flagMask))
	value >>= 4
	ip := [4]byte{byte(value >> 24), byte(value >> 16), byte(value >> 8), byte(value)}
	return netip.AddrFrom4(ip), flags
}

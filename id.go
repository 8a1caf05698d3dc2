package maginet

import (
	"encoding/hex"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// the id a transport knows a peer by. Transports may assign opaque ids on
// start, or honor a caller-preferred id ("alice"). Empty means unassigned.
type PeerId string

func NewPeerId() PeerId {
	return PeerId(NewId().String())
}

// a 128-bit unique id. Comparable, and encoded as a uuid string on the wire.
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func (self Id) String() string {
	var out [36]byte
	hex.Encode(out[0:8], self[0:4])
	out[8] = '-'
	hex.Encode(out[9:13], self[4:6])
	out[13] = '-'
	hex.Encode(out[14:18], self[6:8])
	out[18] = '-'
	hex.Encode(out[19:23], self[8:10])
	out[23] = '-'
	hex.Encode(out[24:36], self[10:16])
	return string(out[:])
}

func (self Id) MarshalJSON() ([]byte, error) {
	return []byte(`"` + self.String() + `"`), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 38 || src[0] != '"' || src[37] != '"' {
		return fmt.Errorf("invalid id %s", src)
	}
	return self.parse(string(src[1:37]))
}

func (self *Id) parse(src string) error {
	if len(src) != 36 || src[8] != '-' || src[13] != '-' || src[18] != '-' || src[23] != '-' {
		return fmt.Errorf("invalid id %s", src)
	}
	hexOnly := src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:36]
	decoded, err := hex.DecodeString(hexOnly)
	if err != nil {
		return fmt.Errorf("invalid id %s: %w", src, err)
	}
	copy(self[:], decoded)
	return nil
}

package maginet

import (
	"encoding/json"
	"flag"
	"strings"
	"testing"

	"github.com/go-playground/assert/v2"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

func TestIdString(t *testing.T) {
	a := Id{
		0x01, 0x23, 0x45, 0x67,
		0x89, 0xab,
		0xcd, 0xef,
		0x01, 0x23,
		0x45, 0x67, 0x89, 0xab, 0xcd, 0xef,
	}
	assert.Equal(t, a.String(), "01234567-89ab-cdef-0123-456789abcdef")
}

func TestIdJsonCodec(t *testing.T) {
	type Test struct {
		A Id  `json:"a"`
		B *Id `json:"b,omitempty"`
	}

	test1 := &Test{}
	test1.A = NewId()
	b_ := NewId()
	test1.B = &b_

	test1Json, err := json.Marshal(test1)
	assert.Equal(t, err, nil)
	assert.Equal(t, strings.Contains(string(test1Json), test1.A.String()), true)

	test2 := &Test{}
	err = json.Unmarshal(test1Json, test2)
	assert.Equal(t, err, nil)

	assert.Equal(t, test1.A, test2.A)
	assert.Equal(t, test1.B, test2.B)

	for _, malformed := range []string{
		`""`,
		`"not an id"`,
		`"01234567-89ab-cdef-0123-456789abcdeg"`,
		`"0123456789abcdef0123456789abcdef"`,
		`42`,
	} {
		var id Id
		assert.NotEqual(t, json.Unmarshal([]byte(malformed), &id), nil)
	}
}

func TestNewPeerIdUnique(t *testing.T) {
	seen := map[PeerId]bool{}
	for i := 0; i < 4096; i++ {
		peerId := NewPeerId()
		assert.Equal(t, seen[peerId], false)
		seen[peerId] = true
	}
}

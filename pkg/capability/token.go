package capability

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// minter issues tokens of the form cap_<n>_<tag>, where tag is a truncated
// HMAC of n under a key derived from the boot seed. A module that guesses
// a sequence number still cannot produce the tag.
type minter struct {
	key  []byte
	next uint64
}

func newMinter(key []byte) *minter {
	k := make([]byte, len(key))
	copy(k, key)
	return &minter{key: k, next: 1}
}

func (m *minter) tag(n uint64) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n)
	mac := hmac.New(sha256.New, m.key)
	mac.Write(buf[:])
	return hex.EncodeToString(mac.Sum(nil)[:8])
}

func (m *minter) mint() ID {
	n := m.next
	m.next++
	return ID(fmt.Sprintf("cap_%d_%s", n, m.tag(n)))
}

// verify checks that id carries a tag this minter produced.
func (m *minter) verify(id ID) bool {
	rest, ok := strings.CutPrefix(string(id), "cap_")
	if !ok {
		return false
	}
	num, tag, ok := strings.Cut(rest, "_")
	if !ok {
		return false
	}
	n, err := strconv.ParseUint(num, 10, 64)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(tag), []byte(m.tag(n)))
}

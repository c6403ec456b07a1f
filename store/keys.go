package store

import (
	"fmt"
	"strconv"
	"strings"
)

func accountKey(username string) []byte { return []byte("acct/" + username) }
func chatKey(id string) []byte          { return []byte("chat/" + id) }
func messageIDKey(id string) []byte     { return []byte("mid/" + id) }

func messagePrefix(chatID string) []byte { return []byte("msg/" + chatID + "/") }

func messageKey(chatID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("msg/%s/%020d", chatID, seq))
}

func clientIDKey(chatID, sender, clientID string) []byte {
	return []byte("cid/" + chatID + "/" + sender + "/" + clientID)
}

func directKey(a, b string) []byte {
	if b < a {
		a, b = b, a
	}
	return []byte("dm/" + a + "/" + b)
}

// seqOf parses the sequence out of a message key.
func seqOf(key []byte) (uint64, error) {
	k := string(key)
	i := strings.LastIndexByte(k, '/')
	if i < 0 {
		return 0, fmt.Errorf("malformed message key %q", k)
	}
	return strconv.ParseUint(k[i+1:], 10, 64)
}

// prefixEnd returns the smallest key greater than every key with prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

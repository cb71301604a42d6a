package sessionrunner

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"time"
)

const totpStep = 30 * time.Second
const totpDigits = 6

// computeTOTP implements RFC 6238 (TOTP) over HMAC-SHA1 with the standard
// 30-second step and 6-digit code length used by every platform's
// authenticator-app 2FA flow.
func computeTOTP(key []byte, at time.Time) (string, error) {
	counter := uint64(at.Unix()) / uint64(totpStep.Seconds())
	var counterBytes [8]byte
	binary.BigEndian.PutUint64(counterBytes[:], counter)

	mac := hmac.New(sha1.New, key)
	if _, err := mac.Write(counterBytes[:]); err != nil {
		return "", err
	}
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	truncated := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff
	code := truncated % pow10(totpDigits)
	return fmt.Sprintf("%0*d", totpDigits, code), nil
}

func pow10(n int) uint32 {
	result := uint32(1)
	for i := 0; i < n; i++ {
		result *= 10
	}
	return result
}

package raid

import (
	"context"
	"crypto/rand"
	"fmt"
	"strings"

	"mathraid-server/store"
)

// roomCodeAlphabet excludes I, O, 0, 1 to avoid visually ambiguous codes.
const roomCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const roomCodeLength = 4

// GenerateRoomCode produces a random 4-character code and reserves it
// against the room-code index, retrying on collision. maxAttempts bounds
// the retry loop so a saturated index can't spin forever.
func GenerateRoomCode(ctx context.Context, kv store.KV, raidID string, maxAttempts int) (string, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		code, err := randomCode()
		if err != nil {
			return "", err
		}
		_, exists, err := LookupRoomCode(ctx, kv, code)
		if err != nil {
			return "", err
		}
		if exists {
			continue
		}
		if err := ReserveRoomCode(ctx, kv, code, raidID); err != nil {
			return "", err
		}
		return code, nil
	}
	return "", fmt.Errorf("raid: could not generate a unique room code after %d attempts", maxAttempts)
}

func randomCode() (string, error) {
	buf := make([]byte, roomCodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("raid: generate room code: %w", err)
	}
	var sb strings.Builder
	for _, b := range buf {
		sb.WriteByte(roomCodeAlphabet[int(b)%len(roomCodeAlphabet)])
	}
	return sb.String(), nil
}

// NormalizeRoomCode upper-cases a client-supplied code for
// case-insensitive matching.
func NormalizeRoomCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

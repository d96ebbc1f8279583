package framekey

import (
	"fmt"
	"time"

	"github.com/nbutton23/zxcvbn-go"
)

const minPassphraseLength = 12

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// validatePassphrase enforces minimum length and an estimated strength
// score for export bundle passphrases. The bundle leaves the device, so
// the passphrase is the only thing standing between it and an offline
// attacker.
func validatePassphrase(passphrase string) error {
	if len(passphrase) < minPassphraseLength {
		return fmt.Errorf("passphrase must be at least %d characters", minPassphraseLength)
	}

	strength := zxcvbn.PasswordStrength(passphrase, nil)
	if strength.Score < 3 {
		return fmt.Errorf("passphrase is too weak (score %d of 4); use a longer or less predictable phrase", strength.Score)
	}

	return nil
}

package dashboard

import (
	"encoding/hex"
	"errors"
)

var errEmptyMacaroonHeader = errors.New("dashboard: empty macaroon header")

func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(s)
}

package model

import (
	"sort"

	"github.com/btcsuite/btcutil/base58"
	"github.com/google/uuid"
)

func CreateID() string {
	uuid, _ := uuid.NewRandom()
	return base58.Encode(uuid[:])
}

// DMKey is the same for (a, b) and (b, a).
func DMKey(a, b UserID) string {
	pair := []string{string(a), string(b)}
	sort.Strings(pair)
	return pair[0] + ":" + pair[1]
}

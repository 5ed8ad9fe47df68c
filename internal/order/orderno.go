package order

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"
)

// GenerateOrderNo builds an order number from the current timestamp plus a
// random six-digit suffix. Uniqueness is enforced by the orders primary key;
// a collision surfaces as a creation failure the caller retries with a fresh
// number.
func GenerateOrderNo(now time.Time) string {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		// crypto/rand only fails when the platform entropy source is broken
		panic(err)
	}
	return fmt.Sprintf("%s%06d", now.Format("20060102150405"), n.Int64())
}

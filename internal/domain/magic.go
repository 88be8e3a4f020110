package domain

import "hash/fnv"

// Magic-number layout: PPPLCCCC.
//   PPP  3-digit prefix hashed from the bot id (100-999)
//   L    leg index (1-3)
//   CCCC group counter modulo 10000, zero padded
// The result always fits 8 digits, well inside the gateway's int64 magic
// field. Correlation at lookup time is additionally scoped by symbol:
// two bots on one account can collide on the prefix, and a bot wraps its
// counter window every 10000 groups. Both are accepted limitations of the
// scheme, not guarantees.
const (
	magicPrefixSpan = 900
	magicPrefixBase = 100
	magicCounterMod = 10000
)

// MagicNumber derives the broker order tag for one leg. Pure: identical
// inputs always produce the identical magic.
func MagicNumber(botID string, legIndex, counter int) int64 {
	h := fnv.New32a()
	h.Write([]byte(botID))
	prefix := int64(h.Sum32()%magicPrefixSpan) + magicPrefixBase

	leg := int64(legIndex)
	if leg < 1 {
		leg = 1
	} else if leg > 9 {
		leg = 9
	}

	c := int64(counter % magicCounterMod)
	if c < 0 {
		c += magicCounterMod
	}

	return prefix*100000 + leg*10000 + c
}

// SplitMagic decomposes a magic number back into its prefix, leg index and
// counter window for diagnostics. It does not recover the bot id.
func SplitMagic(magic int64) (prefix, legIndex, counter int) {
	counter = int(magic % magicCounterMod)
	legIndex = int((magic / 10000) % 10)
	prefix = int(magic / 100000)
	return prefix, legIndex, counter
}

// BotPrefix returns the 3-digit magic prefix a bot id hashes to.
func BotPrefix(botID string) int {
	h := fnv.New32a()
	h.Write([]byte(botID))
	return int(h.Sum32()%magicPrefixSpan) + magicPrefixBase
}

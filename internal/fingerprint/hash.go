// Package fingerprint derives the identity hashes that let duplicate
// submissions collapse into one stored record.
package fingerprint

import (
	"encoding/hex"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"newsguard/internal/model"
)

type domainKey [32]byte

// Domain keys separate the three identity spaces so an item fingerprint can
// never equal a cross-source or research fingerprint over the same bytes.
// Changing a key invalidates every stored fingerprint in that domain.
var (
	itemDomainKey = domainKey{
		'n', 'e', 'w', 's', 'g', 'u', 'a', 'r', 'd', '.', 'i', 't', 'e', 'm',
	}
	crossSourceDomainKey = domainKey{
		'n', 'e', 'w', 's', 'g', 'u', 'a', 'r', 'd', '.', 'c', 'r', 'o', 's', 's',
	}
	researchDomainKey = domainKey{
		'n', 'e', 'w', 's', 'g', 'u', 'a', 'r', 'd', '.', 'r', 'e', 's', 'e', 'a', 'r', 'c', 'h',
	}
)

const fieldSep = "\x1f"

// Item returns the primary identity of an item: normalized title, calendar
// day of publication (or of now when absent) and source.
func Item(it model.Item, now time.Time) string {
	return keyedHash(itemDomainKey,
		NormalizeTitle(it.Title),
		DateOnly(it.PublishTime, now),
		strings.ToLower(strings.TrimSpace(it.SourceID)),
	)
}

// CrossSource is Item without the source, shared by the same headline
// reported by different producers on the same day.
func CrossSource(it model.Item, now time.Time) string {
	return keyedHash(crossSourceDomainKey,
		NormalizeTitle(it.Title),
		DateOnly(it.PublishTime, now),
	)
}

// Research identifies a research document by title, analyst and publisher.
// Date is deliberately absent.
func Research(title, analyst, publisher string) string {
	return keyedHash(researchDomainKey,
		strings.ToLower(strings.TrimSpace(title)),
		strings.ToLower(strings.TrimSpace(analyst)),
		strings.ToLower(strings.TrimSpace(publisher)),
	)
}

func NormalizeTitle(title string) string {
	return strings.ToLower(strings.TrimSpace(title))
}

// DateOnly truncates to the UTC calendar day. A zero ts falls back to now.
func DateOnly(ts, now time.Time) string {
	if ts.IsZero() {
		ts = now
	}
	return ts.UTC().Format("2006-01-02")
}

func keyedHash(key domainKey, parts ...string) string {
	h, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("fingerprint: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	_, _ = h.Write([]byte(strings.Join(parts, fieldSep)))
	return hex.EncodeToString(h.Sum(nil))
}

// Package coupon implements the self-describing capability token codec.
//
// A coupon looks like prefix-PADSIG-EXPIRY32 where the signature and the
// base-32 expiry (plus an optional base-32 extension field) are scrambled
// through a keyed permutation derived from the prefix and the secret. The
// exact byte construction determines token validity, so the digest, signing
// and shuffling steps are reproduced as specified and must not be changed:
// doing so invalidates every previously minted coupon.
package coupon

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"math"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"
)

const (
	sigSize = 3
	maxPad  = 4

	// Appended to the algo key before peppering the shuffle generator.
	algoSuffix = "#humpity@trumpity"
)

var errNotACode = errors.New("coupon: not a valid code")

// Codec generates and decodes coupons for one algo key. Two codecs with
// different algo keys produce mutually invalid coupons.
type Codec struct {
	algo string
	now  func() time.Time
}

// New constructs a Codec. The algo key is a deployment-wide constant;
// changing it invalidates all outstanding coupons.
func New(algo string) *Codec {
	return &Codec{algo: algo + algoSuffix, now: time.Now}
}

// NewAt constructs a Codec with an injected clock, for tests.
func NewAt(algo string, now func() time.Time) *Codec {
	return &Codec{algo: algo + algoSuffix, now: now}
}

// Decoded is the outcome of decoding a coupon. A coupon decoded with the
// wrong secret is reported invalid, never an error.
type Decoded struct {
	Valid          bool
	Expired        bool
	Expiry         int64 // ms timestamp embedded in the coupon
	Prefix         string
	Coupon         string
	ExtraDays      int64 // overloaded: day count or embedded account id
	ExtendedExpiry int64 // ms timestamp, only when ExtraDays is a day count
}

type code struct {
	coupon         string
	expiry         int64
	extraDays      int64
	extendedExpiry int64
}

// Generate mints a coupon for the given secret, expiry timestamp (ms) and
// prefix. extend carries the overloaded extension field: a day count for
// lease-extension coupons, or an account id for capability coupons.
func (c *Codec) Generate(secret string, expiry int64, prefix string, extend int64) (string, error) {
	if expiry <= 0 {
		return "", errors.New("coupon: expiry timestamp required")
	}
	if extend < 0 {
		return "", errors.New("coupon: extension must not be negative")
	}
	r, err := c.code(secret, prefix, strconv.FormatInt(expiry, 32), extend, false, "")
	if err != nil {
		return "", err
	}
	return r.coupon, nil
}

// GenerateDays mints a coupon expiring n days from now, optionally capped at
// maxStamp (ms).
func (c *Codec) GenerateDays(secret string, nDays int, prefix string, extend int64, maxStamp int64) (string, error) {
	target := AddDays(c.now(), nDays).UnixMilli()
	if maxStamp > 0 && maxStamp < target {
		target = maxStamp
	}
	return c.Generate(secret, target, prefix, extend)
}

// GenerateSeconds mints a coupon expiring n seconds from now, optionally
// capped at maxStamp (ms).
func (c *Codec) GenerateSeconds(secret string, nSeconds int64, prefix string, extend int64, maxStamp int64) (string, error) {
	target := AddSeconds(c.now(), nSeconds).UnixMilli()
	if maxStamp > 0 && maxStamp < target {
		target = maxStamp
	}
	return c.Generate(secret, target, prefix, extend)
}

// Decode validates a coupon against a secret. Malformed shapes and wrong
// secrets both come back as Valid:false.
func (c *Codec) Decode(secret, coupon string) Decoded {
	d := Decoded{Coupon: coupon, Expired: true}
	parts := strings.Split(coupon, "-")
	if len(parts) > 0 {
		d.Prefix = parts[0]
	}
	if coupon == "" || len(parts) != 3 || len(parts[1]) < sigSize {
		return d
	}
	padding := parts[1][:len(parts[1])-sigSize]
	sig := parts[1][len(parts[1])-sigSize:]

	r, err := c.code(secret, parts[0], sig+parts[2], 0, true, padding)
	if err != nil || r.coupon != coupon {
		return d
	}
	d.Valid = true
	d.Expiry = r.expiry
	d.ExtraDays = r.extraDays
	d.ExtendedExpiry = r.extendedExpiry
	d.Expired = r.expiry <= c.now().UnixMilli()
	return d
}

// code is the shared generate/decode kernel. When decoding, target is the
// recovered sig+scrambled payload and padding is whatever the wire carried.
func (c *Codec) code(secret, prefix, target string, extend int64, decoding bool, padding string) (code, error) {
	if len(secret) < 6 {
		return code{}, errors.New("coupon: secret must be a string of at least 6 characters")
	}

	// Width of a current ms timestamp in base 32; fixes where the expiry
	// ends and the extension field begins.
	tsLen := len(strconv.FormatInt(c.now().UnixMilli(), 32))

	if decoding {
		extend = 0
	}
	if prefix == "" || target == "" || len(target) < tsLen {
		return code{}, errNotACode
	}

	// "-" is the segment separator and may not appear in the prefix.
	prefix = strings.ReplaceAll(prefix, "-", "_")

	if extend > 0 {
		target += strconv.FormatInt(extend, 32)
	}

	t := target
	if !decoding {
		t = strings.Repeat("x", sigSize) + target
	}

	seq := c.sequence(prefix+secret, len(t))

	if decoding {
		var err error
		if t, err = permute(seq, target, true); err != nil {
			return code{}, err
		}
	}
	e32 := t[sigSize:]
	expiry32 := e32[:tsLen]
	ex32 := e32[tsLen:]

	// Digest the coupon parameters and secret, sign the result with itself,
	// then digest the signature. A slice of that final digest, selected by
	// the expiry value, becomes the 3-character signature fragment.
	z := c.Digest(prefix, e32, secret)
	signed := Sign(prefix+e32, secret+z)
	x := c.Digest(signed)

	expiry, err := strconv.ParseInt(expiry32, 32, 64)
	if err != nil || expiry < 0 {
		return code{}, errNotACode
	}
	start := int(expiry % int64(len(x)-sigSize-1))
	sig := strings.ToLower(x[start : start+sigSize])

	var extraDays int64
	if ex32 != "" {
		if extraDays, err = strconv.ParseInt(ex32, 32, 64); err != nil {
			return code{}, errNotACode
		}
	}

	scrambled, err := permute(seq, sig+expiry32+ex32, false)
	if err != nil {
		return code{}, err
	}

	if !decoding {
		padding = randomPadding()
	}

	r := code{
		coupon: prefix + "-" + padding + scrambled[:sigSize] + "-" + scrambled[sigSize:],
		expiry: expiry,
	}
	if extraDays > 0 {
		r.extraDays = extraDays
		r.extendedExpiry = AddDays(c.now(), int(extraDays)).UnixMilli()
	}
	return r, nil
}

// pepper digests a string down to a repeatable float seed for the shuffle
// generator.
func (c *Codec) pepper(s string) float64 {
	d := c.Digest(s + c.algo)
	p := 7.0
	for i := 0; i < len(d); i++ {
		p += float64(d[i]) * math.Pow(0.1, float64(i))
	}
	return p
}

// sequence derives the keyed permutation for a payload of length n: a
// Fisher-Yates shuffle of [0..n) driven by a seeded linear-congruential
// generator, deterministic for a given (key, n).
func (c *Codec) sequence(key string, n int) []int {
	seed := c.pepper(key)
	seq := make([]int, n)
	for i := range seq {
		seq[i] = i
	}
	for i := range seq {
		seed = math.Mod(seed*9301+49297, 233280)
		dx := int(math.Round(seed / 233280 * float64(n-1)))
		seq[dx], seq[i] = seq[i], seq[dx]
	}
	return seq
}

// permute applies (or inverts) a permutation to a string.
func permute(seq []int, s string, invert bool) (string, error) {
	if len(seq) != len(s) {
		return "", errors.New("coupon: sequencing model is invalid")
	}
	out := make([]byte, len(s))
	if invert {
		for pos, v := range seq {
			out[v] = s[pos]
		}
	} else {
		for i, v := range seq {
			out[i] = s[v]
		}
	}
	return string(out), nil
}

// Digest sha1-digests its arguments joined by "-" and returns base64 with
// "/" and "+" swapped for key-safe characters.
func (c *Codec) Digest(parts ...string) string {
	sum := sha1.Sum([]byte(strings.Join(parts, "-")))
	b64 := base64.StdEncoding.EncodeToString(sum[:])
	b64 = strings.ReplaceAll(b64, "/", "_")
	return strings.ReplaceAll(b64, "+", "$")
}

// Sign returns the base64 HMAC-SHA256 of value under secret.
func Sign(value, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(value))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

const padAlphabet = "0123456789abcdefghijklmnopqrstuv"

// randomPadding returns 0-4 cosmetic characters. Decode recovers the pad
// length from the segment width, so the content never matters.
func randomPadding() string {
	n := rand.IntN(maxPad + 1)
	b := make([]byte, n)
	for i := range b {
		b[i] = padAlphabet[rand.IntN(len(padAlphabet))]
	}
	return string(b)
}

// AddDays returns the time n calendar days after when.
func AddDays(when time.Time, n int) time.Time {
	return when.AddDate(0, 0, n)
}

// AddSeconds returns the time n seconds after when.
func AddSeconds(when time.Time, n int64) time.Time {
	return when.Add(time.Duration(n) * time.Second)
}

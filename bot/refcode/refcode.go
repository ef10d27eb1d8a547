// Package refcode builds and resolves the opaque codes embedded in
// personal referral links. A code is either a custom slug claimed by
// the user or the base64 form of the numeric user id.
package refcode

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
)

// ErrInvalidCode is returned when a referral code cannot be decoded.
var ErrInvalidCode = errors.New("refcode: invalid referral code")

var slugRe = regexp.MustCompile(`^[a-z0-9_]{3,20}$`)

// Encode returns the base64 referral code for a user id.
func Encode(userID int64) string {
	return base64.StdEncoding.EncodeToString([]byte(strconv.FormatInt(userID, 10)))
}

// Decode parses a base64 referral code back into a user id.
func Decode(code string) (int64, error) {
	raw, err := base64.StdEncoding.DecodeString(code)
	if err != nil {
		return 0, ErrInvalidCode
	}
	id, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrInvalidCode
	}
	return id, nil
}

// IsValidSlug reports whether s can be claimed as a custom referral code.
// Slugs are lowercase letters, digits and underscore, 3 to 20 characters.
func IsValidSlug(s string) bool {
	return slugRe.MatchString(s)
}

// Link builds the deep link a user shares to receive anonymous messages.
func Link(botUsername, code string) string {
	return fmt.Sprintf("https://t.me/%s?start=%s", botUsername, code)
}

// ShareLink builds a t.me/share URL prefilled with the referral link and caption.
func ShareLink(refLink, text string) string {
	return fmt.Sprintf("https://t.me/share/url?url=%s&text=%s", refLink, url.QueryEscape(text))
}

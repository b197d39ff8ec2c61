package testing

import "github.com/samber/lo"

// RandString returns a random 10 letter string for unique usernames and group names
func RandString() string {
	return lo.RandomString(10, lo.LettersCharset)
}

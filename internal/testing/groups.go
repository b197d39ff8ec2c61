package testing

import (
	"github.com/samber/lo"
	"github.com/samber/lo/mutable"
)

// CreatorPairs returns member lists of two-person groups created by the first user with each of the
// others, e.g. [1, 2, 3] -> [[1, 2], [1, 3]]
func CreatorPairs(users []int64) [][]int64 {
	if len(users) < 2 {
		return nil
	}
	return lo.Map(users[1:], func(user int64, _ int) []int64 {
		return []int64{users[0], user}
	})
}

// NewestFirst returns a reversed copy of ids created in ascending order
func NewestFirst(ids []int64) []int64 {
	reversed := append([]int64(nil), ids...)
	mutable.Reverse(reversed)
	return reversed
}

package session

import "strconv"

func portString(p int32) string {
	return strconv.Itoa(int(p))
}

package datacollection

import (
	"strconv"
	"time"
)

func uint64ToString(v uint64) string { return strconv.FormatUint(v, 10) }

// nowFunc is indirected so tests can fake the clock.
var nowFunc = time.Now

func nowMs() int64 { return nowFunc().UnixMilli() }

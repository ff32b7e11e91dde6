package main

import (
	"strings"
	"time"

	"github.com/hako/durafmt"
)

var units, _ = durafmt.UnitsCoder{PluralSep: ":", UnitsSep: ","}.Decode("y:y,w:w,d:d,h:h,m:m,s:s,ms:ms,us:us")

// shortDuration renders d to the second, e.g. "1 m 5 s"
func shortDuration(d time.Duration) string {
	if d < time.Second {
		return "0 s"
	}
	return durafmt.Parse(d.Truncate(time.Second)).LimitFirstN(2).Format(units)
}

// age renders how long ago ts was, rounded to minutes
func age(now, ts time.Time) string {
	return strings.Replace(durafmt.ParseShort(now.Round(0).Sub(ts).Truncate(time.Minute)).Format(units), "0 s", "now", 1)
}

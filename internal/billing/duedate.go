package billing

import "time"

// NextDueDate maps a billing day-of-month onto the next concrete calendar
// date, relative to today.
//
// The candidate is built in today's month, clamped to the month's length
// (day 31 in April resolves to April 30). A candidate strictly before
// today's date rolls over to the following month, clamped again.
func NextDueDate(dayOfMonth int, today time.Time) time.Time {
	year, month, _ := today.Date()
	loc := today.Location()

	due := time.Date(year, month, clampDay(dayOfMonth, year, month), 0, 0, 0, 0, loc)
	ref := time.Date(year, month, today.Day(), 0, 0, 0, 0, loc)
	if due.Before(ref) {
		year, month = nextMonth(year, month)
		due = time.Date(year, month, clampDay(dayOfMonth, year, month), 0, 0, 0, 0, loc)
	}
	return due
}

// SameCalendarDay reports whether a and b fall on the same calendar day,
// compared in a's location.
func SameCalendarDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.In(a.Location()).Date()
	return ay == by && am == bm && ad == bd
}

func clampDay(day, year int, month time.Month) int {
	if day < 1 {
		return 1
	}
	if last := daysIn(year, month); day > last {
		return last
	}
	return day
}

func daysIn(year int, month time.Month) int {
	// Day 0 of the next month is the last day of this one.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func nextMonth(year int, month time.Month) (int, time.Month) {
	if month == time.December {
		return year + 1, time.January
	}
	return year, month + 1
}

// Package markethours is the NSE session calendar used to gate live
// broadcasting.
package markethours

import (
	"fmt"
	"time"
)

// IST is the Indian Standard Time location (UTC+5:30).
var IST = time.FixedZone("IST", 5*3600+30*60)

// Cash segment hours in IST.
const (
	OpenHour    = 9
	OpenMinute  = 15
	CloseHour   = 15
	CloseMinute = 30
)

// IsMarketOpen returns true if t falls within NSE trading hours
// (9:15 AM – 3:30 PM IST, Mon–Fri, excluding holidays).
func IsMarketOpen(t time.Time) bool {
	ist := t.In(IST)
	if !IsTradingDay(ist) {
		return false
	}
	hm := ist.Hour()*60 + ist.Minute()
	return hm >= OpenHour*60+OpenMinute && hm < CloseHour*60+CloseMinute
}

// IsTradingDay returns true if t is a weekday and not a holiday.
func IsTradingDay(t time.Time) bool {
	ist := t.In(IST)
	wd := ist.Weekday()
	return wd != time.Saturday && wd != time.Sunday && !IsHoliday(ist)
}

// NextOpen returns the next session open at or after t. Inside a session
// it returns the next day's open.
func NextOpen(t time.Time) time.Time {
	ist := t.In(IST)
	todayOpen := time.Date(ist.Year(), ist.Month(), ist.Day(), OpenHour, OpenMinute, 0, 0, IST)
	if ist.Before(todayOpen) && IsTradingDay(ist) {
		return todayOpen
	}
	d := todayOpen.AddDate(0, 0, 1)
	for i := 0; i < 15; i++ { // long weekends plus festival runs
		if IsTradingDay(d) {
			return d
		}
		d = d.AddDate(0, 0, 1)
	}
	return d
}

// TodayClose returns the close on t's IST calendar day.
func TodayClose(t time.Time) time.Time {
	ist := t.In(IST)
	return time.Date(ist.Year(), ist.Month(), ist.Day(), CloseHour, CloseMinute, 0, 0, IST)
}

// Status is the session state reported on /health.
type Status struct {
	Open     bool      `json:"open"`
	NextOpen time.Time `json:"nextOpen"`
	Message  string    `json:"message"`
}

func StatusAt(t time.Time) Status {
	next := NextOpen(t)
	if IsMarketOpen(t) {
		return Status{
			Open:     true,
			NextOpen: next,
			Message:  "market open, closes in " + fmtDur(TodayClose(t).Sub(t)),
		}
	}
	ist := next.In(IST)
	return Status{
		NextOpen: next,
		Message: fmt.Sprintf("market closed, opens %s %s (%s)",
			ist.Weekday().String()[:3], ist.Format("15:04"), fmtDur(next.Sub(t))),
	}
}

func fmtDur(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}

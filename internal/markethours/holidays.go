package markethours

import "time"

type day struct {
	month time.Month
	day   int
}

// NSE trading holidays by year. Years not listed only close on weekends.
var nseHolidays = map[int][]day{
	2025: {
		{time.February, 26}, // Mahashivratri
		{time.March, 14},    // Holi
		{time.March, 31},    // Id-ul-Fitr
		{time.April, 10},    // Mahavir Jayanti
		{time.April, 14},    // Ambedkar Jayanti
		{time.April, 18},    // Good Friday
		{time.May, 1},       // Maharashtra Day
		{time.August, 15},   // Independence Day
		{time.August, 27},   // Ganesh Chaturthi
		{time.October, 2},   // Gandhi Jayanti / Dussehra
		{time.October, 21},  // Diwali Laxmi Pujan
		{time.October, 22},  // Balipratipada
		{time.November, 5},  // Guru Nanak Jayanti
		{time.December, 25}, // Christmas
	},
	2026: {
		{time.January, 26},   // Republic Day
		{time.March, 3},      // Holi
		{time.March, 26},     // Ram Navami
		{time.March, 31},     // Mahavir Jayanti
		{time.April, 3},      // Good Friday
		{time.April, 14},     // Ambedkar Jayanti
		{time.May, 1},        // Maharashtra Day
		{time.May, 28},       // Bakri Id
		{time.June, 26},      // Muharram
		{time.September, 14}, // Ganesh Chaturthi
		{time.October, 2},    // Gandhi Jayanti
		{time.October, 20},   // Dussehra
		{time.November, 10},  // Diwali Balipratipada
		{time.November, 24},  // Guru Nanak Jayanti
		{time.December, 25},  // Christmas
	},
}

var holidaySet = func() map[string]bool {
	set := make(map[string]bool)
	for year, days := range nseHolidays {
		for _, h := range days {
			set[dateKey(time.Date(year, h.month, h.day, 0, 0, 0, 0, IST))] = true
		}
	}
	return set
}()

// IsHoliday returns true if the date (in IST) is an NSE holiday.
func IsHoliday(t time.Time) bool {
	return holidaySet[dateKey(t.In(IST))]
}

func dateKey(t time.Time) string {
	return t.Format("2006-01-02")
}

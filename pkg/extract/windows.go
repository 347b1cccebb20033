package extract

import (
	"fmt"
	"time"
)

const dateLayout = "2006-01-02"

// YearWindow is one calendar year of a full rebuild
type YearWindow struct {
	Year int
	From time.Time
	To   time.Time
}

// Filter renders the window as an inclusive OData date range on field
func (w YearWindow) Filter(field string) string {
	return fmt.Sprintf("%s ge %s and %s le %s",
		field, w.From.Format(dateLayout), field, w.To.Format(dateLayout))
}

// YearWindows returns one window per year from start's year through now's
// year. Each window starts on January 1st and ends on December 31st, except
// the current year which ends today.
func YearWindows(start, now time.Time) []YearWindow {
	start = start.UTC()
	now = now.UTC()
	if start.Year() > now.Year() {
		return nil
	}

	windows := make([]YearWindow, 0, now.Year()-start.Year()+1)
	for year := start.Year(); year <= now.Year(); year++ {
		w := YearWindow{
			Year: year,
			From: time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC),
			To:   time.Date(year, time.December, 31, 0, 0, 0, 0, time.UTC),
		}
		if year == now.Year() {
			w.To = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		}
		windows = append(windows, w)
	}
	return windows
}
